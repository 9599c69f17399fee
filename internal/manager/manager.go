// Package manager orchestrates the collector: it builds every
// per-symbol worker, wires each one to its WebSocket stream, snapshot
// fetcher, sequence validator, and publisher, and supervises worker
// lifetime with panic isolation so one symbol's failure never touches
// its siblings.
package manager

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"

	"github.com/sequex/marketdata-core/internal/config"
	"github.com/sequex/marketdata-core/internal/orderbook"
	"github.com/sequex/marketdata-core/internal/publisher"
	"github.com/sequex/marketdata-core/internal/ratelimit"
	"github.com/sequex/marketdata-core/internal/snapshot"
	"github.com/sequex/marketdata-core/internal/validator"
)

// Manager owns every collector's workers and runs them concurrently
// until its context is canceled.
type Manager struct {
	cfg    *config.Config
	pub    *publisher.Publisher
	logger zerolog.Logger
}

// New builds a Manager from a validated config and a connected Publisher.
func New(cfg *config.Config, pub *publisher.Publisher, logger zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, pub: pub, logger: logger}
}

// Run builds every collector's workers and blocks until ctx is
// canceled or an unrecoverable setup error occurs. Per-symbol worker
// crashes never reach here; runWorkerSupervised restarts them in place.
func (m *Manager) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	for _, cc := range m.cfg.Collectors {
		exchange, err := cc.ParsedExchange()
		if err != nil {
			return fmt.Errorf("manager: %w", err)
		}

		limiter := ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cc.RateLimit.RequestsPerMinute,
			Burst:             cc.RateLimit.Burst,
			CooldownSeconds:   cc.RateLimit.CooldownSeconds,
		})
		httpClient := buildHTTPClient(cc.Proxy)
		marketType := orderbook.MarketType(cc.MarketType)

		// OKX depth requests share one persistent connection per
		// collector; responses are demultiplexed by request ID.
		var wsapi *snapshot.OKXWSAPI
		if exchange.IsOKX() {
			wsapi = snapshot.NewOKXWSAPI(okxPublicWSURL, exchange, marketType, m.logger)
			defer wsapi.Close()
		}

		fetcher := snapshot.NewFetcher(exchange, httpClient, limiter, cc.SnapshotDepth, wsapi)
		v := validator.ForExchange(exchange)

		workers := make([]*worker, 0, len(cc.Symbols))
		for _, rawSymbol := range cc.Symbols {
			workers = append(workers, newWorker(exchange, marketType, rawSymbol, cc, fetcher, v, m.pub, m.logger))
		}

		for _, w := range workers {
			w := w
			group.Go(func() error {
				runWorkerSupervised(gctx, w)
				return nil
			})
		}

		if cc.SnapshotIntervalSeconds > 0 {
			cc := cc
			group.Go(func() error {
				reconcileLoop(gctx, cc, workers)
				return nil
			})
		}
	}

	return group.Wait()
}

// workerRestartDelay spaces out restarts after a crash or connection
// loss so a symbol that fails immediately on every dial doesn't spin.
const workerRestartDelay = time.Second

// runWorkerSupervised restarts w.run on panic, dial failure, or
// connection loss, isolating the failure to this one symbol. It returns
// only once ctx is canceled.
func runWorkerSupervised(ctx context.Context, w *worker) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := runWorkerOnce(ctx, w); err != nil {
			w.logger.Error().Err(err).Msg("worker stopped, restarting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(workerRestartDelay):
			}
			continue
		}
		return
	}
}

func runWorkerOnce(ctx context.Context, w *worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.run(ctx)
}

// reconcileLoop refetches a snapshot for each symbol at the configured
// interval and compares its best levels against the live book,
// triggering a resync on divergence beyond tolerance. Not started when
// snapshot_interval is 0.
func reconcileLoop(ctx context.Context, cc config.CollectorConfig, workers []*worker) {
	ticker := time.NewTicker(cc.SnapshotInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range workers {
				reconcileOne(ctx, w)
			}
		}
	}
}

// reconcileOne runs on the reconcile-loop goroutine, never on the
// worker's own goroutine, so it must not read or mutate w's FSM fields
// (phase, retryCount, pendingSnapshot, ...) directly. It only reads the
// mutex-guarded book and, on divergence, hands off via requestResync so
// the worker goroutine itself decides whether a resync applies in its
// current phase.
func reconcileOne(ctx context.Context, w *worker) {
	result, err := w.fetcher.Fetch(ctx, w.rawSymbol)
	if err != nil {
		w.logger.Debug().Err(err).Msg("periodic reconciliation snapshot fetch failed")
		return
	}

	w.state.Lock()
	bestBid, bidErr := w.state.BestBid()
	bestAsk, askErr := w.state.BestAsk()
	w.state.Unlock()
	if bidErr != nil || askErr != nil || len(result.Bids) == 0 || len(result.Asks) == 0 {
		return
	}

	if diverges(bestBid.Price.InexactFloat64(), result.Bids[0].Price.InexactFloat64()) ||
		diverges(bestAsk.Price.InexactFloat64(), result.Asks[0].Price.InexactFloat64()) {
		w.logger.Warn().Msg("periodic reconciliation found divergence beyond tolerance")
		w.requestResync("periodic_reconciliation_divergence")
	}
}

func diverges(live, reference float64) bool {
	if reference == 0 {
		return false
	}
	const tolerance = 0.01
	delta := (live - reference) / reference
	if delta < 0 {
		delta = -delta
	}
	return delta > tolerance
}

// buildHTTPClient applies the optional per-collector proxy config to
// the snapshot fetchers' shared HTTP client.
func buildHTTPClient(pc *config.ProxyConfig) *http.Client {
	transport := &http.Transport{}
	if pc != nil {
		switch {
		case pc.HTTPSURL != "" || pc.HTTPURL != "":
			raw := pc.HTTPSURL
			if raw == "" {
				raw = pc.HTTPURL
			}
			if u, err := url.Parse(raw); err == nil {
				transport.Proxy = http.ProxyURL(u)
			}
		case pc.SOCKSURL != "":
			if u, err := url.Parse(pc.SOCKSURL); err == nil {
				if dialer, err := proxy.FromURL(u, proxy.Direct); err == nil {
					transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
						return dialer.Dial(network, addr)
					}
				}
			}
		}
	}
	return &http.Client{Timeout: 15 * time.Second, Transport: transport}
}

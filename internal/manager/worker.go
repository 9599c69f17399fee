// worker.go is the per-symbol state machine: one goroutine, one inbound
// channel, one state mutex. A book moves through
// SUBSCRIBING -> SNAPSHOT -> SYNCING -> RUNNING, holding in SYNCING
// while a fetched snapshot is still too new (re-checked on every newly
// buffered frame), and re-entering SUBSCRIBING on any resync.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sequex/marketdata-core/internal/checksum"
	"github.com/sequex/marketdata-core/internal/config"
	"github.com/sequex/marketdata-core/internal/normalizer"
	"github.com/sequex/marketdata-core/internal/orderbook"
	"github.com/sequex/marketdata-core/internal/publisher"
	"github.com/sequex/marketdata-core/internal/snapshot"
	"github.com/sequex/marketdata-core/internal/validator"
	"github.com/sequex/marketdata-core/internal/wsclient"
)

type phase int

const (
	phaseSubscribing phase = iota
	phaseSnapshot
	phaseSyncing
	phaseRunning
)

// snapshotCacheDuration is how long updates are buffered after a
// (re)subscribe before the first snapshot attempt.
const snapshotCacheDuration = 2 * time.Second

// snapshotGraceWindow bounds how long a symbol keeps retrying a
// stale/unreachable snapshot before restarting with a clean buffer.
const snapshotGraceWindow = 30 * time.Second

// sequenceErrorThreshold is how many consecutive rejected updates a
// symbol tolerates before escalating to a resync. A single small gap
// can be a transiently reordered frame; three in a row never is.
const sequenceErrorThreshold = 3

type snapshotOutcome struct {
	result snapshot.Result
	err    error
}

// bookPublisher is what a worker needs from the publication pipeline.
// *publisher.Publisher satisfies it in production.
type bookPublisher interface {
	Publish(subject string, book orderbook.EnhancedOrderBook, depth int) error
}

// worker owns exactly one OrderBookState and processes its inbound
// frames end to end: decode, validate, mutate, publish. Nothing else
// mutates the FSM fields outside the worker's own goroutine.
type worker struct {
	key        orderbook.BookKey
	rawSymbol  string // exchange's own symbol spelling, for subscribe frames and REST/WS fetch
	okxChannel string // books channel this symbol subscribes, from websocket_depth

	cfg config.CollectorConfig

	wsCfg     wsclient.Config
	ws        *wsclient.Client
	fetcher   snapshot.Fetcher
	validator validator.Validator
	pub       bookPublisher
	state     *orderbook.OrderBookState
	logger    zerolog.Logger

	phase            phase
	subscribedAt     time.Time
	pendingSnapshot  *snapshot.Result
	snapshotInFlight bool
	snapshotTimer    *time.Timer
	snapshotResultCh chan snapshotOutcome
	resyncRequestCh  chan string
	retryCount       int
}

func newWorker(exchange orderbook.Exchange, marketType orderbook.MarketType, rawSymbol string, cc config.CollectorConfig, fetcher snapshot.Fetcher, v validator.Validator, pub bookPublisher, logger zerolog.Logger) *worker {
	key := orderbook.BookKey{Exchange: exchange, MarketType: marketType, Symbol: normalizer.Symbol(exchange, rawSymbol)}

	l := logger.With().
		Str("exchange", string(exchange)).
		Str("market_type", string(marketType)).
		Str("symbol", key.Symbol).
		Logger()

	return &worker{
		key:              key,
		rawSymbol:        rawSymbol,
		okxChannel:       okxChannelFor(cc.WebsocketDepth),
		cfg:              cc,
		wsCfg:            wsConfigFor(exchange, rawSymbol, cc),
		fetcher:          fetcher,
		validator:        v,
		pub:              pub,
		state:            orderbook.NewOrderBookState(key, 0),
		logger:           l,
		phase:            phaseSubscribing,
		snapshotResultCh: make(chan snapshotOutcome, 1),
		resyncRequestCh:  make(chan string, 1),
	}
}

// requestResync lets another goroutine (periodic reconciliation) ask
// this worker to resync without touching any worker-private field
// itself. A pending request is coalesced if one is already queued.
func (w *worker) requestResync(reason string) {
	select {
	case w.resyncRequestCh <- reason:
	default:
	}
}

// run is one connection's worth of the worker's life: dial, sync,
// process until the context is canceled (returns nil) or the connection
// is lost beyond recovery (returns the error; the supervisor builds a
// fresh run). Gaps, checksum failures, and bans never exit run — they
// trigger an in-place resync.
func (w *worker) run(ctx context.Context) error {
	client, err := wsclient.Dial(w.wsCfg, w.logger)
	if err != nil {
		return err
	}
	w.ws = client
	defer w.ws.Close()

	// A restart after a crash or connection loss can land mid-sync;
	// start every run from a clean slate.
	w.state.Lock()
	if w.state.IsSynced || len(w.state.UpdateBuffer) > 0 {
		w.state.ResetForResync()
		w.state.ClearBuffer()
	}
	w.state.Unlock()
	w.pendingSnapshot = nil
	w.snapshotInFlight = false

	// Dial already queued the initial Resubscribed signal; swallow it so
	// the first subscription isn't mistaken for a reconnect.
	select {
	case <-w.ws.Resubscribed():
	default:
	}

	w.subscribedAt = time.Now()
	w.armSnapshotTimer(snapshotCacheDuration)

	for {
		var timerC <-chan time.Time
		if w.snapshotTimer != nil {
			timerC = w.snapshotTimer.C
		}

		select {
		case <-ctx.Done():
			return nil

		case err := <-w.ws.Fatal():
			return fmt.Errorf("connection lost: %w", err)

		case <-w.ws.Resubscribed():
			w.logger.Info().Msg("resubscribed, forcing resync")
			w.beginResync(ctx, "resubscribed")

		case raw := <-w.ws.Recv():
			w.handleFrame(ctx, raw)

		case <-timerC:
			w.startSnapshotFetch(ctx)

		case outcome := <-w.snapshotResultCh:
			w.snapshotInFlight = false
			w.handleSnapshotOutcome(outcome)

		case reason := <-w.resyncRequestCh:
			if w.phase == phaseRunning {
				w.logger.Warn().Str("reason", reason).Msg("external resync request")
				w.beginResync(ctx, reason)
			}
		}
	}
}

func (w *worker) handleFrame(ctx context.Context, raw []byte) {
	u, err := decodeFrame(w.key.Exchange, raw)
	if err != nil {
		if errors.Is(err, ErrSkipFrame) {
			return
		}
		w.logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	u.Key = w.key

	if w.phase != phaseRunning {
		w.bufferUpdate(u)
		return
	}
	w.applyRunning(ctx, u)
}

func (w *worker) bufferUpdate(u orderbook.Update) {
	w.state.Lock()
	if err := w.state.BufferUpdate(u); err != nil {
		w.logger.Warn().Err(err).Msg("update buffer overflow, oldest entry dropped")
	}
	w.state.Unlock()

	if w.pendingSnapshot != nil {
		w.reconcileSnapshot(*w.pendingSnapshot)
	}
}

func (w *worker) armSnapshotTimer(d time.Duration) {
	if w.snapshotTimer != nil {
		w.snapshotTimer.Stop()
	}
	w.snapshotTimer = time.NewTimer(d)
	w.phase = phaseSubscribing
}

func (w *worker) startSnapshotFetch(ctx context.Context) {
	if w.snapshotInFlight {
		return
	}
	w.snapshotInFlight = true
	w.phase = phaseSnapshot
	go func() {
		result, err := w.fetcher.Fetch(ctx, w.rawSymbol)
		select {
		case w.snapshotResultCh <- snapshotOutcome{result: result, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (w *worker) handleSnapshotOutcome(outcome snapshotOutcome) {
	if outcome.err != nil {
		w.logger.Warn().Err(outcome.err).Msg("snapshot fetch failed")
		w.retryOrRestart()
		return
	}
	w.reconcileSnapshot(outcome.result)
}

// retryOrRestart keeps retrying the snapshot (at the cache cadence)
// until snapshotGraceWindow has elapsed since entering SUBSCRIBING,
// then gives up and restarts with a clean buffer.
func (w *worker) retryOrRestart() {
	if time.Since(w.subscribedAt) >= snapshotGraceWindow {
		w.restartSubscribing("snapshot retries exhausted")
		return
	}
	w.armSnapshotTimer(snapshotCacheDuration)
	w.phase = phaseSubscribing
}

func (w *worker) restartSubscribing(reason string) {
	w.logger.Warn().Str("reason", reason).Msg("restarting from a clean buffer")
	w.state.Lock()
	w.state.ClearBuffer()
	w.state.Unlock()
	w.pendingSnapshot = nil
	w.subscribedAt = time.Now()
	w.armSnapshotTimer(snapshotCacheDuration)
}

// reconcileSnapshot decides what a fetched snapshot is worth against
// the buffered updates: too old (discard and retry/restart), too new
// (hold it and wait for the stream to catch up, re-checking on each
// newly buffered frame), or covered (install and replay).
func (w *worker) reconcileSnapshot(result snapshot.Result) {
	w.state.Lock()
	buf := w.state.UpdateBuffer
	if len(buf) == 0 {
		w.state.Unlock()
		w.pendingSnapshot = &result
		w.phase = phaseSyncing
		return
	}

	firstStart, _ := w.updateRange(buf[0])
	_, lastEnd := w.updateRange(buf[len(buf)-1])

	if result.LastUpdateID < firstStart {
		w.state.Unlock()
		w.logger.Info().Int64("snapshot_id", result.LastUpdateID).Int64("buffer_start", firstStart).Msg("snapshot too old")
		w.retryOrRestart()
		return
	}
	if result.LastUpdateID > lastEnd {
		w.state.Unlock()
		w.pendingSnapshot = &result
		w.phase = phaseSyncing
		return
	}

	idx := -1
	for i, u := range buf {
		start, end := w.updateRange(u)
		if start <= result.LastUpdateID && result.LastUpdateID <= end {
			idx = i
			break
		}
	}
	if idx == -1 {
		w.state.Unlock()
		w.logger.Warn().Int64("snapshot_id", result.LastUpdateID).Msg("no buffered update covers snapshot, retrying")
		w.retryOrRestart()
		return
	}

	w.state.ApplySnapshot(result.Bids, result.Asks, result.LastUpdateID, time.UnixMilli(result.Timestamp))
	w.replayLocked(buf[idx:])
	w.state.ClearBuffer()
	w.state.Unlock()

	w.pendingSnapshot = nil
	w.phase = phaseRunning
	w.retryCount = 0
	if w.snapshotTimer != nil {
		w.snapshotTimer.Stop()
		w.snapshotTimer = nil
	}
	w.logger.Info().Int64("snapshot_id", result.LastUpdateID).Msg("synced")
	w.publishSnapshotView()
}

// updateRange returns the continuity bounds of u: (U,u) for Binance,
// (prevSeqId,seqId) for OKX.
func (w *worker) updateRange(u orderbook.Update) (int64, int64) {
	if w.key.Exchange.IsOKX() {
		return u.PrevUpdateID, u.FinalUpdateID
	}
	return u.FirstUpdateID, u.FinalUpdateID
}

// replayLocked applies buffered updates starting at the matched entry,
// silently skipping every entry the validator rejects: stale entries
// whose whole range predates the installed snapshot, and also any entry
// that breaks continuity. Caller holds state's lock.
func (w *worker) replayLocked(buf []orderbook.Update) {
	s := w.state
	for i, u := range buf {
		var res validator.Result
		if i == 0 {
			res = w.validator.ValidateFirst(u, s.SnapshotLastUpdateID)
		} else {
			res = w.validator.ValidateNext(u, s.LastUpdateID, s.LastSeqID, s.LastPrevUpdateID)
		}
		if !res.Valid {
			continue
		}
		w.applyValidated(u, res)
	}
}

// applyValidated mutates state with an update the validator accepted:
// an OKX snapshot push replaces the whole book, anything else diffs it.
// Caller holds state's lock.
func (w *worker) applyValidated(u orderbook.Update, res validator.Result) {
	s := w.state
	if w.key.Exchange.IsOKX() && u.IsOKXSnapshot() {
		s.ApplySnapshot(u.Bids, u.Asks, res.NextLastUpdateID, time.UnixMilli(u.Timestamp))
	} else {
		s.ApplyUpdate(u, res.NextLastUpdateID, u.Timestamp)
	}
	s.LastSeqID = res.NextLastUpdateID
	if res.MaintenanceReset {
		s.MaintenanceResets++
	}
}

// applyRunning validates and applies one live update, then publishes
// off the state lock.
func (w *worker) applyRunning(ctx context.Context, u orderbook.Update) {
	s := w.state
	s.Lock()
	res := w.validator.ValidateNext(u, s.LastUpdateID, s.LastSeqID, s.LastPrevUpdateID)
	if !res.Valid {
		if res.Reason == validator.ReasonStale {
			// A duplicate or late frame isn't a gap; drop it without
			// feeding the resync escalation counter.
			s.Unlock()
			w.logger.Debug().Int64("received_final", u.FinalUpdateID).Msg("dropping stale update")
			return
		}
		s.ConsecutiveSequenceErrors++
		count := s.ConsecutiveSequenceErrors
		s.Unlock()
		w.logger.Warn().Str("reason", string(res.Reason)).Int64("received_final", u.FinalUpdateID).Msg("sequence validation failed")
		if count >= sequenceErrorThreshold {
			w.beginResync(ctx, "sequence_gap")
		}
		return
	}

	w.applyValidated(u, res)
	s.ConsecutiveSequenceErrors = 0

	view := s.View(w.cfg.NATSPublishDepth)
	checksumOK := true
	if u.Checksum != nil {
		checksumOK = checksum.Validate(s.FullBids(), s.FullAsks(), *u.Checksum)
		c := *u.Checksum
		view.Checksum = &c
	}
	s.Unlock()

	if !checksumOK {
		w.logger.Warn().Int32("received", *u.Checksum).Msg("checksum mismatch")
		w.beginResync(ctx, "checksum_mismatch")
		return
	}

	w.publish(view)
}

// beginResync drops the local book, forces a fresh OKX subscription
// (the server answers a new subscribe with a full snapshot push), and
// backs off exponentially before the next SUBSCRIBING attempt, reusing
// the snapshot-cache timer as the backoff clock so no sleep ever blocks
// the worker goroutine.
func (w *worker) beginResync(ctx context.Context, reason string) {
	w.retryCount++
	delay := resyncBackoff(w.retryCount)

	w.state.Lock()
	w.state.ResetForResync()
	w.state.ClearBuffer()
	w.state.Unlock()

	w.pendingSnapshot = nil
	w.snapshotInFlight = false
	w.subscribedAt = time.Now().Add(delay)

	w.logger.Warn().Str("reason", reason).Int("retry", w.retryCount).Dur("delay", delay).Msg("resync triggered")

	if w.key.Exchange.IsOKX() {
		w.resubscribeOKX()
	}

	w.armSnapshotTimer(delay + snapshotCacheDuration)
}

// resyncBackoff is min(10*2^retry, 120) seconds.
func resyncBackoff(retry int) time.Duration {
	seconds := 10
	for i := 0; i < retry && seconds < 120; i++ {
		seconds *= 2
	}
	if seconds > 120 {
		seconds = 120
	}
	return time.Duration(seconds) * time.Second
}

func (w *worker) resubscribeOKX() {
	if w.ws == nil {
		return
	}
	unsub := okxSubscribeFrame("unsubscribe", w.okxChannel, w.rawSymbol)
	sub := okxSubscribeFrame("subscribe", w.okxChannel, w.rawSymbol)
	if err := w.ws.Send(unsub); err != nil {
		w.logger.Warn().Err(err).Msg("okx unsubscribe send failed")
	}
	if err := w.ws.Send(sub); err != nil {
		w.logger.Warn().Err(err).Msg("okx resubscribe send failed")
	}
}

func (w *worker) publishSnapshotView() {
	view := w.state.View(w.cfg.NATSPublishDepth)
	view.UpdateType = orderbook.UpdateTypeSnapshot
	w.publish(view)
}

func (w *worker) publish(view orderbook.EnhancedOrderBook) {
	subject := publisher.Subject("orderbook", w.key.Exchange, w.key.MarketType, w.key.Symbol)
	if err := w.pub.Publish(subject, view, w.cfg.NATSPublishDepth); err != nil {
		w.logger.Warn().Err(err).Str("subject", subject).Msg("publish failed")
	}
}

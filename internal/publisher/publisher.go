// Package publisher fans validated book views out to NATS: persistent,
// acked JetStream delivery for configured subject prefixes and
// fire-and-forget core pub/sub for the rest, entirely off the
// book-mutation critical path.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sequex/marketdata-core/internal/bookutil"
	"github.com/sequex/marketdata-core/internal/config"
	"github.com/sequex/marketdata-core/internal/orderbook"
)

// StandardizationVersion is stamped on every published payload.
const StandardizationVersion = "1.0"

// Envelope is the canonical downstream payload: the book fields plus
// publisher/standardization metadata. Bids and asks are emitted as
// 2-string-array rows, preserving the exchange's decimal strings.
type Envelope struct {
	ExchangeName   orderbook.Exchange   `json:"exchange_name"`
	MarketType     orderbook.MarketType `json:"market_type"`
	Symbol         string               `json:"symbol"`
	Bids           [][2]string          `json:"bids"`
	Asks           [][2]string          `json:"asks"`
	LastUpdateID   int64                `json:"last_update_id"`
	FirstUpdateID  int64                `json:"first_update_id"`
	PrevUpdateID   int64                `json:"prev_update_id"`
	Timestamp      int64                `json:"timestamp"`
	UpdateType     orderbook.UpdateType `json:"update_type"`
	DepthLevels    int                  `json:"depth_levels"`
	Checksum       *int32               `json:"checksum,omitempty"`
	Publisher      string               `json:"publisher"`
	StandardizedAt int64                `json:"standardized_at"`
	Version        string               `json:"standardization_version"`
}

// ToEnvelope builds the publish payload for book, truncated to depth
// levels per side; the full-depth book stays local.
func ToEnvelope(book orderbook.EnhancedOrderBook, depth int, publisherName string, now time.Time) Envelope {
	bids := book.Bids
	if depth > 0 && len(bids) > depth {
		bids = bids[:depth]
	}
	asks := book.Asks
	if depth > 0 && len(asks) > depth {
		asks = asks[:depth]
	}
	return Envelope{
		ExchangeName:   book.Exchange,
		MarketType:     book.MarketType,
		Symbol:         book.Symbol,
		Bids:           toPairs(bids),
		Asks:           toPairs(asks),
		LastUpdateID:   book.LastUpdateID,
		FirstUpdateID:  book.FirstUpdateID,
		PrevUpdateID:   book.PrevUpdateID,
		Timestamp:      book.Timestamp,
		UpdateType:     book.UpdateType,
		DepthLevels:    len(bids) + len(asks),
		Checksum:       book.Checksum,
		Publisher:      publisherName,
		StandardizedAt: now.UnixMilli(),
		Version:        StandardizationVersion,
	}
}

// toPairs renders levels as [price, qty] string-pair rows, preserving
// each decimal's exact exchange-emitted form by rendering it with the
// fractional digits it was parsed with.
func toPairs(levels []bookutil.PriceLevel) [][2]string {
	out := make([][2]string, len(levels))
	for i, lvl := range levels {
		out[i] = [2]string{exactString(lvl.Price), exactString(lvl.Quantity)}
	}
	return out
}

// exactString keeps trailing fractional zeros ("30000.10" stays
// "30000.10"), which decimal.Decimal's String() would drop.
func exactString(d decimal.Decimal) string {
	if d.Exponent() < 0 {
		return d.StringFixed(-d.Exponent())
	}
	return d.String()
}

// Subject builds "<datatype>-data.<exchange>.<market_type>.<symbol>".
func Subject(dataType string, exchange orderbook.Exchange, marketType orderbook.MarketType, symbol string) string {
	return fmt.Sprintf("%s-data.%s.%s.%s", dataType, exchange, marketType, symbol)
}

// Publisher fans out payloads to NATS, picking fire-and-forget core
// pub/sub or persistent JetStream per subject prefix. Every Publish
// call enqueues onto a bounded per-subject channel and returns
// immediately; a background worker drains it so a slow or failing
// transport never blocks the calling symbol's book mutation.
type Publisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    config.NATSConfig
	logger zerolog.Logger

	sendTimeout time.Duration
	maxRetries  int

	mu      sync.Mutex
	queues  map[string]chan queuedMsg
	wg      sync.WaitGroup
	closing chan struct{}

	failureCount map[string]int64
	failureMu    sync.Mutex
}

type queuedMsg struct {
	subject    string
	payload    []byte
	persistent bool
}

// QueueDepth is the bound on each subject's outbound channel.
const QueueDepth = 1024

// Connect dials NATS and, if JetStream is enabled, provisions every
// configured stream with its retention policy (max_msgs, max_bytes,
// max_age, duplicate window, discard-oldest).
func Connect(cfg config.NATSConfig, logger zerolog.Logger) (*Publisher, error) {
	if cfg.ClientName == "" {
		// A stable but unique client name distinguishes this collector
		// instance in NATS connection listings when no operator-chosen
		// name is configured, and doubles as the "publisher" field
		// stamped on every envelope.
		cfg.ClientName = "marketdata-core-" + uuid.New().String()[:8]
	}
	opts := []nats.Option{nats.Name(cfg.ClientName)}
	conn, err := nats.Connect(cfg.ConnectURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("publisher: connect: %w", err)
	}

	p := &Publisher{
		conn:         conn,
		cfg:          cfg,
		logger:       logger,
		sendTimeout:  10 * time.Second,
		maxRetries:   5,
		queues:       make(map[string]chan queuedMsg),
		closing:      make(chan struct{}),
		failureCount: make(map[string]int64),
	}

	if cfg.JetStream.Enabled {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("publisher: jetstream context: %w", err)
		}
		p.js = js
		for name := range cfg.JetStream.Streams {
			if err := p.ensureStream(name); err != nil {
				conn.Close()
				return nil, err
			}
		}
	}

	return p, nil
}

func (p *Publisher) ensureStream(name string) error {
	sc := p.cfg.StreamConfigFor(name)
	_, err := p.js.StreamInfo(sc.Name)
	if err == nil {
		return nil
	}
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       sc.Name,
		Subjects:   sc.Subjects,
		MaxMsgs:    sc.MaxMsgs,
		MaxBytes:   sc.MaxBytes,
		MaxAge:     sc.MaxAge(),
		Duplicates: sc.DuplicateWindow(),
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("publisher: add stream %s: %w", sc.Name, err)
	}
	return nil
}

// Publish enqueues payload for subject, picking the delivery mode
// configured for its prefix. Never blocks on transport I/O; if the
// subject's queue is full the message is dropped and a failure counter
// bumped.
func (p *Publisher) Publish(subject string, book orderbook.EnhancedOrderBook, depth int) error {
	envelope := buildEnvelope(book, depth, p.cfg.ClientName)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("publisher: marshal: %w", err)
	}

	q := p.queueFor(subject)
	msg := queuedMsg{subject: subject, payload: payload, persistent: p.cfg.IsPersistentSubject(subject)}
	select {
	case q <- msg:
		return nil
	default:
		p.bumpFailure(subject)
		p.logger.Warn().Str("subject", subject).Msg("publisher queue full, dropping message")
		return fmt.Errorf("publisher: queue full for %s", subject)
	}
}

func (p *Publisher) queueFor(subject string) chan queuedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[subject]
	if ok {
		return q
	}
	q = make(chan queuedMsg, QueueDepth)
	p.queues[subject] = q
	p.wg.Add(1)
	go p.drain(subject, q)
	return q
}

func (p *Publisher) drain(subject string, q chan queuedMsg) {
	defer p.wg.Done()
	for {
		select {
		case <-p.closing:
			return
		case msg := <-q:
			p.sendWithRetry(msg)
		}
	}
}

// sendWithRetry retries with exponential backoff up to maxRetries
// before giving up, dropping the message, and incrementing the failure
// counter. Dropping beats blocking here: the book keeps mutating and
// publishing whether or not the bus is reachable.
func (p *Publisher) sendWithRetry(msg queuedMsg) {
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
		err := p.send(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		if attempt == p.maxRetries {
			p.bumpFailure(msg.subject)
			p.logger.Error().Err(err).Str("subject", msg.subject).Msg("publisher giving up after retries, dropping message")
			return
		}
		select {
		case <-time.After(backoff):
		case <-p.closing:
			return
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (p *Publisher) send(ctx context.Context, msg queuedMsg) error {
	if msg.persistent && p.js != nil {
		_, err := p.js.Publish(msg.subject, msg.payload, nats.Context(ctx))
		return err
	}
	return p.conn.Publish(msg.subject, msg.payload)
}

func (p *Publisher) bumpFailure(subject string) {
	p.failureMu.Lock()
	defer p.failureMu.Unlock()
	p.failureCount[subject]++
}

// FailureCount returns the number of messages dropped for subject,
// either because its queue was full or because retries were exhausted,
// for whatever metrics surface sits on top.
func (p *Publisher) FailureCount(subject string) int64 {
	p.failureMu.Lock()
	defer p.failureMu.Unlock()
	return p.failureCount[subject]
}

// Close stops every per-subject drain goroutine, waits up to 5s for
// sends already in progress to return, then closes the NATS connection.
// Messages still waiting in a queue are not sent.
func (p *Publisher) Close() {
	close(p.closing)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	p.conn.Close()
}

func buildEnvelope(book orderbook.EnhancedOrderBook, depth int, publisherName string) Envelope {
	return ToEnvelope(book, depth, publisherName, timeNow())
}

// timeNow is indirected only so tests can feel confident stamping is
// wall-clock-based without freezing global time.
func timeNow() time.Time { return time.Now() }

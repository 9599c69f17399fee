// okxws.go is the WebSocket-API snapshot path for OKX: depth requests
// go out over one persistent connection per exchange, and responses are
// demultiplexed by a request ID that embeds the (exchange, market_type,
// symbol) tuple, so concurrent fetches for different symbols can share
// the connection safely.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sequex/marketdata-core/internal/orderbook"
)

// OKXWSAPI holds one persistent WebSocket connection used for depth
// requests. The connection is dialed lazily on first use and redialed
// after any read failure; in-flight requests caught by a failure get
// the error and their callers fall back to REST.
type OKXWSAPI struct {
	url        string
	exchange   orderbook.Exchange
	marketType orderbook.MarketType
	logger     zerolog.Logger

	dialTimeout    time.Duration
	requestTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan okxWSReply
	nextID  uint64
}

type okxWSReply struct {
	result Result
	err    error
}

// okxWSRequest is the depth request frame; ID carries the demux key.
type okxWSRequest struct {
	ID   string         `json:"id"`
	Op   string         `json:"op"`
	Args []okxWSReqArgs `json:"args"`
}

type okxWSReqArgs struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
	Size    string `json:"sz"`
}

type okxWSResponse struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Bids  [][]string `json:"bids"`
		Asks  [][]string `json:"asks"`
		Ts    string     `json:"ts"`
		SeqID int64      `json:"seqId"`
	} `json:"data"`
}

// NewOKXWSAPI builds the shared depth-request client for one exchange.
func NewOKXWSAPI(url string, exchange orderbook.Exchange, marketType orderbook.MarketType, logger zerolog.Logger) *OKXWSAPI {
	return &OKXWSAPI{
		url:            url,
		exchange:       exchange,
		marketType:     marketType,
		logger:         logger,
		dialTimeout:    10 * time.Second,
		requestTimeout: 15 * time.Second,
		pending:        make(map[string]chan okxWSReply),
	}
}

// Fetch requests a depth snapshot for symbol over the persistent
// connection and blocks until the matching response, ctx cancellation,
// or the request timeout.
func (w *OKXWSAPI) Fetch(ctx context.Context, symbol string, depth int) (Result, error) {
	if depth <= 0 || depth > 400 {
		depth = 400
	}

	w.mu.Lock()
	if w.conn == nil {
		if err := w.dialLocked(); err != nil {
			w.mu.Unlock()
			return Result{}, &Error{Kind: ErrKindNetwork, Err: err}
		}
	}
	w.nextID++
	id := fmt.Sprintf("%s.%s.%s.%d", w.exchange, w.marketType, symbol, w.nextID)
	ch := make(chan okxWSReply, 1)
	w.pending[id] = ch
	conn := w.conn
	req := okxWSRequest{
		ID:   id,
		Op:   "req",
		Args: []okxWSReqArgs{{Channel: "books", InstID: symbol, Size: strconv.Itoa(depth)}},
	}
	frame, _ := json.Marshal(req)
	err := conn.WriteMessage(websocket.TextMessage, frame)
	w.mu.Unlock()

	if err != nil {
		w.dropPending(id)
		w.teardown(err)
		return Result{}, &Error{Kind: ErrKindNetwork, Err: err}
	}

	timer := time.NewTimer(w.requestTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.err != nil {
			return Result{}, &Error{Kind: ErrKindNetwork, Err: reply.err}
		}
		return reply.result, nil
	case <-timer.C:
		w.dropPending(id)
		return Result{}, &Error{Kind: ErrKindTimeout, Err: fmt.Errorf("okx ws depth request %s timed out", id)}
	case <-ctx.Done():
		w.dropPending(id)
		return Result{}, &Error{Kind: ErrKindNetwork, Err: ctx.Err()}
	}
}

// Close shuts the persistent connection down; any in-flight requests
// get a connection-closed error.
func (w *OKXWSAPI) Close() {
	w.teardown(fmt.Errorf("okx ws api closed"))
}

func (w *OKXWSAPI) dialLocked() error {
	dialer := websocket.Dialer{HandshakeTimeout: w.dialTimeout}
	conn, _, err := dialer.Dial(w.url, nil)
	if err != nil {
		return fmt.Errorf("okx ws api dial: %w", err)
	}
	w.conn = conn
	go w.readLoop(conn)
	w.logger.Info().Str("url", w.url).Msg("okx ws api connected")
	return nil
}

func (w *OKXWSAPI) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			w.teardownIf(conn, err)
			return
		}
		if len(raw) == 0 || raw[0] != '{' {
			continue // "pong" and other bare text frames
		}
		var resp okxWSResponse
		if err := json.Unmarshal(raw, &resp); err != nil || resp.ID == "" {
			continue // channel pushes and acks carry no request ID
		}
		w.route(resp)
	}
}

func (w *OKXWSAPI) route(resp okxWSResponse) {
	w.mu.Lock()
	ch, ok := w.pending[resp.ID]
	if ok {
		delete(w.pending, resp.ID)
	}
	w.mu.Unlock()
	if !ok {
		return // late reply for a request that already timed out
	}

	if resp.Code != "" && resp.Code != "0" {
		ch <- okxWSReply{err: fmt.Errorf("okx ws depth request failed: code=%s msg=%s", resp.Code, resp.Msg)}
		return
	}
	if len(resp.Data) == 0 {
		ch <- okxWSReply{err: fmt.Errorf("okx ws depth response carried no data")}
		return
	}

	row := resp.Data[0]
	bids, err := okxLevels(row.Bids)
	if err != nil {
		ch <- okxWSReply{err: err}
		return
	}
	asks, err := okxLevels(row.Asks)
	if err != nil {
		ch <- okxWSReply{err: err}
		return
	}
	ts, _ := strconv.ParseInt(row.Ts, 10, 64)
	lastUpdateID := row.SeqID
	if lastUpdateID == 0 {
		lastUpdateID = ts
	}
	ch <- okxWSReply{result: Result{Bids: bids, Asks: asks, LastUpdateID: lastUpdateID, Timestamp: ts}}
}

// teardown closes the connection and fails every pending request so
// callers can fall back to REST; the next Fetch redials.
func (w *OKXWSAPI) teardown(cause error) {
	w.teardownIf(nil, cause)
}

// teardownIf is teardown scoped to one connection: a stale read loop
// whose connection was already replaced must not tear down its
// successor. conn == nil tears down unconditionally.
func (w *OKXWSAPI) teardownIf(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if conn != nil && w.conn != conn {
		return
	}
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	for id, ch := range w.pending {
		ch <- okxWSReply{err: fmt.Errorf("okx ws api connection lost: %w", cause)}
		delete(w.pending, id)
	}
}

func (w *OKXWSAPI) dropPending(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

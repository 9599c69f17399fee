// Package snapshot fetches full-depth order-book snapshots: Binance
// and OKX REST endpoints, plus an OKX WebSocket-API path that reuses a
// persistent connection. All fetchers share the same rate-limit,
// ban-handling, and consecutive-error backoff plumbing.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/sequex/marketdata-core/internal/bookutil"
	"github.com/sequex/marketdata-core/internal/normalizer"
	"github.com/sequex/marketdata-core/internal/orderbook"
	"github.com/sequex/marketdata-core/internal/ratelimit"
)

// ErrKind classifies a Fetch failure.
type ErrKind string

const (
	ErrKindTimeout     ErrKind = "timeout"
	ErrKindRateLimited ErrKind = "rate_limited"
	ErrKindBanned      ErrKind = "banned"
	ErrKindParseError  ErrKind = "parse_error"
	ErrKindNetwork     ErrKind = "network"
)

// Error wraps a Fetch failure with its taxonomy kind.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("snapshot: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Result is the canonical snapshot every fetcher returns: full-depth
// bids and asks, the exchange's sequence anchor (lastUpdateId / seqId),
// and its event timestamp.
type Result struct {
	Bids         []bookutil.PriceLevel
	Asks         []bookutil.PriceLevel
	LastUpdateID int64
	Timestamp    int64
}

// Fetcher retrieves a full-depth snapshot for one symbol.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (Result, error)
}

const (
	binanceSpotDepthURL        = "https://api.binance.com/api/v3/depth"
	binanceDerivativesDepthURL = "https://fapi.binance.com/fapi/v1/depth"
	okxBooksURL                = "https://www.okx.com/api/v5/market/books"
	okxBooksFullURL            = "https://www.okx.com/api/v5/market/books-full"
)

var banUntilRE = regexp.MustCompile(`banned until (\d+)`)

// binanceSpotLimits and binanceDerivativesLimits are the limit values
// the depth endpoints accept; a requested depth is snapped up to the
// next accepted value.
var (
	binanceSpotLimits        = []int{5, 10, 20, 50, 100, 500, 1000, 5000}
	binanceDerivativesLimits = []int{5, 10, 20, 50, 100, 500, 1000}
)

func snapLimit(requested int, valid []int) int {
	for _, v := range valid {
		if requested <= v {
			return v
		}
	}
	return valid[len(valid)-1]
}

// NewFetcher returns the Fetcher for exchange, requesting depth levels
// (snapped to what the endpoint accepts; <=0 means the exchange max).
// wsapi, when non-nil, is tried before REST for OKX exchanges.
func NewFetcher(exchange orderbook.Exchange, client *http.Client, limiter *ratelimit.Limiter, depth int, wsapi *OKXWSAPI) Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	switch exchange {
	case orderbook.ExchangeBinanceSpot:
		if depth <= 0 {
			depth = 5000
		}
		return &binanceFetcher{client: client, limiter: limiter, url: binanceSpotDepthURL, depth: snapLimit(depth, binanceSpotLimits)}
	case orderbook.ExchangeBinanceDerivatives:
		if depth <= 0 {
			depth = 1000
		}
		return &binanceFetcher{client: client, limiter: limiter, url: binanceDerivativesDepthURL, depth: snapLimit(depth, binanceDerivativesLimits)}
	case orderbook.ExchangeOKXSpot, orderbook.ExchangeOKXDerivatives:
		if depth <= 0 {
			depth = 400
		}
		return &okxFetcher{client: client, limiter: limiter, depth: depth, wsapi: wsapi}
	default:
		return nil
	}
}

type binanceFetcher struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	url     string
	depth   int
}

type binanceDepthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func (f *binanceFetcher) Fetch(ctx context.Context, symbol string) (Result, error) {
	if err := gate(ctx, f.limiter, symbol); err != nil {
		return Result{}, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(f.depth))

	body, status, err := doGet(ctx, f.client, f.url+"?"+params.Encode())
	if err != nil {
		if f.limiter != nil {
			f.limiter.ReportError()
		}
		return Result{}, classifyHTTPError(err)
	}

	if kind, berr := handleStatus(status, body, f.limiter); kind != "" {
		return Result{}, berr
	}

	var resp binanceDepthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{}, &Error{Kind: ErrKindParseError, Err: err}
	}

	bids, err := normalizer.Levels(resp.Bids)
	if err != nil {
		return Result{}, &Error{Kind: ErrKindParseError, Err: err}
	}
	asks, err := normalizer.Levels(resp.Asks)
	if err != nil {
		return Result{}, &Error{Kind: ErrKindParseError, Err: err}
	}

	if f.limiter != nil {
		f.limiter.ReportSuccess()
	}
	return Result{Bids: bids, Asks: asks, LastUpdateID: resp.LastUpdateID, Timestamp: time.Now().UnixMilli()}, nil
}

type okxFetcher struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	depth   int
	wsapi   *OKXWSAPI
}

type okxBooksResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Bids  [][]string `json:"bids"`
		Asks  [][]string `json:"asks"`
		Ts    string     `json:"ts"`
		SeqID int64      `json:"seqId"`
	} `json:"data"`
}

func (f *okxFetcher) Fetch(ctx context.Context, symbol string) (Result, error) {
	if err := gate(ctx, f.limiter, symbol); err != nil {
		return Result{}, err
	}

	if f.wsapi != nil {
		result, err := f.wsapi.Fetch(ctx, symbol, f.depth)
		if err == nil {
			if f.limiter != nil {
				f.limiter.ReportSuccess()
			}
			return result, nil
		}
		// REST below is the fallback; the persistent connection will be
		// redialed on the next request.
	}

	// The books endpoint tops out at 400 levels; anything deeper goes
	// through books-full.
	endpoint := okxBooksURL
	if f.depth > 400 {
		endpoint = okxBooksFullURL
	}

	params := url.Values{}
	params.Set("instId", symbol)
	params.Set("sz", strconv.Itoa(f.depth))

	body, status, err := doGet(ctx, f.client, endpoint+"?"+params.Encode())
	if err != nil {
		if f.limiter != nil {
			f.limiter.ReportError()
		}
		return Result{}, classifyHTTPError(err)
	}

	if kind, berr := handleStatus(status, body, f.limiter); kind != "" {
		return Result{}, berr
	}

	var resp okxBooksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{}, &Error{Kind: ErrKindParseError, Err: err}
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return Result{}, &Error{Kind: ErrKindParseError, Err: fmt.Errorf("okx books error: code=%s msg=%s", resp.Code, resp.Msg)}
	}

	row := resp.Data[0]
	bids, err := okxLevels(row.Bids)
	if err != nil {
		return Result{}, &Error{Kind: ErrKindParseError, Err: err}
	}
	asks, err := okxLevels(row.Asks)
	if err != nil {
		return Result{}, &Error{Kind: ErrKindParseError, Err: err}
	}

	ts, _ := strconv.ParseInt(row.Ts, 10, 64)
	lastUpdateID := row.SeqID
	if lastUpdateID == 0 {
		lastUpdateID = ts
	}

	if f.limiter != nil {
		f.limiter.ReportSuccess()
	}
	return Result{Bids: bids, Asks: asks, LastUpdateID: lastUpdateID, Timestamp: ts}, nil
}

// okxLevels parses OKX's 4-tuple [price, qty, liquidated, orderCount]
// book rows, keeping only the first two fields.
func okxLevels(rows [][]string) ([]bookutil.PriceLevel, error) {
	out := make([]bookutil.PriceLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			return nil, fmt.Errorf("malformed okx book row: %v", r)
		}
		lvl, err := bookutil.ParsePriceLevel(r[0], r[1])
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}

// gate runs the three guards owed before any snapshot request: the
// per-symbol minimum spacing, the shared token-bucket/ban wait, and the
// extra pause owed from a consecutive-error streak.
func gate(ctx context.Context, limiter *ratelimit.Limiter, symbol string) error {
	if limiter == nil {
		return nil
	}
	if !limiter.AllowSnapshot(symbol) {
		return &Error{Kind: ErrKindRateLimited, Err: fmt.Errorf("snapshot for %s requested within minimum spacing window", symbol)}
	}
	if err := limiter.Wait(ctx); err != nil {
		var banned *ratelimit.BannedError
		if errors.As(err, &banned) {
			return &Error{Kind: ErrKindBanned, Err: err}
		}
		return &Error{Kind: ErrKindNetwork, Err: err}
	}
	if delay := limiter.BackoffDelay(time.Second); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &Error{Kind: ErrKindNetwork, Err: ctx.Err()}
		}
	}
	return nil
}

func doGet(ctx context.Context, client *http.Client, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// handleStatus interprets HTTP 418 (ban, with the unban epoch parsed
// out of the body) and 429 (cooldown) and returns a non-empty kind
// (with *Error) when the caller should stop.
func handleStatus(status int, body []byte, limiter *ratelimit.Limiter) (ErrKind, *Error) {
	switch status {
	case http.StatusTeapot:
		until := parseBanUntil(body)
		if limiter != nil {
			limiter.ReportBan(until)
		}
		return ErrKindBanned, &Error{Kind: ErrKindBanned, Err: fmt.Errorf("banned until %s", until)}
	case http.StatusTooManyRequests:
		if limiter != nil {
			limiter.ReportRateLimited()
		}
		return ErrKindRateLimited, &Error{Kind: ErrKindRateLimited, Err: fmt.Errorf("rate limited: %s", body)}
	case http.StatusOK:
		return "", nil
	default:
		return ErrKindNetwork, &Error{Kind: ErrKindNetwork, Err: fmt.Errorf("unexpected status %d: %s", status, body)}
	}
}

func parseBanUntil(body []byte) time.Time {
	m := banUntilRE.FindSubmatch(body)
	if m == nil {
		return time.Now().Add(time.Minute)
	}
	ms, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return time.Now().Add(time.Minute)
	}
	return time.UnixMilli(ms)
}

func classifyHTTPError(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrKindTimeout, Err: err}
	}
	return &Error{Kind: ErrKindNetwork, Err: err}
}

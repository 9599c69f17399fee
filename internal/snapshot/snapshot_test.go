package snapshot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sequex/marketdata-core/internal/ratelimit"
)

// An HTTP 418 with "banned until <ms>" in the body must classify as
// ErrKindBanned and arm the limiter's ban window.
func TestHandleStatusParsesBanUntil(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{})
	body := []byte(`{"msg":"banned until 4102444800000"}`) // 2100-01-01 UTC

	kind, err := handleStatus(http.StatusTeapot, body, limiter)
	if kind != ErrKindBanned {
		t.Fatalf("kind = %q, want %q", kind, ErrKindBanned)
	}
	if err == nil || err.Kind != ErrKindBanned {
		t.Fatalf("err = %+v, want ErrKindBanned", err)
	}

	banned, until := limiter.IsBanned()
	if !banned {
		t.Fatal("expected limiter to be banned after a 418 response")
	}
	if until.Year() != 2100 {
		t.Fatalf("parsed ban-until year = %d, want 2100", until.Year())
	}
}

func TestHandleStatusRateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{})
	kind, err := handleStatus(http.StatusTooManyRequests, []byte("slow down"), limiter)
	if kind != ErrKindRateLimited || err == nil {
		t.Fatalf("kind = %q err = %v, want ErrKindRateLimited", kind, err)
	}
	banned, _ := limiter.IsBanned()
	if !banned {
		t.Fatal("expected 429 to arm a temporary cooldown window")
	}
}

func TestHandleStatusOKReturnsNoError(t *testing.T) {
	kind, err := handleStatus(http.StatusOK, nil, nil)
	if kind != "" || err != nil {
		t.Fatalf("expected no error for 200, got kind=%q err=%v", kind, err)
	}
}

func TestParseBanUntilFallsBackOnMalformedBody(t *testing.T) {
	until := parseBanUntil([]byte("no timestamp here"))
	if until.Before(time.Now()) {
		t.Fatal("expected a future fallback ban-until on malformed body")
	}
}

func TestClassifyHTTPErrorDetectsTimeout(t *testing.T) {
	err := classifyHTTPError(context.DeadlineExceeded)
	if err.Kind != ErrKindTimeout {
		t.Fatalf("Kind = %q, want %q", err.Kind, ErrKindTimeout)
	}
}

func TestBinanceFetcherParsesDepthResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"]]}`))
	}))
	defer srv.Close()

	f := &binanceFetcher{client: srv.Client(), url: srv.URL, depth: 100}
	result, err := f.Fetch(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.LastUpdateID != 1027024 {
		t.Fatalf("LastUpdateID = %d, want 1027024", result.LastUpdateID)
	}
	if len(result.Bids) != 1 || result.Bids[0].Price.String() != "4.00000000" {
		t.Fatalf("unexpected bids: %+v", result.Bids)
	}
}

func TestBinanceFetcherSurfacesBan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`banned until 4102444800000`))
	}))
	defer srv.Close()

	limiter := ratelimit.New(ratelimit.Config{})
	f := &binanceFetcher{client: srv.Client(), url: srv.URL, depth: 100, limiter: limiter}
	_, err := f.Fetch(context.Background(), "BTCUSDT")

	var snapErr *Error
	if !errors.As(err, &snapErr) || snapErr.Kind != ErrKindBanned {
		t.Fatalf("expected ErrKindBanned, got %v", err)
	}
}

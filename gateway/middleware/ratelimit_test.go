package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"escrow": {RatePerSecond: 1, Burst: 1},
	}, nil)
	var limited []string
	limiter.OnLimit(func(key string) { limited = append(limited, key) })
	handler := limiter.Middleware("escrow")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/1", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if len(limited) != 1 || limited[0] != "escrow" {
		t.Fatalf("unexpected limit hook calls: %v", limited)
	}
}

func TestRateLimiterSeparatesKeys(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"escrow":    {RatePerSecond: 1, Burst: 1},
		"authority": {RatePerSecond: 1, Burst: 1},
	}, nil)
	escrowHandler := limiter.Middleware("escrow")(okHandler())
	authorityHandler := limiter.Middleware("authority")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/transactions", nil)
	res := httptest.NewRecorder()
	escrowHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected escrow request to succeed, got %d", res.Code)
	}

	authReq := httptest.NewRequest(http.MethodPost, "/v1/authorizations", nil)
	authRes := httptest.NewRecorder()
	authorityHandler.ServeHTTP(authRes, authReq)
	if authRes.Code != http.StatusOK {
		t.Fatalf("expected authority request to succeed, got %d", authRes.Code)
	}
}

func TestRateLimiterPrefersCallerOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"escrow": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("escrow")(okHandler())

	for _, caller := range []string{"0x00000000000000000000000000000000000000a1", "0x00000000000000000000000000000000000000b2"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/transactions/1", nil)
		req = req.WithContext(WithCaller(req.Context(), common.HexToAddress(caller)))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected caller %s to succeed, got %d", caller, res.Code)
		}
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"escrow": {RatePerSecond: 1, Burst: 1},
	}, nil)
	now := time.Unix(1_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("escrow")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/1", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected one tracked client, got %d", len(limiter.visitors))
	}

	now = now.Add(10 * time.Minute)
	other := httptest.NewRequest(http.MethodGet, "/v1/transactions/1", nil)
	other.RemoteAddr = "10.0.0.9:1234"
	handler.ServeHTTP(httptest.NewRecorder(), other)
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected idle client to be evicted, got %d entries", len(limiter.visitors))
	}
}

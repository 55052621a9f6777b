package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"serotonyl.ru/points-ledger/internal/auth"
	"serotonyl.ru/points-ledger/internal/cache"
	"serotonyl.ru/points-ledger/internal/common"
)

func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := common.CallerFrom(r.Context())
		if !ok {
			http.Error(w, "no caller", http.StatusTeapot)
			return
		}
		fmt.Fprintf(w, "%d:%v", c.MemberID, c.IsAdmin)
	})
}

func TestAuthenticator(t *testing.T) {
	hash, err := auth.HashKey("admin-key")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h := NewAuthenticator("svc-token", hash).Middleware(callerEcho())

	tests := []struct {
		name    string
		headers map[string]string
		status  int
		body    string
	}{
		{"no token", nil, http.StatusUnauthorized, ""},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, ""},
		{"basic scheme", map[string]string{"Authorization": "Basic svc-token"}, http.StatusUnauthorized, ""},
		{"service only", map[string]string{"Authorization": "Bearer svc-token"}, http.StatusOK, "0:false"},
		{"member", map[string]string{"Authorization": "Bearer svc-token", HeaderMemberID: "42"}, http.StatusOK, "42:false"},
		{"bad member", map[string]string{"Authorization": "Bearer svc-token", HeaderMemberID: "x"}, http.StatusBadRequest, ""},
		{"admin", map[string]string{"Authorization": "Bearer svc-token", HeaderMemberID: "7", HeaderAdminKey: "admin-key"}, http.StatusOK, "7:true"},
		{"wrong admin key", map[string]string{"Authorization": "Bearer svc-token", HeaderAdminKey: "guess"}, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("expected body %q, got %q", tt.body, rec.Body.String())
			}
		})
	}
}

func TestAuthenticatorWithoutAdminHash(t *testing.T) {
	h := NewAuthenticator("svc-token", "").Middleware(callerEcho())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer svc-token")
	req.Header.Set(HeaderAdminKey, "anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("admin key must be rejected when no hash configured, got %d", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	now := time.Now()
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("first two requests must pass")
	}
	if rl.Allow("a") {
		t.Fatalf("third request must be limited")
	}
	if !rl.Allow("b") {
		t.Fatalf("other key must not be affected")
	}

	now = now.Add(time.Minute + time.Second)
	if !rl.Allow("a") {
		t.Fatalf("window must slide")
	}
}

func TestRateLimiterMiddlewareKeysByMember(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Close()
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(member int64) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(common.WithCaller(req.Context(), common.Caller{MemberID: member}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if do(1) != http.StatusOK || do(2) != http.StatusOK {
		t.Fatalf("first request per member must pass")
	}
	if code := do(1); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("panic details must not leak: %s", rec.Body.String())
	}
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
}

func idempotentRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/purchase", strings.NewReader(body))
	req.Header.Set(HeaderIdempotencyKey, key)
	return req.WithContext(common.WithCaller(req.Context(), common.Caller{MemberID: 1}))
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	var calls int32
	h := NewIdempotency(cache.NewInMemoryCache(), time.Hour).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&calls, 1)
			common.WriteData(w, http.StatusCreated, map[string]int32{"call": n})
		}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, idempotentRequest("k1", "{}"))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, idempotentRequest("k1", "{}"))

	if calls != 1 {
		t.Fatalf("handler must run once, ran %d times", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %q vs %q", second.Code, second.Body.String(), first.Body.String())
	}
	if second.Header().Get(HeaderReplayed) != "true" || first.Header().Get(HeaderReplayed) != "" {
		t.Fatalf("replay header must be set only on replay")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("content type not replayed")
	}

	third := httptest.NewRecorder()
	h.ServeHTTP(third, idempotentRequest("k2", "{}"))
	if calls != 2 {
		t.Fatalf("different key must run handler")
	}
}

func TestIdempotencyScopesKeyByMember(t *testing.T) {
	var calls int32
	h := NewIdempotency(cache.NewInMemoryCache(), time.Hour).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
		}))

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("same", "{}"))
	req := httptest.NewRequest(http.MethodPost, "/purchase", nil)
	req.Header.Set(HeaderIdempotencyKey, "same")
	req = req.WithContext(common.WithCaller(req.Context(), common.Caller{MemberID: 2}))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if calls != 2 {
		t.Fatalf("keys of different members must not collide, calls=%d", calls)
	}
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	var calls int32
	h := NewIdempotency(cache.NewInMemoryCache(), time.Hour).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				common.WriteError(w, common.ErrGatewayUnavailable)
				return
			}
			common.WriteData(w, http.StatusCreated, "ok")
		}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, idempotentRequest("k", "{}"))
	if first.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	h.ServeHTTP(second, idempotentRequest("k", "{}"))
	if second.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("5xx must be retryable: code=%d calls=%d", second.Code, calls)
	}
}

func TestIdempotencyDoesNotStorePendingPayment(t *testing.T) {
	var calls int32
	h := NewIdempotency(cache.NewInMemoryCache(), time.Hour).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				common.WriteError(w, common.ErrPaymentPending)
				return
			}
			common.WriteData(w, http.StatusOK, "settled")
		}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, idempotentRequest("verify-1", `{"reference":"PTS-1"}`))
	if first.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, idempotentRequest("verify-1", `{"reference":"PTS-1"}`))
	if second.Code != http.StatusOK || calls != 2 {
		t.Fatalf("pending payment must not be replayed: code=%d calls=%d", second.Code, calls)
	}
	if second.Header().Get(HeaderReplayed) != "" {
		t.Fatalf("second response must come from the handler")
	}

	third := httptest.NewRecorder()
	h.ServeHTTP(third, idempotentRequest("verify-1", `{"reference":"PTS-1"}`))
	if calls != 2 || third.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("final response must be replayed: calls=%d", calls)
	}
}

func TestIdempotencyStoresFinalClientErrors(t *testing.T) {
	var calls int32
	h := NewIdempotency(cache.NewInMemoryCache(), time.Hour).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			common.WriteError(w, common.ErrInsufficientBalance)
		}))

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("t-1", "{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, idempotentRequest("t-1", "{}"))
	if calls != 1 || rec.Code != http.StatusConflict || rec.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("final 409 must be replayed: calls=%d code=%d", calls, rec.Code)
	}
}

func TestIdempotencyConcurrentDuplicate(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := NewIdempotency(cache.NewInMemoryCache(), time.Hour).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(started)
			<-release
			common.WriteData(w, http.StatusOK, "done")
		}))

	var wg sync.WaitGroup
	first := httptest.NewRecorder()
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ServeHTTP(first, idempotentRequest("k", "{}"))
	}()
	<-started

	dup := httptest.NewRecorder()
	h.ServeHTTP(dup, idempotentRequest("k", "{}"))
	close(release)
	wg.Wait()

	if dup.Code != http.StatusConflict {
		t.Fatalf("expected 409 for in-flight duplicate, got %d", dup.Code)
	}
	if first.Code != http.StatusOK {
		t.Fatalf("original request must complete, got %d", first.Code)
	}
}

func TestIdempotencyIgnoresGetAndMissingKey(t *testing.T) {
	var calls int32
	h := NewIdempotency(cache.NewInMemoryCache(), time.Hour).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
		}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/balance/1", nil)
		req.Header.Set(HeaderIdempotencyKey, "k")
		h.ServeHTTP(httptest.NewRecorder(), req)
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/transfer", nil))
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}

	long := httptest.NewRecorder()
	h.ServeHTTP(long, idempotentRequest(strings.Repeat("x", 300), "{}"))
	if long.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized key, got %d", long.Code)
	}
}

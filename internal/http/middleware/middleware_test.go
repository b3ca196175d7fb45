package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-rental-chat/internal/auth"
)

const testSecret = "middleware-secret-0123456789"

func init() { gin.SetMode(gin.TestMode) }

func do(r http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return m
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(requestIDKey)) })

	w := do(r, http.MethodGet, "/x", nil)
	if rid := w.Header().Get(requestIDHeader); rid == "" || rid != w.Body.String() {
		t.Fatalf("generated id mismatch: header=%q body=%q", rid, w.Body.String())
	}

	w = do(r, http.MethodGet, "/x", map[string]string{requestIDHeader: "abc-123"})
	if w.Header().Get(requestIDHeader) != "abc-123" {
		t.Fatalf("incoming id not reused")
	}

	w = do(r, http.MethodGet, "/x", map[string]string{requestIDHeader: strings.Repeat("x", 500)})
	if len(w.Header().Get(requestIDHeader)) > maxRequestIDLen {
		t.Fatalf("oversized id accepted")
	}
}

func TestRecovery_JSON500WithRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := do(r, http.MethodGet, "/boom", map[string]string{requestIDHeader: "rid-1"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["code"] != "internal_error" || body["request_id"] != "rid-1" {
		t.Fatalf("body = %v", body)
	}
}

func TestAuth(t *testing.T) {
	v := auth.NewVerifier(testSecret, "rentchat")
	r := gin.New()
	r.Use(RequestID(), Auth(v))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c), "role": Role(c)})
	})

	w := do(r, http.MethodGet, "/me", nil)
	if w.Code != http.StatusUnauthorized || decode(t, w)["code"] != "unauthorized" {
		t.Fatalf("missing token: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("missing WWW-Authenticate")
	}

	expired, _ := v.Issue("u1", "student", -time.Minute)
	w = do(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + expired})
	if w.Code != http.StatusUnauthorized || decode(t, w)["code"] != "token_expired" {
		t.Fatalf("expired token: %d %s", w.Code, w.Body.String())
	}

	tok, _ := v.Issue("u1", "landlord", time.Hour)
	w = do(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + tok})
	body := decode(t, w)
	if w.Code != http.StatusOK || body["user"] != "u1" || body["role"] != "landlord" {
		t.Fatalf("valid token: %d %v", w.Code, body)
	}

	w = do(r, http.MethodGet, "/me?token="+tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query token: %d", w.Code)
	}
}

func TestAccessLog_RedactsAndEnriches(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	v := auth.NewVerifier(testSecret, "")
	tok, _ := v.Issue("u42", "student", time.Hour)

	r := gin.New()
	r.Use(RequestID(), AccessLog(base, RedactOptions{MaskHeaders: []string{"X-Api-Key"}, SkipPaths: []string{"/health"}}), Auth(v))
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/items/1?token="+tok+"&email=jane@example.com", nil)
	req.Header.Set("X-Api-Key", "super-secret")
	req.Header.Set("X-Trace", "call 212-555-1212")
	r.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, leaked := range []string{tok, "super-secret", "jane@example.com", "212-555-1212"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("log leaked %q: %s", leaked, out)
		}
	}
	for _, want := range []string{`"user_id":"u42"`, `"path":"/items/:id"`, `"status":204`, "http_request"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s: %s", want, out)
		}
	}
}

func TestAccessLog_SkipsQuietPaths(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(AccessLog(zerolog.New(&buf), RedactOptions{SkipPaths: []string{"/health"}}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	do(r, http.MethodGet, "/health", nil)
	if buf.Len() != 0 {
		t.Fatalf("health check logged: %s", buf.String())
	}
}

func TestMaskQuery(t *testing.T) {
	params := lowerSet([]string{"token"}, nil)
	got := maskQuery("token=abc&q=hello", params)
	if strings.Contains(got, "abc") || !strings.Contains(got, "q=hello") {
		t.Fatalf("maskQuery = %q", got)
	}
	if maskQuery("", params) != "" {
		t.Fatalf("empty query should stay empty")
	}
	if got := maskQuery("%zz=jane@example.com", params); strings.Contains(got, "jane@") {
		t.Fatalf("unparsable query not scrubbed: %q", got)
	}
}

func TestEdgeLimiter(t *testing.T) {
	lim := NewEdgeLimiter(1, 2, KeyByUserOrIP())
	now := time.Unix(1_700_000_000, 0)
	lim.now = func() time.Time { return now }

	r := gin.New()
	r.Use(lim.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		if w := do(r, http.MethodGet, "/x", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, w.Code)
		}
	}
	w := do(r, http.MethodGet, "/x", nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("over limit: %d retry=%q", w.Code, w.Header().Get("Retry-After"))
	}

	now = now.Add(time.Second)
	if w := do(r, http.MethodGet, "/x", nil); w.Code != http.StatusOK {
		t.Fatalf("after refill: %d", w.Code)
	}
}

func TestEdgeLimiter_BypassAndKeys(t *testing.T) {
	lim := NewEdgeLimiter(0.0001, 1, KeyByUserOrIP())
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Replay") != "" {
			c.Set(ctxKeyRateBypass, true)
		}
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(ctxKeyUserID, u)
		}
		c.Next()
	}, lim.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do(r, http.MethodGet, "/x", map[string]string{"X-Test-User": "a"})
	if w := do(r, http.MethodGet, "/x", map[string]string{"X-Test-User": "a"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("user a second request: %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/x", map[string]string{"X-Test-User": "b"}); w.Code != http.StatusOK {
		t.Fatalf("user b has own bucket: %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/x", map[string]string{"X-Test-User": "a", "X-Replay": "1"}); w.Code != http.StatusOK {
		t.Fatalf("replay must bypass: %d", w.Code)
	}
}

func TestEdgeLimiter_EvictsIdleBuckets(t *testing.T) {
	lim := NewEdgeLimiter(1, 1, KeyByUserOrIP())
	now := time.Unix(0, 0)
	lim.now = func() time.Time { return now }

	lim.limiter("stale")
	now = now.Add(lim.idle)
	for i := 0; i < edgeSweepEvery; i++ {
		lim.limiter("fresh")
	}
	lim.mu.Lock()
	_, ok := lim.buckets["stale"]
	lim.mu.Unlock()
	if ok {
		t.Fatalf("idle bucket not evicted")
	}
}

func TestIdempotency(t *testing.T) {
	var calls int
	lookup := func(_ context.Context, userID, convID, key string, now time.Time) (bool, error) {
		calls++
		if userID != "u1" || convID != "c1" || now.IsZero() {
			t.Fatalf("lookup args: %q %q %v", userID, convID, now)
		}
		return key == "seen", nil
	}
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(ctxKeyUserID, "u1"); c.Next() })
	r.POST("/conversations/:id/messages", Idempotency(IdempotencyOptions{MaxLen: 16}, lookup), func(c *gin.Context) {
		key, _ := GetIdempotencyKey(c)
		c.JSON(http.StatusOK, gin.H{"key": key, "replay": IsReplay(c), "bypass": IsRateBypass(c)})
	})

	w := do(r, http.MethodPost, "/conversations/c1/messages", nil)
	if body := decode(t, w); body["key"] != "" || body["replay"] != false || calls != 0 {
		t.Fatalf("no header: %v calls=%d", body, calls)
	}

	w = do(r, http.MethodPost, "/conversations/c1/messages", map[string]string{HeaderIdempotencyKey: "bad key!"})
	if w.Code != http.StatusBadRequest || decode(t, w)["code"] != "bad_idempotency_key" {
		t.Fatalf("invalid key: %d", w.Code)
	}
	w = do(r, http.MethodPost, "/conversations/c1/messages", map[string]string{HeaderIdempotencyKey: strings.Repeat("k", 17)})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("long key: %d", w.Code)
	}

	w = do(r, http.MethodPost, "/conversations/c1/messages", map[string]string{HeaderIdempotencyKey: "fresh"})
	if body := decode(t, w); body["key"] != "fresh" || body["replay"] != false {
		t.Fatalf("fresh key: %v", body)
	}
	w = do(r, http.MethodPost, "/conversations/c1/messages", map[string]string{HeaderIdempotencyKey: "seen"})
	if body := decode(t, w); body["replay"] != true || body["bypass"] != true {
		t.Fatalf("seen key: %v", body)
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), SecurityHeaders(SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour, NoStore: true}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := do(r, http.MethodGet, "/x", nil)
	h := w.Header()
	if h.Get("X-Content-Type-Options") != "nosniff" || h.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("baseline headers missing: %v", h)
	}
	if h.Get("Cache-Control") != "private, no-store" {
		t.Fatalf("cache control: %q", h.Get("Cache-Control"))
	}
	if h.Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS on plain HTTP")
	}
	if !strings.Contains(h.Get("Access-Control-Expose-Headers"), requestIDHeader) {
		t.Fatalf("request id not exposed")
	}

	w = do(r, http.MethodGet, "/x", map[string]string{"X-Forwarded-Proto": "https"})
	if w.Header().Get("Strict-Transport-Security") != "max-age=3600; includeSubDomains" {
		t.Fatalf("HSTS: %q", w.Header().Get("Strict-Transport-Security"))
	}
}

func TestMetrics_CountsByRoute(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := counterValue(t, "GET", "/items/:id", "200")
	do(r, http.MethodGet, "/items/1", nil)
	do(r, http.MethodGet, "/items/2", nil)
	if got := counterValue(t, "GET", "/items/:id", "200") - before; got != 2 {
		t.Fatalf("route counter delta = %v", got)
	}

	beforeMiss := counterValue(t, "GET", "unmatched", "404")
	do(r, http.MethodGet, "/nope", nil)
	if got := counterValue(t, "GET", "unmatched", "404") - beforeMiss; got != 1 {
		t.Fatalf("unmatched counter delta = %v", got)
	}
}

func counterValue(t *testing.T, method, route, status string) float64 {
	t.Helper()
	return testutil.ToFloat64(httpReqs.WithLabelValues(method, route, status))
}

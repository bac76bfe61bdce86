package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/internal/auth"
	"github.com/taskhub/internal/model"
)

type recorder struct{ seen []model.Identity }

func (r *recorder) RecordIdentity(_ context.Context, id model.Identity) error {
	r.seen = append(r.seen, id)
	return nil
}

func echoIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := GetIdentity(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	_, _ = w.Write([]byte(id.ID + "/" + id.Username))
}

func TestBearerAuth(t *testing.T) {
	tokens := auth.New("secret")
	tok, err := tokens.GenerateToken(model.Identity{ID: "u1", Username: "alice"})
	require.NoError(t, err)
	rec := &recorder{}
	h := BearerAuth(tokens, rec)(http.HandlerFunc(echoIdentity))

	req := httptest.NewRequest(http.MethodGet, "/chat/channels", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1/alice", w.Body.String())
	assert.Equal(t, []model.Identity{{ID: "u1", Username: "alice"}}, rec.seen)

	// токен в query для WebSocket
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	for name, header := range map[string]string{
		"missing": "",
		"garbage": "Bearer nope",
		"scheme":  "Basic " + tok,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/chat/channels", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, `{"error":"unauthorized","code":"unauthorized"}`, w.Body.String())
		})
	}
}

func TestInternalOnly(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := InternalOnly("s3cret")(ok)

	req := httptest.NewRequest(http.MethodPost, "/internal/chat/system", nil)
	req.RemoteAddr = "203.0.113.5:4000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req.Header.Set("X-Internal-Secret", "s3cret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/internal/chat/system", nil)
	req.RemoteAddr = "10.0.0.7:4000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimitPerUser(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimit(0, 2)(ok)

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/chat/channels", nil)
		req = req.WithContext(WithIdentity(req.Context(), model.Identity{ID: user}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, call("u1"))
	assert.Equal(t, http.StatusOK, call("u1"))
	assert.Equal(t, http.StatusTooManyRequests, call("u1"))
	assert.Equal(t, http.StatusOK, call("u2"))
}

func TestRateLimitRetryAfterAndSweep(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimit(2, 0)(ok)

	var w *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/chat/channels", nil)
		req.RemoteAddr = "10.0.0.9:5000"
		w = httptest.NewRecorder()
		h.ServeHTTP(w, req)
	}
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	// 2 в минуту — следующий токен через 30 секунд
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"too many requests","code":"rate_limited"}`, w.Body.String())

	rl := newRateLimiter(2, time.Minute)
	allowed, _ := rl.allow("idle")
	require.True(t, allowed)
	allowed, _ = rl.allow("busy")
	require.True(t, allowed)
	rl.limiters["idle"].seen = time.Now().Add(-2 * time.Minute)
	rl.sweep()
	assert.Len(t, rl.limiters, 1)
	_, kept := rl.limiters["busy"]
	assert.True(t, kept)
}

func TestRecoverJSONAndHeaders(t *testing.T) {
	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := SecureHeaders(RecoverJSON(boom))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error","code":"internal"}`, w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", MaskToken("short"))
	assert.Equal(t, "eyJhbGci***", MaskToken("eyJhbGciOiJIUzI1NiJ9.payload.sig"))
}

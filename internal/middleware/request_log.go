package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/metrics"
)

// RequestLog пишет structured-лог и метрики каждого запроса. Correlation id запроса —
// request id из chimw.RequestID, он же попадает в логи сервисного слоя.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := chimw.GetReqID(r.Context())
		ctx := r.Context()
		if reqID != "" {
			ctx = logger.WithCorrelationID(ctx, reqID)
		}
		wrap := wrapWriter(w)
		next.ServeHTTP(wrap, r.WithContext(ctx))

		route := routePattern(r)
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrap.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		ev := logger.Ctx(ctx).Info()
		if wrap.status >= http.StatusInternalServerError {
			ev = logger.Ctx(ctx).Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrap.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("http request")
	})
}

// routePattern — шаблон маршрута chi вместо пути, чтобы id не раздували метрики.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// InternalOnly разрешает запрос только с приватных IP или при заголовке X-Internal-Secret == secret.
// Через него соседние сервисы (задачи, посещаемость) пишут в служебные каналы.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-Secret")), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			ipStr := r.Header.Get("X-Real-Ip")
			if ipStr == "" {
				ipStr = r.Header.Get("X-Forwarded-For")
				if idx := strings.Index(ipStr, ","); idx > 0 {
					ipStr = strings.TrimSpace(ipStr[:idx])
				}
			}
			if ipStr == "" {
				ipStr, _, _ = net.SplitHostPort(r.RemoteAddr)
				if ipStr == "" {
					ipStr = r.RemoteAddr
				}
			}
			if ipStr != "" && isPrivateIP(ipStr) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden","code":"forbidden"}`))
		})
	}
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"OpenLP-Agent/pkg/logger"
)

// requireToken 在配置了访问令牌时校验 Authorization: Bearer 头，拒绝记录写入审计日志。
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) != 1 {
				logger.Audit().Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("remote", r.RemoteAddr))
				writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "missing or invalid token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

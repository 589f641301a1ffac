package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"provision_monitor/internal/config"
)

// 面板接口只有 GET/POST，也没有鉴权头。
const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type"
)

func corsMiddleware(cfg config.CorsConfig, next http.Handler) http.Handler {
	maxAge := strconv.Itoa(cfg.MaxAge())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")

		if allowed := matchOrigin(cfg.AllowOrigins, origin); allowed != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			// 通配符与 credentials 不能同时出现
			if cfg.AllowCredentials && allowed != "*" {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", maxAge)
			}
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func matchOrigin(allowed []string, origin string) string {
	if origin == "" {
		return ""
	}
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if strings.EqualFold(strings.TrimRight(o, "/"), origin) {
			return origin
		}
	}
	return ""
}

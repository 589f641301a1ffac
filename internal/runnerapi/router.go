package runnerapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"provision_monitor/internal/engine"
	"provision_monitor/internal/logbus"
)

// Router 暴露模拟任务执行器的 HTTP 接口，协议与真实执行器一致：
// /api/status /api/accounts /api/start /api/stop /video_feed。
type Router struct {
	*mux.Router
	engine *engine.Engine
	bus    *logbus.Bus

	frameInterval time.Duration
}

type Options struct {
	Engine *engine.Engine
	Bus    *logbus.Bus
	// FrameInterval 是 /video_feed 推送帧的间隔，默认 200ms。
	FrameInterval time.Duration
}

func NewRouter(opts Options) *Router {
	interval := opts.FrameInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	rt := &Router{
		Router:        mux.NewRouter(),
		engine:        opts.Engine,
		bus:           opts.Bus,
		frameInterval: interval,
	}

	rt.HandleFunc("/health", rt.handleHealth).Methods(http.MethodGet)
	rt.HandleFunc("/video_feed", rt.handleVideoFeed).Methods(http.MethodGet)

	api := rt.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", rt.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/accounts", rt.handleAccounts).Methods(http.MethodGet)
	api.HandleFunc("/start", rt.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/stop", rt.handleStop).Methods(http.MethodPost)

	rt.Use(rt.recovery)
	rt.Use(rt.logging)
	return rt
}

func (rt *Router) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				rt.bus.Log(logbus.LevelError, "handler panic", map[string]any{"path": r.URL.Path, "panic": v})
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		rt.bus.Log(logbus.LevelDebug, "runner api", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"cost":   time.Since(start).String(),
		})
	})
}

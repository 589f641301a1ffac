package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"provision_monitor/internal/config"
	"provision_monitor/internal/logbus"
	"provision_monitor/internal/monitor"
	"provision_monitor/internal/ws"
)

// FeedOpener 打开任务执行器的实时画面流。
type FeedOpener interface {
	OpenFeed(ctx context.Context) (io.ReadCloser, string, error)
}

type Options struct {
	Cfg     config.Config
	Bus     *logbus.Bus
	Monitor *monitor.Monitor
	Feed    FeedOpener
}

type Server struct {
	cfg     config.Config
	bus     *logbus.Bus
	monitor *monitor.Monitor
	feed    FeedOpener
	ws      *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:     opts.Cfg,
		bus:     opts.Bus,
		monitor: opts.Monitor,
		feed:    opts.Feed,
		ws:      ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)
	mux.HandleFunc(s.feedPath(), s.handleVideoFeed)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/state", s.handleState)
	api.HandleFunc("/api/v1/logs/clear", s.handleClearLogs)
	api.HandleFunc("/api/v1/feed/detach", s.handleDetachFeed)
	api.HandleFunc("/api/v1/accounts", s.handleAccounts)
	api.HandleFunc("/api/v1/accounts/refresh", s.handleAccountsRefresh)
	api.HandleFunc("/api/v1/task/start", s.handleTaskStart)
	api.HandleFunc("/api/v1/task/stop", s.handleTaskStop)
	api.HandleFunc("/api/v1/diagnostics", s.handleDiagnostics)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) feedPath() string {
	if p := strings.TrimSpace(s.cfg.Runner.FeedPath); p != "" {
		return p
	}
	return "/video_feed"
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.monitor.State()})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.monitor.ClearLogs()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDetachFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.monitor.DetachFeed()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAccounts 只读缓存，不触发拉取。
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.monitor.Accounts(r.URL.Query().Get("q"))})
}

// handleAccountsRefresh 拉取失败时仍返回 200，错误放在 data.error 里内联展示。
func (s *Server) handleAccountsRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view := s.monitor.RefreshAccounts(r.Context(), r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, map[string]any{"data": view})
}

type taskStartPayload struct {
	Count any `json:"count"`
}

// startCount 接受数字或字符串，取前导整数；取不到或小于 1 时按 1 处理。
func startCount(v any) int {
	n := 0
	switch c := v.(type) {
	case float64:
		n = int(c)
	case string:
		n = leadingInt(strings.TrimSpace(c))
	}
	if n < 1 {
		return 1
	}
	return n
}

func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body taskStartPayload
	if err := readJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.monitor.StartTask(ctx, startCount(body.Count)); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleTaskStop 不等待执行器的结果。
func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.monitor.StopTask(ctx)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.bus.Logs()})
}

// handleVideoFeed 把执行器的画面流原样转发给浏览器。
func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, contentType, err := s.feed.OpenFeed(r.Context())
	if err != nil {
		s.bus.Log(logbus.LevelWarn, "open video feed failed", map[string]any{"error": err.Error()})
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer body.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

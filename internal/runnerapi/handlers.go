package runnerapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"provision_monitor/internal/engine"
	"provision_monitor/internal/logbus"
	"provision_monitor/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const frameBoundary = "frame"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": rt.engine.IsRunning()})
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	idx := 0
	if v := strings.TrimSpace(r.URL.Query().Get("log_index")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid log_index", http.StatusBadRequest)
			return
		}
		idx = n
	}
	writeJSON(w, http.StatusOK, rt.engine.Status(r.Context(), idx))
}

func (rt *Router) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := rt.engine.Accounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// handleStart 的错误以纯文本返回，客户端会原样展示。
func (rt *Router) handleStart(w http.ResponseWriter, r *http.Request) {
	var body model.StartRequest
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &body); err != nil {
			http.Error(w, "请求格式错误: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if body.Count == 0 {
		body.Count = 1
	}

	if err := rt.engine.Start(r.Context(), body.Count); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrAlreadyRunning):
			status = http.StatusConflict
		case errors.Is(err, engine.ErrInvalidCount):
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "count": body.Count})
}

func (rt *Router) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := rt.engine.Stop(); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopping"})
}

// handleVideoFeed 以 multipart/x-mixed-replace 持续推送 JPEG 帧，直到客户端断开。
func (rt *Router) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+frameBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(rt.frameInterval)
	defer ticker.Stop()
	for {
		if err := rt.writeFrame(w); err != nil {
			rt.bus.Log(logbus.LevelDebug, "video feed closed", map[string]any{"error": err.Error()})
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (rt *Router) writeFrame(w io.Writer) error {
	frame, err := engine.RenderFrame(rt.engine.Progress())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", frameBoundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\r\n")
	return err
}

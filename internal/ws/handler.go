package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"provision_monitor/internal/logbus"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// Handler 先回放总线快照（最新状态、账号视图、诊断日志），再持续推送新消息。
// 可以用 ?topics=state,accounts 只订阅部分主题。
type Handler struct {
	bus          *logbus.Bus
	allowOrigins []string
	upgrader     websocket.Upgrader
}

func NewHandler(bus *logbus.Bus, allowOrigins []string) *Handler {
	h := &Handler{
		bus:          bus,
		allowOrigins: allowOrigins,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wanted := parseTopics(r.URL.Query().Get("topics"))

	// 先订阅再回放，避免两者之间的消息丢失
	ch, cancel := h.bus.Subscribe(256)
	defer cancel()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	for _, msg := range h.bus.Snapshot() {
		if !wanted.match(msg.Type) {
			continue
		}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !wanted.match(msg.Type) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

type topicSet map[string]struct{}

func parseTopics(raw string) topicSet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	set := topicSet{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

func (s topicSet) match(topic string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[topic]
	return ok
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

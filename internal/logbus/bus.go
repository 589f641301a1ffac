package logbus

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	TopicLog      = "log"
	TopicState    = "state"
	TopicAccounts = "accounts"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

type Message struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Bus 保存最近的诊断日志（环形缓冲），以及 state/accounts 等主题的最新一条消息。
type Bus struct {
	mu     sync.RWMutex
	buf    []Message
	cap    int
	latest map[string]Message
	subs   map[chan Message]struct{}
	closed bool

	out      *log.Logger
	minLevel int
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 200
	}
	return &Bus{
		cap:    capacity,
		buf:    make([]Message, 0, capacity),
		latest: make(map[string]Message),
		subs:   make(map[chan Message]struct{}),
	}
}

// SetOutput 把日志同时写到 w；低于 minLevel 的日志只进缓冲不输出。
func (b *Bus) SetOutput(w io.Writer, minLevel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w == nil {
		b.out = nil
		return
	}
	b.out = log.New(w, "", log.LstdFlags)
	b.minLevel = levelRank(minLevel)
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.buf = nil
	b.latest = nil
}

// Snapshot 返回各主题最新消息（按类型排序）加上缓冲的日志，用于新订阅者回放。
func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics := make([]string, 0, len(b.latest))
	for t := range b.latest {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	out := make([]Message, 0, len(topics)+len(b.buf))
	for _, t := range topics {
		out = append(out, b.latest[t])
	}
	out = append(out, b.buf...)
	return out
}

func (b *Bus) Logs() []LogData {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]LogData, 0, len(b.buf))
	for _, m := range b.buf {
		if d, ok := m.Data.(LogData); ok {
			out = append(out, d)
		}
	}
	return out
}

func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if b.subs != nil {
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(typ string, data any) {
	msg := Message{
		Type: typ,
		Time: time.Now().UnixMilli(),
		Data: data,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if typ == TopicLog {
		if len(b.buf) < b.cap {
			b.buf = append(b.buf, msg)
		} else {
			copy(b.buf, b.buf[1:])
			b.buf[b.cap-1] = msg
		}
	} else {
		b.latest[typ] = msg
	}
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Bus) Log(level, message string, fields map[string]any) {
	if b == nil {
		return
	}
	b.Publish(TopicLog, LogData{Level: level, Msg: message, Fields: fields})

	b.mu.RLock()
	out, minLevel := b.out, b.minLevel
	b.mu.RUnlock()
	if out != nil && levelRank(level) >= minLevel {
		out.Print(formatLine(level, message, fields))
	}
}

func levelRank(level string) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

func formatLine(level, message string, fields map[string]any) string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(level))
	sb.WriteByte(' ')
	sb.WriteString(message)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, fields[k])
	}
	return sb.String()
}

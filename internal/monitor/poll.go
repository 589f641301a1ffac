package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"provision_monitor/internal/logbus"
)

// PollLoop 按固定间隔触发 pass：启动时立即执行一次，之后每个 tick 异步执行，
// 上一次请求慢或失败都不会推迟下一次 tick。是否跳过重叠的 pass 由 pass 自己决定。
type PollLoop struct {
	interval time.Duration
	pass     func(context.Context) error
	bus      *logbus.Bus

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewPollLoop(interval time.Duration, pass func(context.Context) error, bus *logbus.Bus) *PollLoop {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollLoop{
		interval: interval,
		pass:     pass,
		bus:      bus,
		stop:     make(chan struct{}),
	}
}

// Run 阻塞直到 ctx 结束或调用 Stop。
func (l *PollLoop) Run(ctx context.Context) error {
	select {
	case <-l.stop:
		return nil
	default:
	}

	l.fire(ctx)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-ticker.C:
			l.fire(ctx)
		}
	}
}

// Stop 取消之后的 tick；已经发出的请求不会被取消。
func (l *PollLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Wait 等待所有已发出的 pass 结束。
func (l *PollLoop) Wait() {
	l.wg.Wait()
}

func (l *PollLoop) fire(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := l.pass(ctx)
		switch {
		case err == nil, errors.Is(err, ErrStopped):
		case errors.Is(err, ErrPassInFlight):
			l.bus.Log(logbus.LevelDebug, "poll tick skipped, previous pass in flight", nil)
		case ctx.Err() != nil:
		default:
			l.bus.Log(logbus.LevelWarn, "status poll failed", map[string]any{"error": err.Error()})
		}
	}()
}

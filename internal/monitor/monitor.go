package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"provision_monitor/internal/logbus"
	"provision_monitor/internal/model"
)

var (
	ErrPassInFlight = errors.New("monitor: previous pass still in flight")
	ErrStopped      = errors.New("monitor: stopped")
)

type StatusSource interface {
	FetchStatus(ctx context.Context, cursor int) (model.StatusSnapshot, error)
}

type Commander interface {
	StartTask(ctx context.Context, count int) error
	StopTask(ctx context.Context) error
}

type RunNotifier interface {
	NotifyRunFinished(ctx context.Context, evt model.RunFinishedEvent)
}

type Options struct {
	Status   StatusSource
	Accounts AccountSource
	Commands Commander
	Bus      *logbus.Bus
	Notifier RunNotifier

	FeedURL     string
	FeedPath    string
	Interval    time.Duration
	MaxLogLines int

	Now func() time.Time
}

// Monitor 持有同步核心的全部可变状态：游标、日志缓冲、运行状态、指标、画面绑定。
// 一次 pass 的网络请求在锁外进行，应用快照时持有 mu；busy 保证同一时间只有一个 pass 写入。
type Monitor struct {
	status   StatusSource
	commands Commander
	bus      *logbus.Bus
	notifier RunNotifier
	now      func() time.Time

	dir  *AccountDirectory
	loop *PollLoop

	busy   atomic.Bool
	halted atomic.Bool

	mu         sync.Mutex
	tailer     *LogTailer
	runState   model.RunState
	metrics    model.Metrics
	feed       model.FeedState
	feedCtl    *FeedController
	lastUpdate time.Time
}

func New(opts Options) *Monitor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Monitor{
		status:   opts.Status,
		commands: opts.Commands,
		bus:      opts.Bus,
		notifier: opts.Notifier,
		now:      now,
		dir:      NewAccountDirectory(opts.Accounts),
		tailer:   NewLogTailer(opts.MaxLogLines),
	}
	m.feedCtl = NewFeedController(stateBinding{st: &m.feed}, opts.FeedURL, opts.FeedPath)
	m.loop = NewPollLoop(opts.Interval, m.Pass, opts.Bus)
	return m
}

// Run 启动轮询，阻塞到 ctx 结束或 Stop。
func (m *Monitor) Run(ctx context.Context) error {
	if m.halted.Load() {
		return nil
	}
	m.bus.Log(logbus.LevelInfo, "status polling started", nil)
	return m.loop.Run(ctx)
}

// Stop 停止之后的轮询；仍在途中的响应到达后会被丢弃。
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.halted.Store(true)
	m.mu.Unlock()
	m.loop.Stop()
	m.bus.Log(logbus.LevelInfo, "status polling stopped", nil)
}

// Wait 等待在途的 pass 结束，用于退出前和测试。
func (m *Monitor) Wait() {
	m.loop.Wait()
}

// Pass 执行一次完整的同步：拉取快照 -> 追加日志 -> 更新状态 -> 画面绑定。
// 拉取失败时不修改任何状态。
func (m *Monitor) Pass(ctx context.Context) error {
	if m.halted.Load() {
		return ErrStopped
	}
	if !m.busy.CompareAndSwap(false, true) {
		return ErrPassInFlight
	}
	defer m.busy.Store(false)

	m.mu.Lock()
	cursor := m.tailer.Cursor()
	m.mu.Unlock()

	snap, err := m.status.FetchStatus(ctx, cursor)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.halted.Load() {
		m.mu.Unlock()
		return ErrStopped
	}
	prev := m.runState
	m.tailer.Absorb(snap)
	m.runState, m.metrics = Reconcile(snap)
	if m.feedCtl.OnRunStateChange(m.runState) {
		m.bus.Log(logbus.LevelDebug, "live feed bound", map[string]any{"source": m.feed.Source})
	}
	m.lastUpdate = m.now()
	state := m.stateLocked()
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(logbus.TopicState, state)
	}
	if prev == model.RunStateRunning && state.RunState == model.RunStateIdle {
		m.bus.Log(logbus.LevelInfo, "task finished", map[string]any{
			"success": state.Metrics.Success,
			"fail":    state.Metrics.Fail,
		})
		if m.notifier != nil {
			m.notifier.NotifyRunFinished(ctx, model.RunFinishedEvent{At: state.LastUpdate, Metrics: state.Metrics})
		}
	}
	return nil
}

func (m *Monitor) State() model.UiState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Monitor) stateLocked() model.UiState {
	return model.UiState{
		RunState:   m.runState,
		Metrics:    m.metrics,
		Logs:       m.tailer.Lines(),
		Cursor:     m.tailer.Cursor(),
		Feed:       m.feed,
		LastUpdate: m.lastUpdate,
	}
}

// ClearLogs 只清空界面上的日志，游标保持不变。
func (m *Monitor) ClearLogs() {
	m.mu.Lock()
	m.tailer.Clear()
	state := m.stateLocked()
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(logbus.TopicState, state)
	}
}

// DetachFeed 模拟外部操作把画面源置空；下一次 RUNNING 快照会重新绑定。
func (m *Monitor) DetachFeed() {
	m.mu.Lock()
	m.feed.Source = ""
	m.feed.Live = false
	state := m.stateLocked()
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(logbus.TopicState, state)
	}
}

// StartTask 的错误内容需要原样展示给用户。
func (m *Monitor) StartTask(ctx context.Context, count int) error {
	if count < 1 {
		count = 1
	}
	m.ClearLogs()
	if err := m.commands.StartTask(ctx, count); err != nil {
		m.bus.Log(logbus.LevelWarn, "start task rejected", map[string]any{"count": count, "error": err.Error()})
		return err
	}
	m.bus.Log(logbus.LevelInfo, "start task requested", map[string]any{"count": count})
	return nil
}

// StopTask 尽力而为，失败只记录日志。
func (m *Monitor) StopTask(ctx context.Context) {
	if err := m.commands.StopTask(ctx); err != nil {
		m.bus.Log(logbus.LevelWarn, "stop task failed", map[string]any{"error": err.Error()})
		return
	}
	m.bus.Log(logbus.LevelInfo, "stop task requested", nil)
}

func (m *Monitor) Accounts(term string) model.AccountsView {
	return m.dir.View(term)
}

func (m *Monitor) RefreshAccounts(ctx context.Context, term string) model.AccountsView {
	if _, err := m.dir.Refresh(ctx); err != nil {
		m.bus.Log(logbus.LevelWarn, "account fetch failed", map[string]any{"error": err.Error()})
	}
	view := m.dir.View(term)
	if m.bus != nil {
		m.bus.Publish(logbus.TopicAccounts, view)
	}
	return view
}

func (m *Monitor) Directory() *AccountDirectory { return m.dir }

package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"provision_monitor/internal/model"
	"provision_monitor/internal/monitor"
)

type fakeBackend struct {
	mu       sync.Mutex
	state    model.UiState
	cache    []model.Account
	startErr error
	counts   []int
	stops    int
	clears   int
	refresh  int
}

func (f *fakeBackend) State() model.UiState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBackend) Accounts(term string) model.AccountsView {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := []model.AccountRow{}
	for _, a := range monitor.FilterAccounts(f.cache, term) {
		rows = append(rows, model.AccountRow{Account: a, Category: model.ClassifyStatus(a.Status)})
	}
	return model.AccountsView{Term: term, Items: rows, Total: len(f.cache), Loaded: true}
}

func (f *fakeBackend) RefreshAccounts(_ context.Context, term string) model.AccountsView {
	f.mu.Lock()
	f.refresh++
	f.mu.Unlock()
	return f.Accounts(term)
}

func (f *fakeBackend) StartTask(_ context.Context, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, count)
	return f.startErr
}

func (f *fakeBackend) StopTask(context.Context) {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeBackend) ClearLogs() {
	f.mu.Lock()
	f.clears++
	f.state.Logs = nil
	f.mu.Unlock()
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newSizedModel(b Backend) Model {
	m := NewModel(Options{Backend: b, Now: func() time.Time { return time.Date(2026, 10, 18, 12, 0, 5, 0, time.UTC) }})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(Model)
}

func press(t *testing.T, m Model, keys ...string) (Model, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, k := range keys {
		var next tea.Model
		next, cmd = m.Update(key(k))
		m = next.(Model)
	}
	return m, cmd
}

func TestDashboardPlaceholders(t *testing.T) {
	m := newSizedModel(&fakeBackend{})
	view := m.View()
	for _, want := range []string{"注册任务监控", "等待日志...", "暂无画面", "OFFLINE", "尚未同步"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestStateMessageRendersMetricsAndLogs(t *testing.T) {
	m := newSizedModel(&fakeBackend{})
	st := model.UiState{
		RunState:   model.RunStateRunning,
		Metrics:    model.Metrics{CurrentAction: "填写注册表单", Success: 1234, Fail: 2},
		Logs:       []string{"line1", "line2"},
		Cursor:     2,
		Feed:       model.FeedState{Source: "http://runner/video_feed", Live: true, Generation: 1},
		LastUpdate: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
	}
	next, _ := m.Update(stateMsg{state: st})
	view := next.(Model).View()
	for _, want := range []string{"● 运行中", "填写注册表单", "1,234", "line2", "LIVE", "http://runner/video_feed"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestStartPromptCoercesCount(t *testing.T) {
	b := &fakeBackend{}
	m := newSizedModel(b)
	m, _ = press(t, m, "s")
	if m.mode != modeCountPrompt {
		t.Fatalf("mode = %v", m.mode)
	}
	m, cmd := press(t, m, "0", "enter")
	if cmd == nil {
		t.Fatal("expected start command")
	}
	msg := cmd()
	res, ok := msg.(startResultMsg)
	if !ok || res.count != 1 || res.err != nil {
		t.Fatalf("msg = %#v", msg)
	}
	next, _ := m.Update(res)
	if !strings.Contains(next.(Model).View(), "已发送启动请求") {
		t.Fatal("status line missing")
	}
}

func TestStartErrorShowsBlockingModal(t *testing.T) {
	b := &fakeBackend{startErr: errors.New("任务已在运行中")}
	m := newSizedModel(b)
	m, cmd := press(t, m, "s", "5", "enter")
	next, _ := m.Update(cmd())
	m = next.(Model)
	if m.mode != modeError || !strings.Contains(m.View(), "任务已在运行中") {
		t.Fatalf("mode=%v view=%s", m.mode, m.View())
	}
	// 弹窗期间其他按键无效
	m, cmd = press(t, m, "q")
	if cmd != nil || m.mode != modeError {
		t.Fatal("modal should swallow keys")
	}
	m, _ = press(t, m, "enter")
	if m.mode != modeNormal {
		t.Fatal("enter should dismiss the modal")
	}
	if len(b.counts) != 1 || b.counts[0] != 5 {
		t.Fatalf("counts = %v", b.counts)
	}
}

func TestStopRequiresConfirmation(t *testing.T) {
	b := &fakeBackend{}
	m := newSizedModel(b)
	m, cmd := press(t, m, "x", "n")
	if cmd != nil || m.mode != modeNormal {
		t.Fatal("n should cancel")
	}
	m, cmd = press(t, m, "x", "y")
	if cmd == nil {
		t.Fatal("expected stop command")
	}
	if _, ok := cmd().(stopSentMsg); !ok || b.stops != 1 {
		t.Fatalf("stops = %d", b.stops)
	}
}

func TestClearKeepsCursorInState(t *testing.T) {
	b := &fakeBackend{state: model.UiState{Logs: []string{"a"}, Cursor: 1}}
	m := newSizedModel(b)
	m, _ = press(t, m, "c")
	if b.clears != 1 || len(m.state.Logs) != 0 || m.state.Cursor != 1 {
		t.Fatalf("clears=%d state=%+v", b.clears, m.state)
	}
	if !strings.Contains(m.View(), "等待日志...") {
		t.Fatal("cleared view should show placeholder")
	}
}

func TestAccountsPageRefreshAndSearch(t *testing.T) {
	b := &fakeBackend{cache: []model.Account{
		{Email: "a@x.com", Password: "p1", Status: "已注册"},
		{Email: "b@y.com", Password: "p2", Status: "注册失败"},
	}}
	m := newSizedModel(b)
	m, cmd := press(t, m, "tab")
	if m.page != pageAccounts || cmd == nil {
		t.Fatal("tab should switch to accounts and refresh")
	}
	next, _ := m.Update(cmd())
	m = next.(Model)
	if b.refresh != 1 || !strings.Contains(m.View(), "b@y.com") {
		t.Fatalf("refresh=%d view=%s", b.refresh, m.View())
	}

	m, _ = press(t, m, "/", "a", "@")
	view := m.View()
	if !strings.Contains(view, "a@x.com") || strings.Contains(view, "b@y.com") {
		t.Fatalf("filtered view = %s", view)
	}
	if b.refresh != 1 {
		t.Fatal("typing must not refetch")
	}
	m, _ = press(t, m, "esc")
	if m.searching {
		t.Fatal("esc should leave search")
	}
	if m.search.Value() != "a@" {
		t.Fatalf("term = %q", m.search.Value())
	}
}

func TestAccountsPlaceholders(t *testing.T) {
	m := newSizedModel(&fakeBackend{})
	m.page = pageAccounts
	if !strings.Contains(m.View(), "暂无账号数据") {
		t.Fatal("empty placeholder missing")
	}
	m.accounts = model.AccountsView{Loaded: true, Error: "connection refused"}
	if !strings.Contains(m.View(), "加载失败: connection refused") {
		t.Fatal("inline error missing")
	}
}

func TestParseCount(t *testing.T) {
	cases := map[string]int{"": 1, "abc": 1, "-3": 1, "0": 1, " 7 ": 7, "4x": 4, "12 个": 12}
	for in, want := range cases {
		if got := parseCount(in); got != want {
			t.Errorf("parseCount(%q) = %d, want %d", in, got, want)
		}
	}
}

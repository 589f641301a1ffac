package tui

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"provision_monitor/internal/logbus"
	"provision_monitor/internal/model"
)

const commandTimeout = 10 * time.Second

// Backend 是界面需要的全部操作，*monitor.Monitor 实现了它。
type Backend interface {
	State() model.UiState
	Accounts(term string) model.AccountsView
	RefreshAccounts(ctx context.Context, term string) model.AccountsView
	StartTask(ctx context.Context, count int) error
	StopTask(ctx context.Context)
	ClearLogs()
}

type page int

const (
	pageDashboard page = iota
	pageAccounts
)

type mode int

const (
	modeNormal mode = iota
	modeCountPrompt
	modeConfirmStop
	modeError
)

type stateMsg struct{ state model.UiState }

type accountsMsg struct {
	view    model.AccountsView
	fromBus bool
}

type updatesClosedMsg struct{}

type startResultMsg struct {
	count int
	err   error
}

type stopSentMsg struct{}

type clockTickMsg struct{ at time.Time }

type Options struct {
	Backend Backend
	// Updates 通常来自 logbus.Subscribe；为空时界面只在操作后刷新。
	Updates <-chan logbus.Message
	Now     func() time.Time
}

type Model struct {
	backend Backend
	updates <-chan logbus.Message
	now     func() time.Time

	width  int
	height int
	ready  bool

	page page
	mode mode

	state  model.UiState
	logs   viewport.Model
	follow bool

	accounts  model.AccountsView
	search    textinput.Model
	searching bool
	table     table.Model

	countInput textinput.Model
	statusText string
	errorText  string
	clock      time.Time
}

func NewModel(opts Options) Model {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	search := textinput.New()
	search.Placeholder = "按邮箱搜索"
	search.Prompt = "/ "
	search.CharLimit = 128

	count := textinput.New()
	count.Placeholder = "1"
	count.Prompt = "数量: "
	count.CharLimit = 6

	tbl := table.New(
		table.WithColumns(accountColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	m := Model{
		backend:    opts.Backend,
		updates:    opts.Updates,
		now:        now,
		follow:     true,
		logs:       viewport.New(80, 10),
		search:     search,
		table:      tbl,
		countInput: count,
		clock:      now(),
	}
	if m.backend != nil {
		m.state = m.backend.State()
		m.accounts = m.backend.Accounts("")
	}
	m.syncLogs()
	m.syncTable()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForUpdateCmd(m.updates), clockTickCmd())
}

func waitForUpdateCmd(ch <-chan logbus.Message) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		for {
			msg, ok := <-ch
			if !ok {
				return updatesClosedMsg{}
			}
			switch msg.Type {
			case logbus.TopicState:
				if st, ok := msg.Data.(model.UiState); ok {
					return stateMsg{state: st}
				}
			case logbus.TopicAccounts:
				if v, ok := msg.Data.(model.AccountsView); ok {
					return accountsMsg{view: v, fromBus: true}
				}
			}
		}
	}
}

func clockTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(at time.Time) tea.Msg {
		return clockTickMsg{at: at}
	})
}

func refreshAccountsCmd(b Backend, term string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return accountsMsg{view: b.RefreshAccounts(ctx, term)}
	}
}

func startTaskCmd(b Backend, count int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return startResultMsg{count: count, err: b.StartTask(ctx, count)}
	}
}

func stopTaskCmd(b Backend) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		b.StopTask(ctx)
		return stopSentMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resize()
		return m, nil

	case stateMsg:
		m.state = msg.state
		m.syncLogs()
		return m, waitForUpdateCmd(m.updates)

	case accountsMsg:
		// 推送的视图可能对应别的搜索词，按当前搜索词重新取一次缓存
		m.accounts = msg.view
		if m.backend != nil && msg.view.Term != m.search.Value() {
			m.accounts = m.backend.Accounts(m.search.Value())
		}
		m.syncTable()
		if msg.fromBus {
			return m, waitForUpdateCmd(m.updates)
		}
		return m, nil

	case updatesClosedMsg:
		m.updates = nil
		return m, nil

	case startResultMsg:
		if msg.err != nil {
			m.mode = modeError
			m.errorText = msg.err.Error()
			m.statusText = ""
			return m, nil
		}
		m.statusText = "已发送启动请求（" + strconv.Itoa(msg.count) + " 个）"
		m.refreshFromBackend()
		return m, nil

	case stopSentMsg:
		m.statusText = "已发送停止请求"
		return m, nil

	case clockTickMsg:
		m.clock = msg.at
		return m, clockTickCmd()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	if m.page == pageDashboard && m.mode == modeNormal {
		var cmd tea.Cmd
		m.logs, cmd = m.logs.Update(msg)
		m.follow = m.logs.AtBottom()
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}

	switch m.mode {
	case modeError:
		if key == "enter" || key == "esc" {
			m.mode = modeNormal
			m.errorText = ""
		}
		return m, nil

	case modeConfirmStop:
		switch key {
		case "y", "Y":
			m.mode = modeNormal
			if m.backend == nil {
				return m, nil
			}
			m.statusText = "正在停止..."
			return m, stopTaskCmd(m.backend)
		case "n", "N", "esc":
			m.mode = modeNormal
		}
		return m, nil

	case modeCountPrompt:
		switch key {
		case "esc":
			m.mode = modeNormal
			m.countInput.Blur()
			return m, nil
		case "enter":
			count := parseCount(m.countInput.Value())
			m.mode = modeNormal
			m.countInput.Blur()
			m.countInput.SetValue("")
			if m.backend == nil {
				return m, nil
			}
			m.statusText = "正在启动..."
			return m, startTaskCmd(m.backend, count)
		}
		var cmd tea.Cmd
		m.countInput, cmd = m.countInput.Update(msg)
		return m, cmd
	}

	if m.page == pageAccounts && m.searching {
		switch key {
		case "esc", "enter":
			m.searching = false
			m.search.Blur()
			m.table.Focus()
			return m, nil
		}
		var cmd tea.Cmd
		m.search, cmd = m.search.Update(msg)
		if m.backend != nil {
			m.accounts = m.backend.Accounts(m.search.Value())
		}
		m.syncTable()
		return m, cmd
	}

	switch key {
	case "q":
		return m, tea.Quit
	case "tab":
		if m.page == pageDashboard {
			m.page = pageAccounts
			if m.backend == nil {
				return m, nil
			}
			m.accounts.Loading = true
			return m, refreshAccountsCmd(m.backend, m.search.Value())
		}
		m.page = pageDashboard
		return m, nil
	case "s":
		m.mode = modeCountPrompt
		m.countInput.SetValue("")
		cmd := m.countInput.Focus()
		return m, cmd
	case "x":
		m.mode = modeConfirmStop
		return m, nil
	}

	if m.page == pageAccounts {
		return m.handleAccountsKey(msg)
	}
	return m.handleDashboardKey(msg)
}

func (m Model) handleDashboardKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "c":
		if m.backend != nil {
			m.backend.ClearLogs()
			m.refreshFromBackend()
		}
		m.statusText = "日志已清空"
		return m, nil
	case "f", "end":
		m.follow = true
		m.logs.GotoBottom()
		return m, nil
	}
	var cmd tea.Cmd
	m.logs, cmd = m.logs.Update(msg)
	m.follow = m.logs.AtBottom()
	return m, cmd
}

func (m Model) handleAccountsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "/":
		m.searching = true
		m.table.Blur()
		cmd := m.search.Focus()
		return m, cmd
	case "r":
		if m.backend == nil {
			return m, nil
		}
		m.accounts.Loading = true
		return m, refreshAccountsCmd(m.backend, m.search.Value())
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) refreshFromBackend() {
	if m.backend == nil {
		return
	}
	m.state = m.backend.State()
	m.syncLogs()
}

// syncLogs 把日志写入 viewport；开启跟随时滚动到底部。
func (m *Model) syncLogs() {
	m.logs.SetContent(strings.Join(m.state.Logs, "\n"))
	if m.follow {
		m.logs.GotoBottom()
	}
}

func (m *Model) syncTable() {
	rows := make([]table.Row, 0, len(m.accounts.Items))
	for _, it := range m.accounts.Items {
		rows = append(rows, table.Row{it.Email, it.Password, categoryMark(it.Category) + " " + it.Status, it.Time})
	}
	m.table.SetRows(rows)
}

func (m *Model) resize() {
	w := maxInt(40, m.width-4)
	logH := maxInt(3, m.height-14)
	m.logs.Width = w
	m.logs.Height = logH
	m.table.SetColumns(accountColumns(w))
	m.table.SetHeight(maxInt(3, m.height-10))
	m.search.Width = maxInt(10, w-4)
	m.syncLogs()
}

// parseCount 解析启动数量，非法或小于 1 时按 1 处理。
// parseCount 取输入开头的整数，取不到或小于 1 时按 1 处理。
func parseCount(raw string) int {
	s := strings.TrimSpace(raw)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func accountColumns(width int) []table.Column {
	inner := maxInt(40, width-8)
	email := inner * 35 / 100
	pass := inner * 20 / 100
	status := inner * 25 / 100
	return []table.Column{
		{Title: "邮箱", Width: email},
		{Title: "密码", Width: pass},
		{Title: "状态", Width: status},
		{Title: "时间", Width: inner - email - pass - status},
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

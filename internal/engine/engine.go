package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"provision_monitor/internal/config"
	"provision_monitor/internal/logbus"
	"provision_monitor/internal/model"
	"provision_monitor/internal/store/sqlite"
)

var (
	ErrAlreadyRunning = errors.New("任务已在运行中")
	ErrNotRunning     = errors.New("当前没有运行中的任务")
	ErrInvalidCount   = errors.New("count 必须大于 0")
)

type Options struct {
	Store *sqlite.Store
	Bus   *logbus.Bus
	Mock  config.MockConfig

	// Roll 返回 [0,1) 的随机数，决定每个账号成功与否；为空时使用 math/rand。
	Roll func() float64
	// EmailDomain 是模拟临时邮箱的域名。
	EmailDomain string
}

// Engine 模拟一个批量注册任务：逐个账号走完固定步骤，期间产出日志、进度和画面帧。
// 日志按绝对下标编号，超过容量时丢弃最早的行，下标不会因此回退。
type Engine struct {
	store  *sqlite.Store
	bus    *logbus.Bus
	cfg    config.MockConfig
	roll   func() float64
	domain string

	limiter *rate.Limiter

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	runID    string
	action   string
	step     int
	success  int
	fail     int
	logs     []string
	dropped  int
	accounts []model.Account
}

func New(opts Options) *Engine {
	cfg := opts.Mock
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = 5000
	}
	if cfg.SuccessRate <= 0 || cfg.SuccessRate > 1 {
		cfg.SuccessRate = 0.7
	}
	roll := opts.Roll
	if roll == nil {
		roll = rand.Float64
	}
	domain := strings.TrimSpace(opts.EmailDomain)
	if domain == "" {
		domain = "mail.local"
	}
	return &Engine{
		store:   opts.Store,
		bus:     opts.Bus,
		cfg:     cfg,
		roll:    roll,
		domain:  domain,
		limiter: rate.NewLimiter(rate.Every(cfg.StepInterval()), 1),
		action:  "等待启动",
	}
}

func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start 启动一批注册，立即返回；任务在后台执行直到完成或 Stop。
func (e *Engine) Start(ctx context.Context, count int) error {
	if count < 1 {
		return ErrInvalidCount
	}
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.success, e.fail, e.step = 0, 0, 0
	e.action = "任务启动中"
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	runID := ""
	if e.store != nil {
		run, err := e.store.CreateRun(ctx, count)
		if err != nil {
			e.mu.Lock()
			e.running = false
			e.cancel = nil
			e.mu.Unlock()
			cancel()
			return fmt.Errorf("create run: %w", err)
		}
		runID = run.ID
	}
	e.mu.Lock()
	e.runID = runID
	e.mu.Unlock()

	e.appendLog(fmt.Sprintf("🚀 开始批量注册，目标数量: %d", count))
	e.bus.Log(logbus.LevelInfo, "模拟任务已启动", map[string]any{"count": count, "runId": runID})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runBatch(runCtx, count)
	}()
	return nil
}

// Stop 只发出停止信号，任务在当前步骤结束后退出。
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	running := e.running
	e.mu.Unlock()
	if !running || cancel == nil {
		return ErrNotRunning
	}
	cancel()
	e.appendLog("🛑 收到停止请求")
	return nil
}

// Close 停止任务并等待后台协程退出。
func (e *Engine) Close(ctx context.Context) error {
	_ = e.Stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status 返回从 logIndex 开始的新日志以及当前进度。
func (e *Engine) Status(ctx context.Context, logIndex int) model.StatusSnapshot {
	inventory := e.inventory(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	from := logIndex - e.dropped
	if from < 0 {
		from = 0
	}
	var lines []string
	if from < len(e.logs) {
		lines = append([]string(nil), e.logs[from:]...)
	} else {
		lines = []string{}
	}
	return model.StatusSnapshot{
		CurrentAction:  e.action,
		Success:        e.success,
		Fail:           e.fail,
		TotalInventory: inventory,
		IsRunning:      e.running,
		Logs:           lines,
	}
}

// LogCount 是已产生日志的总行数（包含已丢弃的）。
func (e *Engine) LogCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped + len(e.logs)
}

func (e *Engine) Accounts(ctx context.Context) ([]model.Account, error) {
	if e.store == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return append([]model.Account{}, e.accounts...), nil
	}
	recs, err := e.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Account())
	}
	return out, nil
}

func (e *Engine) inventory(ctx context.Context) int {
	if e.store != nil {
		if n, err := e.store.CountAccounts(ctx); err == nil {
			return n
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.accounts)
}

func (e *Engine) runBatch(ctx context.Context, count int) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		runID, success, fail := e.runID, e.success, e.fail
		if ctx.Err() != nil {
			e.action = "任务已停止"
		} else {
			e.action = "任务完成"
		}
		e.mu.Unlock()

		if e.store != nil && runID != "" {
			if err := e.store.FinishRun(context.Background(), runID, success, fail); err != nil {
				e.bus.Log(logbus.LevelWarn, "保存任务结果失败", map[string]any{"error": err.Error()})
			}
		}
		e.appendLog(fmt.Sprintf("🏁 批量注册结束 成功: %d 失败: %d", success, fail))
		e.bus.Log(logbus.LevelInfo, "模拟任务已结束", map[string]any{"success": success, "fail": fail})
	}()

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return
		}
		e.appendLog(fmt.Sprintf("📝 正在注册第 %d/%d 个账号", i+1, count))
		ok := e.registerOne(ctx)
		e.mu.Lock()
		if ok {
			e.success++
		} else {
			e.fail++
		}
		success, fail := e.success, e.fail
		e.mu.Unlock()
		e.appendLog(fmt.Sprintf("📊 当前进度: %d/%d 成功: %d 失败: %d", i+1, count, success, fail))
	}
}

type step struct {
	action string
	log    string
	status string
}

var registerSteps = []step{
	{action: "创建临时邮箱", log: "📧 正在创建临时邮箱..."},
	{action: "初始化浏览器", log: "🌐 正在初始化浏览器..."},
	{action: "打开注册页面", log: "🌐 正在打开注册页面..."},
	{action: "填写注册表单", log: "✍️ 正在填写注册表单..."},
	{action: "等待验证邮件", log: "⏳ 正在等待验证邮件..."},
	{action: "输入验证码", log: "🔢 正在输入验证码..."},
	{action: "填写个人资料", log: "👤 正在填写个人资料...", status: "已注册"},
	{action: "开通试用", log: "🚀 开始开通试用", status: "已开通试用"},
	{action: "取消订阅", log: "🛑 正在取消订阅...", status: "已取消订阅"},
}

// StepCount 是单个账号的步骤数，画面进度按它计算。
func StepCount() int { return len(registerSteps) }

func (e *Engine) registerOne(ctx context.Context) bool {
	email := strings.ReplaceAll(uuid.NewString(), "-", "")[:10] + "@" + e.domain
	password := strings.ReplaceAll(uuid.NewString(), "-", "")[:14]

	failAt := -1
	if e.roll() >= e.cfg.SuccessRate {
		// 失败点落在注册完成之前的某一步
		failAt = int(e.roll() * float64(6))
	}

	e.saveAccount(ctx, email, password, "注册中")
	for i, st := range registerSteps {
		if err := e.limiter.Wait(ctx); err != nil {
			e.appendLog("🛑 任务已被用户强制中断")
			e.setAccountStatus(email, "用户中断")
			return false
		}
		e.mu.Lock()
		e.action = st.action
		e.step = i + 1
		e.mu.Unlock()
		e.appendLog(st.log)

		if i == failAt {
			reason := "错误: " + st.action + "超时"
			e.appendLog("❌ " + reason)
			e.setAccountStatus(email, reason)
			return false
		}
		if st.status != "" {
			e.setAccountStatus(email, st.status)
		}
		if st.status == "已注册" {
			e.appendLog("🎉 注册成功！ 邮箱: " + email)
		}
	}
	return true
}

func (e *Engine) saveAccount(ctx context.Context, email, password, status string) {
	e.mu.Lock()
	runID := e.runID
	e.accounts = append(e.accounts, model.Account{
		Email:    email,
		Password: password,
		Status:   status,
		Time:     time.Now().Format(sqlite.AccountTimeLayout),
	})
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	if _, err := e.store.InsertAccount(ctx, sqlite.AccountRecord{RunID: runID, Email: email, Password: password, Status: status}); err != nil {
		e.bus.Log(logbus.LevelWarn, "保存账号失败", map[string]any{"email": email, "error": err.Error()})
	}
}

func (e *Engine) setAccountStatus(email, status string) {
	e.mu.Lock()
	for i := len(e.accounts) - 1; i >= 0; i-- {
		if e.accounts[i].Email == email {
			e.accounts[i].Status = status
			break
		}
	}
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	if err := e.store.UpdateAccountStatus(context.Background(), email, status); err != nil {
		e.bus.Log(logbus.LevelWarn, "更新账号状态失败", map[string]any{"email": email, "error": err.Error()})
	}
}

func (e *Engine) appendLog(line string) {
	line = "[" + time.Now().Format("15:04:05") + "] " + line
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs = append(e.logs, line)
	if over := len(e.logs) - e.cfg.LogCapacity; over > 0 {
		e.logs = append([]string(nil), e.logs[over:]...)
		e.dropped += over
	}
}

// Progress 给画面渲染使用。
type Progress struct {
	Running bool
	Step    int
	Success int
	Fail    int
}

func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Progress{Running: e.running, Step: e.step, Success: e.success, Fail: e.fail}
}

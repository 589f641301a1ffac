package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"provision_monitor/internal/model"
)

func (m Model) View() string {
	if !m.ready {
		return "注册任务监控 启动中..."
	}

	parts := []string{m.renderHeader()}
	switch m.page {
	case pageAccounts:
		parts = append(parts, m.renderAccounts())
	default:
		parts = append(parts, m.renderDashboard())
	}
	if line := m.renderStatusLine(); line != "" {
		parts = append(parts, line)
	}
	parts = append(parts, helpStyle.Render(m.helpText()))
	body := strings.Join(parts, "\n")

	switch m.mode {
	case modeCountPrompt:
		return overlay(body, modalStyle.Render("启动注册任务\n\n"+m.countInput.View()+"\n\n"+helpStyle.Render("enter 确认 | esc 取消")))
	case modeConfirmStop:
		return overlay(body, modalStyle.Render("确定要停止当前任务吗？\n\n"+helpStyle.Render("y 确认 | n 取消")))
	case modeError:
		return overlay(body, errorModalStyle.Render(errorStyle.Render("启动失败")+"\n\n"+m.errorText+"\n\n"+helpStyle.Render("enter 关闭")))
	}
	return body
}

func (m Model) renderHeader() string {
	title := headerStyle.Render("注册任务监控")
	run := subHeaderStyle.Render("○ 空闲")
	if m.state.RunState == model.RunStateRunning {
		run = successStyle.Render("● 运行中")
	}
	updated := "尚未同步"
	if !m.state.LastUpdate.IsZero() {
		updated = "更新于 " + humanize.RelTime(m.state.LastUpdate, m.clock, "前", "后")
	}
	tabs := tabLabel("监控", m.page == pageDashboard) + " " + tabLabel("账号", m.page == pageAccounts)
	return lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", tabs, "  ", run, "  ", subHeaderStyle.Render(updated))
}

func tabLabel(name string, active bool) string {
	if active {
		return statusStyle.Render("[" + name + "]")
	}
	return subHeaderStyle.Render(" " + name + " ")
}

func (m Model) renderDashboard() string {
	w := maxInt(40, m.width-4)
	half := maxInt(20, w/2-2)
	top := lipgloss.JoinHorizontal(lipgloss.Top,
		renderPanel("任务状态", renderMetrics(m.state), half),
		renderPanel("实时画面", renderFeed(m.state.Feed), half),
	)
	logBody := m.logs.View()
	if len(m.state.Logs) == 0 {
		logBody = placeholderStyle.Render("等待日志...")
	}
	title := "运行日志"
	if !m.follow {
		title += subHeaderStyle.Render("（已暂停跟随，按 f 恢复）")
	}
	return lipgloss.JoinVertical(lipgloss.Left, top, renderPanel(title, logBody, w))
}

func renderMetrics(st model.UiState) string {
	action := strings.TrimSpace(st.Metrics.CurrentAction)
	if action == "" {
		action = "-"
	}
	rows := []string{
		"当前动作  " + action,
		"成功      " + successStyle.Render(humanize.Comma(int64(st.Metrics.Success))),
		"失败      " + errorStyle.Render(humanize.Comma(int64(st.Metrics.Fail))),
		"账号库存  " + humanize.Comma(int64(st.Metrics.TotalInventory)),
	}
	return strings.Join(rows, "\n")
}

func renderFeed(feed model.FeedState) string {
	indicator := subHeaderStyle.Render("OFFLINE")
	if feed.Live {
		indicator = successStyle.Render("LIVE")
	}
	if feed.Source == "" {
		return indicator + "\n" + placeholderStyle.Render("暂无画面")
	}
	return indicator + "\n" + feed.Source + "\n" + subHeaderStyle.Render(fmt.Sprintf("绑定次数 %d", feed.Generation))
}

func (m Model) renderAccounts() string {
	w := maxInt(40, m.width-4)
	lines := []string{m.search.View()}

	v := m.accounts
	switch {
	case v.Loading && !v.Loaded:
		lines = append(lines, placeholderStyle.Render("加载中..."))
	case v.Error != "":
		lines = append(lines, errorStyle.Render("加载失败: "+v.Error))
	}
	switch {
	case len(v.Items) > 0:
		lines = append(lines, m.table.View())
	case v.Loaded && v.Total > 0:
		lines = append(lines, placeholderStyle.Render("没有匹配的账号"))
	case v.Loaded:
		lines = append(lines, placeholderStyle.Render("暂无账号数据"))
	}
	footer := fmt.Sprintf("共 %s 个账号", humanize.Comma(int64(v.Total)))
	if v.Term != "" {
		footer = fmt.Sprintf("匹配 %d / %s", len(v.Items), footer)
	}
	lines = append(lines, subHeaderStyle.Render(footer))
	return renderPanel("账号列表", strings.Join(lines, "\n"), w)
}

func (m Model) renderStatusLine() string {
	if strings.TrimSpace(m.statusText) == "" {
		return ""
	}
	return statusStyle.Render(m.statusText)
}

func (m Model) helpText() string {
	if m.page == pageAccounts {
		if m.searching {
			return "输入关键字过滤 | enter/esc 结束搜索"
		}
		return "tab 监控 | / 搜索 | r 刷新 | s 启动 | x 停止 | q 退出"
	}
	return "tab 账号 | s 启动 | x 停止 | c 清空日志 | ↑/↓ 滚动 | f 跟随 | q 退出"
}

func categoryMark(c model.AccountCategory) string {
	switch c {
	case model.AccountSuccess:
		return "✔"
	case model.AccountFail:
		return "✖"
	default:
		return "•"
	}
}

func renderPanel(title, body string, width int) string {
	return panelStyle.
		Width(width).
		Render(panelTitleStyle.Render(title) + "\n" + body)
}

// overlay 把弹窗放在主界面下方，弹窗期间主界面保持可见。
func overlay(body, modal string) string {
	return lipgloss.JoinVertical(lipgloss.Left, body, modal)
}

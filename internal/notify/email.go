package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/gomail.v2"

	"provision_monitor/internal/config"
	"provision_monitor/internal/logbus"
	"provision_monitor/internal/model"
)

type sendFunc func(ctx context.Context, settings config.EmailConfig, evt model.RunFinishedEvent) error

type EmailNotifier struct {
	settings config.EmailConfig
	bus      *logbus.Bus
	send     sendFunc

	mu     sync.Mutex
	queue  chan model.RunFinishedEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
}

func NewEmailNotifier(settings config.EmailConfig, bus *logbus.Bus) *EmailNotifier {
	return newEmailNotifier(settings, bus, SendRunFinishedEmail)
}

func newEmailNotifier(settings config.EmailConfig, bus *logbus.Bus, send sendFunc) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		settings: settings,
		bus:      bus,
		send:     send,
		queue:    make(chan model.RunFinishedEvent, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) NotifyRunFinished(_ context.Context, evt model.RunFinishedEvent) {
	select {
	case n.queue <- evt:
	default:
		n.bus.Log(logbus.LevelWarn, "邮件通知丢弃：队列已满", map[string]any{
			"success": evt.Metrics.Success,
			"fail":    evt.Metrics.Fail,
		})
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			// 退出前把已经排队的事件发完
			for {
				select {
				case evt := <-n.queue:
					n.handle(context.Background(), evt)
				default:
					return
				}
			}
		case evt := <-n.queue:
			n.handle(n.ctx, evt)
		}
	}
}

func (n *EmailNotifier) handle(ctx context.Context, evt model.RunFinishedEvent) {
	if !n.settings.Enabled {
		n.bus.Log(logbus.LevelInfo, "邮件通知未启用", nil)
		return
	}
	if err := validateEmailSettings(n.settings); err != nil {
		n.bus.Log(logbus.LevelWarn, "邮件配置无效", map[string]any{"error": err.Error()})
		return
	}
	if err := n.send(ctx, n.settings, evt); err != nil {
		n.bus.Log(logbus.LevelWarn, "邮件发送失败", map[string]any{"error": err.Error()})
		return
	}
	n.bus.Log(logbus.LevelInfo, "通知邮件已发送", map[string]any{
		"to":      strings.TrimSpace(n.settings.Email),
		"success": evt.Metrics.Success,
		"fail":    evt.Metrics.Fail,
	})
}

func validateEmailSettings(s config.EmailConfig) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

func SendRunFinishedEmail(ctx context.Context, settings config.EmailConfig, evt model.RunFinishedEvent) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfigForEmail(email)
	if err != nil {
		return err
	}
	htmlBody, textBody, err := buildEmailBody(evt)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "注册任务监控"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", buildSubject(evt))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))

	switch {
	case matchDomain(domain, "qq.com", "foxmail.com"):
		return "smtp.qq.com", 465, true, nil
	case matchDomain(domain, "163.com", "126.com", "yeah.net"):
		return "smtp.163.com", 465, true, nil
	case matchDomain(domain, "gmail.com"):
		return "smtp.gmail.com", 587, false, nil
	case matchDomain(domain, "outlook.com", "hotmail.com", "live.com"):
		return "smtp.office365.com", 587, false, nil
	case matchDomain(domain, "aliyun.com"):
		return "smtp.aliyun.com", 465, true, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

func matchDomain(domain string, candidates ...string) bool {
	for _, c := range candidates {
		if domain == c || strings.HasSuffix(domain, "."+c) {
			return true
		}
	}
	return false
}

func buildSubject(evt model.RunFinishedEvent) string {
	return fmt.Sprintf("注册任务结束：成功 %d / 失败 %d", evt.Metrics.Success, evt.Metrics.Fail)
}

var emailHTMLTpl = template.Must(template.New("email").Parse(`
<!doctype html>
<html lang="zh-CN">
  <head>
    <meta charset="utf-8" />
    <title>注册任务结束</title>
  </head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,'Segoe UI',Roboto,'PingFang SC','Microsoft YaHei',sans-serif;">
    <div style="max-width:640px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;">注册任务结束</div>
          <div style="margin-top:6px;font-size:12px;opacity:.95;">{{ .At }}</div>
        </div>
        <div style="padding:22px;">
          <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;">
            <tbody>
              {{ range .Rows }}
              <tr>
                <td style="width:160px;padding:12px 14px;background:#fafbff;border-bottom:1px solid #eef0f6;color:#6b7280;font-size:12px;">{{ .K }}</td>
                <td style="padding:12px 14px;border-bottom:1px solid #eef0f6;color:#111827;font-size:12px;font-weight:600;">{{ .V }}</td>
              </tr>
              {{ end }}
            </tbody>
          </table>
          <div style="margin-top:14px;color:#9ca3af;font-size:12px;">此邮件由系统自动发送</div>
        </div>
      </div>
    </div>
  </body>
</html>
`))

type rowKV struct {
	K string
	V string
}

func buildEmailBody(evt model.RunFinishedEvent) (htmlBody string, textBody string, err error) {
	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}
	action := strings.TrimSpace(evt.Metrics.CurrentAction)
	if action == "" {
		action = "-"
	}
	rows := []rowKV{
		{K: "结束时间", V: at.Format("2006-01-02 15:04:05")},
		{K: "最后动作", V: action},
		{K: "成功", V: humanize.Comma(int64(evt.Metrics.Success))},
		{K: "失败", V: humanize.Comma(int64(evt.Metrics.Fail))},
		{K: "库存账号", V: humanize.Comma(int64(evt.Metrics.TotalInventory))},
	}

	data := struct {
		At   string
		Rows []rowKV
	}{
		At:   at.Format("2006-01-02 15:04:05"),
		Rows: rows,
	}
	var buf bytes.Buffer
	if err := emailHTMLTpl.Execute(&buf, data); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	text.WriteString("注册任务结束\n")
	for _, r := range rows {
		text.WriteString(r.K + "：" + r.V + "\n")
	}
	return buf.String(), text.String(), nil
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"

	"provision_monitor/internal/config"
	"provision_monitor/internal/logbus"
	"provision_monitor/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommandError 携带任务执行器返回的原始内容，调用方需要原样展示给用户。
type CommandError struct {
	Status int
	Body   string
}

func (e *CommandError) Error() string {
	if e.Body != "" {
		return e.Body
	}
	if e.Status > 0 {
		return http.StatusText(e.Status)
	}
	return "request failed"
}

type Client struct {
	cfg  config.RunnerConfig
	bus  *logbus.Bus
	http *resty.Client
	// feed 不设超时：画面流是长连接，Client.Timeout 会连读 body 一起截断。
	feed *resty.Client
}

func New(cfg config.RunnerConfig, bus *logbus.Bus) *Client {
	c := &Client{cfg: cfg, bus: bus}
	c.http = c.newHTTP(cfg.Timeout())
	c.feed = c.newHTTP(0)
	return c
}

func (c *Client) newHTTP(timeout time.Duration) *resty.Client {
	rc := resty.New().
		SetBaseURL(c.cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", c.cfg.UserAgent).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if c.bus != nil {
			c.bus.Log(logbus.LevelDebug, "runner request", map[string]any{
				"method": req.Method,
				"url":    req.URL,
			})
		}
		return nil
	})
	return rc
}

func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// FeedURL 是实时画面的完整地址；FeedController 用它绑定画面源。
func (c *Client) FeedURL() string {
	return c.cfg.BaseURL + c.cfg.FeedPath
}

func (c *Client) FetchStatus(ctx context.Context, cursor int) (model.StatusSnapshot, error) {
	if cursor < 0 {
		cursor = 0
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("log_index", strconv.Itoa(cursor)).
		Get("/api/status")
	if err != nil {
		return model.StatusSnapshot{}, fmt.Errorf("fetch status: %w", err)
	}
	if resp.IsError() {
		return model.StatusSnapshot{}, fmt.Errorf("fetch status: unexpected status %d", resp.StatusCode())
	}
	var snap model.StatusSnapshot
	if err := decodeObject(resp.Body(), &snap); err != nil {
		return model.StatusSnapshot{}, fmt.Errorf("decode status: %w", err)
	}
	if snap.Success < 0 || snap.Fail < 0 || snap.TotalInventory < 0 {
		return model.StatusSnapshot{}, errors.New("decode status: negative counter")
	}
	return snap, nil
}

func (c *Client) FetchAccounts(ctx context.Context) ([]model.Account, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/api/accounts")
	if err != nil {
		return nil, fmt.Errorf("fetch accounts: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch accounts: unexpected status %d", resp.StatusCode())
	}
	var accounts []model.Account
	if err := json.Unmarshal(resp.Body(), &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	return accounts, nil
}

func (c *Client) StartTask(ctx context.Context, count int) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(model.StartRequest{Count: count}).
		Post("/api/start")
	if err != nil {
		return &CommandError{Body: err.Error()}
	}
	if resp.IsError() {
		return &CommandError{Status: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	return nil
}

func (c *Client) StopTask(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/api/stop")
	if err != nil {
		return fmt.Errorf("stop task: %w", err)
	}
	if resp.IsError() {
		return &CommandError{Status: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	return nil
}

// OpenFeed 打开实时画面流，调用方负责关闭返回的 body。
func (c *Client) OpenFeed(ctx context.Context) (io.ReadCloser, string, error) {
	resp, err := c.feed.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(c.cfg.FeedPath)
	if err != nil {
		return nil, "", fmt.Errorf("open feed: %w", err)
	}
	raw := resp.RawBody()
	if resp.IsError() {
		if raw != nil {
			_ = raw.Close()
		}
		return nil, "", fmt.Errorf("open feed: unexpected status %d", resp.StatusCode())
	}
	return raw, resp.Header().Get("Content-Type"), nil
}

func decodeObject(body []byte, v any) error {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return errors.New("body is not a JSON object")
	}
	return json.Unmarshal([]byte(trimmed), v)
}

package config

import (
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Runner RunnerConfig `yaml:"runner"`
	Poll   PollConfig   `yaml:"poll"`
	Notify NotifyConfig `yaml:"notify"`
	Mock   MockConfig   `yaml:"mock"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAgeSec        int      `yaml:"maxAgeSec"`
}

func (c CorsConfig) MaxAge() int {
	if c.MaxAgeSec <= 0 {
		return 600
	}
	return c.MaxAgeSec
}

type RunnerConfig struct {
	BaseURL string `yaml:"baseURL"`
	// TimeoutMs 为 0 表示不设置请求超时。
	TimeoutMs int    `yaml:"timeoutMs"`
	UserAgent string `yaml:"userAgent"`
	FeedPath  string `yaml:"feedPath"`
}

func (c RunnerConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type PollConfig struct {
	IntervalMs int `yaml:"intervalMs"`
	// MaxLogLines 只限制界面上保留的行数，不影响 log_index 游标。
	MaxLogLines int `yaml:"maxLogLines"`
}

func (c PollConfig) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return 1 * time.Second
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

type NotifyConfig struct {
	Email EmailConfig `yaml:"email"`
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Email    string `yaml:"email"`
	AuthCode string `yaml:"authCode"`
}

type MockConfig struct {
	Addr           string  `yaml:"addr"`
	SQLitePath     string  `yaml:"sqlitePath"`
	StepIntervalMs int     `yaml:"stepIntervalMs"`
	SuccessRate    float64 `yaml:"successRate"`
	LogCapacity    int     `yaml:"logCapacity"`
}

func (c MockConfig) StepInterval() time.Duration {
	if c.StepIntervalMs <= 0 {
		return 400 * time.Millisecond
	}
	return time.Duration(c.StepIntervalMs) * time.Millisecond
}

// Default 返回填充了默认值的配置，用于没有配置文件时直接用命令行参数启动。
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Runner.BaseURL == "" {
		c.Runner.BaseURL = "http://127.0.0.1:5000"
	}
	c.Runner.BaseURL = strings.TrimRight(c.Runner.BaseURL, "/")
	if c.Runner.FeedPath == "" {
		c.Runner.FeedPath = "/video_feed"
	}
	if c.Runner.UserAgent == "" {
		c.Runner.UserAgent = "provision-monitor/1.0"
	}
	if c.Poll.MaxLogLines <= 0 {
		c.Poll.MaxLogLines = 2000
	}
	if c.Mock.Addr == "" {
		c.Mock.Addr = ":5000"
	}
	if c.Mock.SQLitePath == "" {
		c.Mock.SQLitePath = "./data/mock_runner.db"
	}
	if c.Mock.SuccessRate <= 0 || c.Mock.SuccessRate > 1 {
		c.Mock.SuccessRate = 0.7
	}
	if c.Mock.LogCapacity <= 0 {
		c.Mock.LogCapacity = 5000
	}
}

func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Runner.BaseURL == "" {
		return errors.New("runner.baseURL is required")
	}
	u, err := url.Parse(c.Runner.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("runner.baseURL must be an absolute URL")
	}
	if !strings.HasPrefix(c.Runner.FeedPath, "/") {
		return errors.New("runner.feedPath must start with /")
	}
	if c.Notify.Email.Enabled && strings.TrimSpace(c.Notify.Email.Email) == "" {
		return errors.New("notify.email.email is required when enabled")
	}
	return nil
}

// WithRunner 用命令行传入的地址覆盖 runner.baseURL。
func (c Config) WithRunner(baseURL string) (Config, error) {
	if strings.TrimSpace(baseURL) == "" {
		return c, nil
	}
	c.Runner.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return c, c.Validate()
}

// LoadOrDefault 在配置文件不存在时返回默认配置，其余错误照常返回。
func LoadOrDefault(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

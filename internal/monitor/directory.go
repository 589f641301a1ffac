package monitor

import (
	"context"
	"strings"
	"sync"

	"provision_monitor/internal/model"
)

type AccountSource interface {
	FetchAccounts(ctx context.Context) ([]model.Account, error)
}

// AccountDirectory 缓存最近一次拉取的账号列表。刷新整体替换缓存，
// 失败时保留旧缓存并记录错误供界面内联展示；过滤永远不修改缓存。
type AccountDirectory struct {
	src AccountSource

	mu      sync.Mutex
	cache   []model.Account
	loaded  bool
	loading bool
	lastErr string
	// gen 是最近一次发出的刷新序号；只有最新一次刷新的结果会被应用。
	gen uint64
}

func NewAccountDirectory(src AccountSource) *AccountDirectory {
	return &AccountDirectory{src: src}
}

// Refresh 拉取账号并整体替换缓存。多次刷新重叠时按发出顺序生效，
// 较早发出但较晚返回的结果被丢弃，loading 保持到最新一次刷新结束。
func (d *AccountDirectory) Refresh(ctx context.Context) ([]model.Account, error) {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.loading = true
	d.mu.Unlock()

	accounts, err := d.src.FetchAccounts(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen {
		return cloneAccounts(d.cache), err
	}
	d.loading = false
	if err != nil {
		d.lastErr = err.Error()
		return cloneAccounts(d.cache), err
	}
	d.cache = cloneAccounts(accounts)
	d.loaded = true
	d.lastErr = ""
	return cloneAccounts(d.cache), nil
}

func (d *AccountDirectory) Cache() []model.Account {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneAccounts(d.cache)
}

func (d *AccountDirectory) Filter(term string) []model.Account {
	d.mu.Lock()
	defer d.mu.Unlock()
	return FilterAccounts(d.cache, term)
}

func (d *AccountDirectory) View(term string) model.AccountsView {
	d.mu.Lock()
	defer d.mu.Unlock()
	filtered := FilterAccounts(d.cache, term)
	rows := make([]model.AccountRow, 0, len(filtered))
	for _, acc := range filtered {
		rows = append(rows, model.AccountRow{Account: acc, Category: model.ClassifyStatus(acc.Status)})
	}
	return model.AccountsView{
		Term:    term,
		Items:   rows,
		Total:   len(d.cache),
		Loaded:  d.loaded,
		Loading: d.loading,
		Error:   d.lastErr,
	}
}

// FilterAccounts 按邮箱做大小写不敏感的子串匹配，返回新切片。
func FilterAccounts(accounts []model.Account, term string) []model.Account {
	needle := strings.ToLower(term)
	if needle == "" {
		return cloneAccounts(accounts)
	}
	out := make([]model.Account, 0, len(accounts))
	for _, acc := range accounts {
		if strings.Contains(strings.ToLower(acc.Email), needle) {
			out = append(out, acc)
		}
	}
	return out
}

func cloneAccounts(in []model.Account) []model.Account {
	out := make([]model.Account, len(in))
	copy(out, in)
	return out
}

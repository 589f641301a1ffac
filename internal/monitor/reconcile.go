package monitor

import (
	"strings"

	"provision_monitor/internal/model"
)

// Reconcile 只依赖最新一次快照，四个指标字段整体覆盖。
func Reconcile(snap model.StatusSnapshot) (model.RunState, model.Metrics) {
	return model.RunStateOf(snap.IsRunning), model.Metrics{
		CurrentAction:  snap.CurrentAction,
		Success:        snap.Success,
		Fail:           snap.Fail,
		TotalInventory: snap.TotalInventory,
	}
}

// FeedBinding 是实时画面的显示位置。绑定状态必须能从它本身读出来，
// 因为除了轮询之外，外部操作也可能改掉它。
type FeedBinding interface {
	Source() string
	Bind(src string)
	SetLive(live bool)
}

type FeedController struct {
	binding FeedBinding
	url     string
	marker  string
}

// NewFeedController 中 marker 是判断"已绑定到画面流"的路径片段，例如 /video_feed。
func NewFeedController(binding FeedBinding, url, marker string) *FeedController {
	if marker == "" {
		marker = url
	}
	return &FeedController{binding: binding, url: url, marker: marker}
}

// OnRunStateChange 每次轮询都会调用；只有当前源没有指向画面流时才重新绑定，
// 避免画面每秒重连闪烁。空闲时保留最后一帧，只把指示灯置为离线。
func (f *FeedController) OnRunStateChange(state model.RunState) (rebound bool) {
	if state != model.RunStateRunning {
		f.binding.SetLive(false)
		return false
	}
	src := f.binding.Source()
	if src == "" || !strings.Contains(src, f.marker) {
		f.binding.Bind(f.url)
		rebound = true
	}
	f.binding.SetLive(true)
	return rebound
}

// stateBinding 把 FeedBinding 落到 UiState.Feed 上。
type stateBinding struct {
	st *model.FeedState
}

func (b stateBinding) Source() string { return b.st.Source }

func (b stateBinding) Bind(src string) {
	b.st.Source = src
	b.st.Generation++
}

func (b stateBinding) SetLive(live bool) { b.st.Live = live }

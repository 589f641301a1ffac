package notify

import (
	"context"

	"provision_monitor/internal/model"
)

// Notifier 在任务从运行变为空闲时收到一次事件。实现不能阻塞轮询。
type Notifier interface {
	NotifyRunFinished(ctx context.Context, evt model.RunFinishedEvent)
}

type Nop struct{}

func (Nop) NotifyRunFinished(context.Context, model.RunFinishedEvent) {}

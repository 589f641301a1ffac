package monitor

import "provision_monitor/internal/model"

// LogTailer 维护 log_index 游标和界面上的日志缓冲。
// 游标等于本进程收到的日志总行数；Clear 只清界面，不回退游标，
// 否则下一次轮询会把已经展示过的历史日志再拉一遍。
type LogTailer struct {
	cursor   int
	lines    []string
	maxLines int
}

func NewLogTailer(maxLines int) *LogTailer {
	return &LogTailer{maxLines: maxLines}
}

// Absorb 按顺序追加 snapshot 中的新日志并推进游标，返回本次追加的行。
// 这里不做去重：服务端重复下发的行会重复显示。
func (t *LogTailer) Absorb(snap model.StatusSnapshot) []string {
	if len(snap.Logs) == 0 {
		return nil
	}
	added := make([]string, len(snap.Logs))
	copy(added, snap.Logs)
	t.lines = append(t.lines, added...)
	t.cursor += len(added)
	if t.maxLines > 0 && len(t.lines) > t.maxLines {
		t.lines = append([]string(nil), t.lines[len(t.lines)-t.maxLines:]...)
	}
	return added
}

func (t *LogTailer) Clear() {
	t.lines = nil
}

func (t *LogTailer) Cursor() int { return t.cursor }

func (t *LogTailer) Lines() []string {
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

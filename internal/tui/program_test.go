package tui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/exp/teatest"

	"provision_monitor/internal/logbus"
	"provision_monitor/internal/model"
)

func TestProgramShowsPushedStateAndStartError(t *testing.T) {
	bus := logbus.New(10)
	updates, cancel := bus.Subscribe(16)
	defer cancel()

	b := &fakeBackend{startErr: errors.New("任务已在运行中")}
	m := NewModel(Options{Backend: b, Updates: updates})
	tm := teatest.NewTestModel(t, m, teatest.WithInitialTermSize(100, 30))

	bus.Publish(logbus.TopicState, model.UiState{
		RunState: model.RunStateRunning,
		Metrics:  model.Metrics{CurrentAction: "输入验证码"},
		Logs:     []string{"hello from runner"},
	})
	teatest.WaitFor(t, tm.Output(), func(out []byte) bool {
		return bytes.Contains(out, []byte("hello from runner"))
	}, teatest.WithDuration(3*time.Second))

	tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	tm.Type("2")
	tm.Send(tea.KeyMsg{Type: tea.KeyEnter})
	teatest.WaitFor(t, tm.Output(), func(out []byte) bool {
		return bytes.Contains(out, []byte("任务已在运行中"))
	}, teatest.WithDuration(3*time.Second))

	tm.Send(tea.KeyMsg{Type: tea.KeyEnter})
	tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	tm.WaitFinished(t, teatest.WithFinalTimeout(3*time.Second))

	final := tm.FinalModel(t).(Model)
	if final.mode != modeNormal {
		t.Fatalf("final mode = %v", final.mode)
	}
	if len(b.counts) != 1 || b.counts[0] != 2 {
		t.Fatalf("counts = %v", b.counts)
	}
}

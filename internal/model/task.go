package model

import (
	"fmt"
	"time"
)

// StatusSnapshot 是一次轮询的响应；Logs 只包含 log_index 之后的新行。
type StatusSnapshot struct {
	CurrentAction  string   `json:"current_action"`
	Success        int      `json:"success"`
	Fail           int      `json:"fail"`
	TotalInventory int      `json:"total_inventory"`
	IsRunning      bool     `json:"is_running"`
	Logs           []string `json:"logs"`
}

type RunState int

const (
	RunStateIdle RunState = iota
	RunStateRunning
)

func RunStateOf(isRunning bool) RunState {
	if isRunning {
		return RunStateRunning
	}
	return RunStateIdle
}

func (s RunState) String() string {
	switch s {
	case RunStateRunning:
		return "running"
	default:
		return "idle"
	}
}

func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RunState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "running":
		*s = RunStateRunning
	case "idle", "":
		*s = RunStateIdle
	default:
		return fmt.Errorf("unknown run state %q", string(b))
	}
	return nil
}

type Metrics struct {
	CurrentAction  string `json:"currentAction"`
	Success        int    `json:"success"`
	Fail           int    `json:"fail"`
	TotalInventory int    `json:"totalInventory"`
}

type FeedState struct {
	Source     string `json:"source"`
	Live       bool   `json:"live"`
	Generation int    `json:"generation"`
}

// UiState 是渲染层唯一的输入。
type UiState struct {
	RunState   RunState  `json:"runState"`
	Metrics    Metrics   `json:"metrics"`
	Logs       []string  `json:"logs"`
	Cursor     int       `json:"cursor"`
	Feed       FeedState `json:"feed"`
	LastUpdate time.Time `json:"lastUpdate"`
}

type StartRequest struct {
	Count int `json:"count"`
}

// RunFinishedEvent 在 RUNNING -> IDLE 时产生。
type RunFinishedEvent struct {
	At      time.Time `json:"at"`
	Metrics Metrics   `json:"metrics"`
}

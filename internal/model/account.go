package model

import "strings"

// Account 是任务执行器产出的账号记录，password 为明文。
type Account struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Status   string `json:"status"`
	Time     string `json:"time"`
}

type AccountCategory string

const (
	AccountSuccess AccountCategory = "success"
	AccountFail    AccountCategory = "fail"
	AccountNeutral AccountCategory = "neutral"
)

var (
	successMarkers = []string{"成功", "已注册", "success", "registered"}
	failMarkers    = []string{"失败", "错误", "fail", "error"}
)

// ClassifyStatus 只用于展示：status 同时命中两类标记时以失败为准。
func ClassifyStatus(status string) AccountCategory {
	s := strings.ToLower(status)
	if containsAny(s, failMarkers) {
		return AccountFail
	}
	if containsAny(s, successMarkers) {
		return AccountSuccess
	}
	return AccountNeutral
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

type AccountRow struct {
	Account
	Category AccountCategory `json:"category"`
}

type AccountsView struct {
	Term    string       `json:"term"`
	Items   []AccountRow `json:"items"`
	Total   int          `json:"total"`
	Loaded  bool         `json:"loaded"`
	Loading bool         `json:"loading"`
	Error   string       `json:"error,omitempty"`
}

package monitor

import (
	"testing"

	"provision_monitor/internal/model"
)

type fakeBinding struct {
	src   string
	live  bool
	binds int
}

func (b *fakeBinding) Source() string { return b.src }
func (b *fakeBinding) Bind(src string) {
	b.src = src
	b.binds++
}
func (b *fakeBinding) SetLive(live bool) { b.live = live }

func TestReconcileLastWriteWins(t *testing.T) {
	state, metrics := Reconcile(model.StatusSnapshot{CurrentAction: "fill form", Success: 2, IsRunning: true})
	if state != model.RunStateRunning {
		t.Fatalf("state = %v", state)
	}
	state, metrics = Reconcile(model.StatusSnapshot{})
	if state != model.RunStateIdle || metrics != (model.Metrics{}) {
		t.Fatalf("state=%v metrics=%+v, want zeroed fields from latest snapshot", state, metrics)
	}
}

func TestFeedControllerRebindSuppression(t *testing.T) {
	b := &fakeBinding{}
	fc := NewFeedController(b, "http://runner/video_feed", "/video_feed")

	if !fc.OnRunStateChange(model.RunStateRunning) {
		t.Fatal("first RUNNING should bind")
	}
	if fc.OnRunStateChange(model.RunStateRunning) {
		t.Fatal("second RUNNING should not rebind")
	}
	if b.binds != 1 || !b.live {
		t.Fatalf("binding = %+v", b)
	}
}

func TestFeedControllerIdleKeepsSource(t *testing.T) {
	b := &fakeBinding{}
	fc := NewFeedController(b, "http://runner/video_feed", "/video_feed")
	fc.OnRunStateChange(model.RunStateRunning)
	fc.OnRunStateChange(model.RunStateIdle)
	if b.src != "http://runner/video_feed" || b.binds != 1 {
		t.Fatalf("idle touched source: %+v", b)
	}
	if b.live {
		t.Fatal("indicator should be offline")
	}
}

func TestFeedControllerInspectsBinding(t *testing.T) {
	b := &fakeBinding{src: "http://elsewhere/snapshot.jpg"}
	fc := NewFeedController(b, "http://runner/video_feed", "/video_feed")
	if !fc.OnRunStateChange(model.RunStateRunning) {
		t.Fatal("foreign source should be replaced")
	}

	b2 := &fakeBinding{src: "http://proxy/video_feed?t=1"}
	fc2 := NewFeedController(b2, "http://runner/video_feed", "/video_feed")
	if fc2.OnRunStateChange(model.RunStateRunning) || b2.binds != 0 {
		t.Fatal("source already pointing at the feed should be kept")
	}
}

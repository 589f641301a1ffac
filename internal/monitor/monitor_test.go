package monitor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"provision_monitor/internal/logbus"
	"provision_monitor/internal/model"
)

const testFeedURL = "http://runner.local/video_feed"

type scriptedStatus struct {
	mu      sync.Mutex
	replies []statusReply
	cursors []int
	gate    chan struct{}
}

type statusReply struct {
	snap model.StatusSnapshot
	err  error
}

func (s *scriptedStatus) FetchStatus(ctx context.Context, cursor int) (model.StatusSnapshot, error) {
	s.mu.Lock()
	s.cursors = append(s.cursors, cursor)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.StatusSnapshot{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return model.StatusSnapshot{}, errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.snap, r.err
}

func (s *scriptedStatus) seen() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.cursors...)
}

type fakeCommands struct {
	startErr error
	stopErr  error
	counts   []int
	stops    int
}

func (f *fakeCommands) StartTask(_ context.Context, count int) error {
	f.counts = append(f.counts, count)
	return f.startErr
}

func (f *fakeCommands) StopTask(context.Context) error {
	f.stops++
	return f.stopErr
}

type recordingNotifier struct {
	events []model.RunFinishedEvent
}

func (n *recordingNotifier) NotifyRunFinished(_ context.Context, evt model.RunFinishedEvent) {
	n.events = append(n.events, evt)
}

func newTestMonitor(status StatusSource, opts ...func(*Options)) *Monitor {
	o := Options{
		Status:      status,
		Accounts:    &fakeAccounts{},
		Commands:    &fakeCommands{},
		Bus:         logbus.New(100),
		FeedURL:     testFeedURL,
		FeedPath:    "/video_feed",
		Interval:    10 * time.Millisecond,
		MaxLogLines: 100,
		Now:         func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) },
	}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

func running(logs ...string) statusReply {
	return statusReply{snap: model.StatusSnapshot{CurrentAction: "registering", Success: 3, Fail: 1, TotalInventory: 4, IsRunning: true, Logs: logs}}
}

func idle(logs ...string) statusReply {
	return statusReply{snap: model.StatusSnapshot{CurrentAction: "done", Success: 5, Fail: 1, TotalInventory: 6, Logs: logs}}
}

func TestEndToEndFirstAndSecondPoll(t *testing.T) {
	status := &scriptedStatus{replies: []statusReply{running("line1", "line2"), running()}}
	m := newTestMonitor(status)
	ctx := context.Background()

	if err := m.Pass(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	st := m.State()
	if !reflect.DeepEqual(st.Logs, []string{"line1", "line2"}) {
		t.Fatalf("logs = %v", st.Logs)
	}
	if st.Cursor != 2 {
		t.Fatalf("cursor = %d, want 2", st.Cursor)
	}
	if st.RunState != model.RunStateRunning || !st.Feed.Live {
		t.Fatalf("state = %+v", st)
	}
	if st.Feed.Source != testFeedURL || st.Feed.Generation != 1 {
		t.Fatalf("feed = %+v, want bound once", st.Feed)
	}
	want := model.Metrics{CurrentAction: "registering", Success: 3, Fail: 1, TotalInventory: 4}
	if st.Metrics != want {
		t.Fatalf("metrics = %+v", st.Metrics)
	}

	if err := m.Pass(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	st2 := m.State()
	if !reflect.DeepEqual(st2.Logs, []string{"line1", "line2"}) || st2.Cursor != 2 {
		t.Fatalf("after empty poll: logs=%v cursor=%d", st2.Logs, st2.Cursor)
	}
	if st2.Feed.Generation != 1 {
		t.Fatalf("feed rebound on consecutive RUNNING snapshot: %+v", st2.Feed)
	}
	if got := status.seen(); !reflect.DeepEqual(got, []int{0, 2}) {
		t.Fatalf("cursors sent = %v, want [0 2]", got)
	}
}

func TestCursorEqualsSumOfReceivedLines(t *testing.T) {
	batches := [][]string{{"a"}, nil, {"b", "c", "d"}, {}, {"e", "f"}}
	var replies []statusReply
	for _, b := range batches {
		replies = append(replies, running(b...))
	}
	status := &scriptedStatus{replies: replies}
	m := newTestMonitor(status)

	sum, prev := 0, 0
	for i, b := range batches {
		if err := m.Pass(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		sum += len(b)
		cur := m.State().Cursor
		if cur != sum {
			t.Fatalf("pass %d: cursor = %d, want %d", i, cur, sum)
		}
		if cur < prev {
			t.Fatalf("cursor decreased: %d -> %d", prev, cur)
		}
		prev = cur
	}
}

func TestFailedPassMutatesNothing(t *testing.T) {
	status := &scriptedStatus{replies: []statusReply{
		running("line1"),
		{err: errors.New("connection refused")},
	}}
	m := newTestMonitor(status)
	ctx := context.Background()

	if err := m.Pass(ctx); err != nil {
		t.Fatal(err)
	}
	before := m.State()
	if err := m.Pass(ctx); err == nil {
		t.Fatal("expected failure")
	}
	after := m.State()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed on failed pass:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestIdlePreservesLastFrame(t *testing.T) {
	notifier := &recordingNotifier{}
	status := &scriptedStatus{replies: []statusReply{running(), idle()}}
	m := newTestMonitor(status, func(o *Options) { o.Notifier = notifier })
	ctx := context.Background()

	_ = m.Pass(ctx)
	if err := m.Pass(ctx); err != nil {
		t.Fatal(err)
	}
	st := m.State()
	if st.RunState != model.RunStateIdle {
		t.Fatalf("run state = %v", st.RunState)
	}
	if st.Feed.Source != testFeedURL || st.Feed.Generation != 1 {
		t.Fatalf("idle transition touched the feed source: %+v", st.Feed)
	}
	if st.Feed.Live {
		t.Fatal("feed indicator should be offline")
	}
	if len(notifier.events) != 1 || notifier.events[0].Metrics.Success != 5 {
		t.Fatalf("run finished events = %+v", notifier.events)
	}
}

func TestIdleAtStartupDoesNotBindOrNotify(t *testing.T) {
	notifier := &recordingNotifier{}
	status := &scriptedStatus{replies: []statusReply{idle()}}
	m := newTestMonitor(status, func(o *Options) { o.Notifier = notifier })
	_ = m.Pass(context.Background())
	st := m.State()
	if st.Feed.Source != "" || st.Feed.Generation != 0 {
		t.Fatalf("feed = %+v", st.Feed)
	}
	if len(notifier.events) != 0 {
		t.Fatal("no RUNNING -> IDLE transition happened")
	}
}

func TestExternalDetachCausesRebind(t *testing.T) {
	status := &scriptedStatus{replies: []statusReply{running(), running()}}
	m := newTestMonitor(status)
	_ = m.Pass(context.Background())
	m.DetachFeed()
	_ = m.Pass(context.Background())
	st := m.State()
	if st.Feed.Source != testFeedURL || st.Feed.Generation != 2 {
		t.Fatalf("feed = %+v, want rebind after detach", st.Feed)
	}
}

func TestVisualClearKeepsCursor(t *testing.T) {
	status := &scriptedStatus{replies: []statusReply{running("line1", "line2"), running(), running("line3")}}
	m := newTestMonitor(status)
	ctx := context.Background()

	_ = m.Pass(ctx)
	m.ClearLogs()
	st := m.State()
	if len(st.Logs) != 0 || st.Cursor != 2 {
		t.Fatalf("after clear logs=%v cursor=%d", st.Logs, st.Cursor)
	}
	_ = m.Pass(ctx)
	_ = m.Pass(ctx)
	st = m.State()
	if !reflect.DeepEqual(st.Logs, []string{"line3"}) {
		t.Fatalf("logs after clear = %v, old lines must not reappear", st.Logs)
	}
	if got := status.seen(); !reflect.DeepEqual(got, []int{0, 2, 2}) {
		t.Fatalf("cursors sent = %v", got)
	}
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	status := &scriptedStatus{replies: []statusReply{running("a")}, gate: make(chan struct{})}
	m := newTestMonitor(status)

	done := make(chan error, 1)
	go func() { done <- m.Pass(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for len(status.seen()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first pass never reached the fetch")
		}
		time.Sleep(time.Millisecond)
	}
	if err := m.Pass(context.Background()); !errors.Is(err, ErrPassInFlight) {
		t.Fatalf("overlapping pass err = %v, want ErrPassInFlight", err)
	}
	close(status.gate)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if m.State().Cursor != 1 {
		t.Fatalf("cursor = %d", m.State().Cursor)
	}
}

func TestResponseAfterStopIsDiscarded(t *testing.T) {
	status := &scriptedStatus{replies: []statusReply{running("late")}, gate: make(chan struct{})}
	m := newTestMonitor(status)

	done := make(chan error, 1)
	go func() { done <- m.Pass(context.Background()) }()
	for len(status.seen()) == 0 {
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	close(status.gate)

	if err := <-done; !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	st := m.State()
	if st.Cursor != 0 || len(st.Logs) != 0 || st.RunState != model.RunStateIdle {
		t.Fatalf("late response applied: %+v", st)
	}
	if err := m.Pass(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("pass after stop err = %v", err)
	}
}

func TestRunPollsImmediatelyAndStops(t *testing.T) {
	status := &scriptedStatus{replies: []statusReply{
		{err: errors.New("timeout")},
		running("a"),
		{err: errors.New("bad gateway")},
		running("b"),
	}}
	m := newTestMonitor(status, func(o *Options) { o.Interval = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for len(status.seen()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no immediate pass on Run")
		}
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v after Stop", err)
	}
	m.Wait()
}

func TestRunKeepsTickingAfterFailures(t *testing.T) {
	status := &scriptedStatus{replies: []statusReply{
		{err: errors.New("timeout")},
		{err: errors.New("bad gateway")},
		running("a"),
	}}
	m := newTestMonitor(status)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for m.State().Cursor != 1 {
		if time.Now().After(deadline) {
			t.Fatal("loop did not recover after failed passes")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v", err)
	}
	m.Wait()
}

func TestStartTaskClearsViewAndReturnsVerbatimError(t *testing.T) {
	cmds := &fakeCommands{startErr: errors.New("task already running")}
	status := &scriptedStatus{replies: []statusReply{running("old")}}
	m := newTestMonitor(status, func(o *Options) { o.Commands = cmds })
	_ = m.Pass(context.Background())

	err := m.StartTask(context.Background(), 0)
	if err == nil || err.Error() != "task already running" {
		t.Fatalf("err = %v", err)
	}
	if !reflect.DeepEqual(cmds.counts, []int{1}) {
		t.Fatalf("counts = %v, want coerced to 1", cmds.counts)
	}
	st := m.State()
	if len(st.Logs) != 0 || st.Cursor != 1 {
		t.Fatalf("start should clear view only: %+v", st)
	}
}

func TestStopTaskSwallowsErrors(t *testing.T) {
	bus := logbus.New(10)
	cmds := &fakeCommands{stopErr: errors.New("unreachable")}
	m := newTestMonitor(&scriptedStatus{}, func(o *Options) { o.Commands = cmds; o.Bus = bus })
	m.StopTask(context.Background())
	if cmds.stops != 1 {
		t.Fatalf("stops = %d", cmds.stops)
	}
	logs := bus.Logs()
	if len(logs) == 0 || logs[len(logs)-1].Level != logbus.LevelWarn {
		t.Fatalf("stop failure should be logged: %+v", logs)
	}
}

func TestPassPublishesState(t *testing.T) {
	bus := logbus.New(10)
	ch, cancel := bus.Subscribe(8)
	defer cancel()
	m := newTestMonitor(&scriptedStatus{replies: []statusReply{running("x")}}, func(o *Options) { o.Bus = bus })
	_ = m.Pass(context.Background())
	for {
		select {
		case msg := <-ch:
			if msg.Type != logbus.TopicState {
				continue
			}
			st, ok := msg.Data.(model.UiState)
			if !ok || st.Cursor != 1 {
				t.Fatalf("published state = %#v", msg.Data)
			}
			return
		case <-time.After(time.Second):
			t.Fatal("no state published")
		}
	}
}

func countLogs(bus *logbus.Bus, msg string) int {
	n := 0
	for _, l := range bus.Logs() {
		if l.Msg == msg {
			n++
		}
	}
	return n
}

func TestRunTicksWhileSlowPassInFlight(t *testing.T) {
	status := &scriptedStatus{replies: []statusReply{running("a"), running("b")}, gate: make(chan struct{})}
	bus := logbus.New(500)
	m := newTestMonitor(status, func(o *Options) { o.Bus = bus })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	const skipped = "poll tick skipped, previous pass in flight"
	deadline := time.Now().Add(2 * time.Second)
	for countLogs(bus, skipped) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("ticks stalled behind the slow pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(status.seen()); got != 1 {
		t.Fatalf("fetches while blocked = %d, want 1", got)
	}
	if m.State().Cursor != 0 {
		t.Fatal("state changed before the slow pass returned")
	}

	close(status.gate)
	for m.State().Cursor != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("loop did not continue after the slow pass, cursor = %d", m.State().Cursor)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v", err)
	}
	m.Wait()
}

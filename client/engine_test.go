package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
)

// fakeSource serves canned snapshots and feeds streams through pipes.
type fakeSource struct {
	mu         sync.Mutex
	tasks      []domain.Task
	stats      domain.Stats
	listErr    error
	statsErr   error
	subErrs    []error
	calls      []string
	statsCalls int
	statsGate  chan struct{}
	onList     func()
	onClose    func()
	pipe       *io.PipeWriter
}

func (f *fakeSource) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSource) ListTasks(ctx context.Context) ([]domain.Task, error) {
	f.record("list")
	if f.onList != nil {
		f.onList()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.Task(nil), f.tasks...), nil
}

func (f *fakeSource) Stats(ctx context.Context) (domain.Stats, error) {
	f.record("stats")
	f.mu.Lock()
	f.statsCalls++
	gate := f.statsGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Stats{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return domain.Stats{}, f.statsErr
	}
	return f.stats, nil
}

type closeHook struct {
	io.ReadCloser
	onClose func()
}

func (c closeHook) Close() error {
	if c.onClose != nil {
		c.onClose()
	}
	return c.ReadCloser.Close()
}

func (f *fakeSource) Subscribe(ctx context.Context) (*Stream, error) {
	f.record("subscribe")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subErrs) > 0 {
		err := f.subErrs[0]
		f.subErrs = f.subErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	pr, pw := io.Pipe()
	f.pipe = pw
	return newStream(closeHook{ReadCloser: pr, onClose: f.onClose}), nil
}

func (f *fakeSource) statsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsCalls
}

func (f *fakeSource) send(t *testing.T, ev domain.ChangeEvent) {
	t.Helper()
	data, err := sonic.Marshal(ev.Payload())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	pw := f.pipe
	f.mu.Unlock()
	if _, err := fmt.Fprintf(pw, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (f *fakeSource) endStream() {
	f.mu.Lock()
	pw := f.pipe
	f.mu.Unlock()
	pw.Close()
}

func newTestEngine(src Source) *Engine {
	logger, _ := test.NewNullLogger()
	return NewEngine(src, WithEngineLogger(logger), WithBackoff(time.Millisecond, 5*time.Millisecond))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func statsOf(high, medium, low int) domain.Stats {
	return domain.Stats{
		Total:      high + medium + low,
		ByPriority: map[domain.Priority]int{domain.PriorityHigh: high, domain.PriorityMedium: medium, domain.PriorityLow: low},
	}
}

func TestEngineStartGoesLive(t *testing.T) {
	src := &fakeSource{tasks: []domain.Task{task("1", "a", domain.PriorityHigh)}, stats: statsOf(1, 0, 0)}
	e := newTestEngine(src)
	defer e.Close()

	if e.State() != Disconnected {
		t.Fatalf("expected disconnected before start")
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := e.Snapshot()
	if snap.State != Live || len(snap.Tasks) != 1 || snap.Stats.ByPriority[domain.PriorityHigh] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.LoadingTasks || snap.LoadingStats {
		t.Fatalf("loading flags must be cleared: %+v", snap)
	}
	if src.calls[0] != "subscribe" {
		t.Fatalf("subscription must be opened before the snapshot, calls %v", src.calls)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestEngineAppliesEventsAndRefetchesStats(t *testing.T) {
	src := &fakeSource{stats: statsOf(0, 0, 0)}
	e := newTestEngine(src)
	defer e.Close()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	src.mu.Lock()
	src.stats = statsOf(1, 0, 0)
	src.mu.Unlock()
	src.send(t, domain.Created(task("1", "T1", domain.PriorityHigh)))

	eventually(t, "stats refetch", func() bool {
		s := e.Snapshot()
		return s.Applied == 1 && s.Stats.ByPriority[domain.PriorityHigh] == 1
	})
	if got := e.Snapshot().Tasks; len(got) != 1 || got[0].Title != "T1" {
		t.Fatalf("unexpected view %+v", got)
	}

	src.send(t, domain.Deleted("1"))
	src.send(t, domain.Deleted("1"))
	eventually(t, "deletes", func() bool { return e.Snapshot().Applied == 3 })
	if n := len(e.Snapshot().Tasks); n != 0 {
		t.Fatalf("expected empty view, got %d", n)
	}
}

func TestEngineAppliesEventsReceivedWhileLoading(t *testing.T) {
	src := &fakeSource{tasks: []domain.Task{task("1", "a", domain.PriorityLow)}}
	src.onList = func() {
		// Written before the snapshot returns; applied once live.
		src.mu.Lock()
		pw := src.pipe
		src.mu.Unlock()
		go fmt.Fprint(pw, "event: taskCreated\ndata: {\"id\":\"2\",\"title\":\"b\",\"priority\":\"High\"}\n\n")
	}
	e := newTestEngine(src)
	defer e.Close()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "buffered event", func() bool { return len(e.Snapshot().Tasks) == 2 })
}

func TestEngineCoalescesStatsRefetches(t *testing.T) {
	src := &fakeSource{}
	e := newTestEngine(src)
	defer e.Close()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if src.statsCount() != 1 {
		t.Fatalf("expected one stats fetch on start, got %d", src.statsCount())
	}

	gate := make(chan struct{})
	src.mu.Lock()
	src.statsGate = gate
	src.mu.Unlock()

	src.send(t, domain.Created(task("1", "a", domain.PriorityLow)))
	eventually(t, "in-flight refetch", func() bool { return src.statsCount() == 2 })
	for i := 2; i <= 5; i++ {
		src.send(t, domain.Created(task(fmt.Sprint(i), "x", domain.PriorityLow)))
	}
	eventually(t, "events applied", func() bool { return e.Snapshot().Applied == 5 })

	close(gate)
	eventually(t, "follow-up refetch", func() bool { return src.statsCount() == 3 })
	time.Sleep(30 * time.Millisecond)
	if n := src.statsCount(); n != 3 {
		t.Fatalf("expected refetches to coalesce into 3 calls, got %d", n)
	}
}

func TestEngineSnapshotFailureLeavesViewUntouched(t *testing.T) {
	src := &fakeSource{tasks: []domain.Task{task("1", "a", domain.PriorityLow)}}
	e := newTestEngine(src)
	defer e.Close()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := e.Done()
	src.endStream()
	<-done
	eventually(t, "disconnect", func() bool { return e.State() == Disconnected })
	if !errors.Is(e.Snapshot().Err, ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", e.Snapshot().Err)
	}

	boom := errors.New("list failed")
	src.mu.Lock()
	src.listErr = boom
	src.tasks = nil
	src.mu.Unlock()

	err := e.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected list error, got %v", err)
	}
	snap := e.Snapshot()
	if snap.State != Disconnected || len(snap.Tasks) != 1 || snap.Tasks[0].ID != "1" {
		t.Fatalf("failed fetch must keep the previous view: %+v", snap)
	}
	if !errors.Is(snap.Err, boom) {
		t.Fatalf("expected error surfaced, got %v", snap.Err)
	}
}

func TestEngineStatsFailureStillGoesLive(t *testing.T) {
	boom := errors.New("stats down")
	src := &fakeSource{tasks: []domain.Task{task("1", "a", domain.PriorityLow)}, statsErr: boom}
	e := newTestEngine(src)
	defer e.Close()

	if err := e.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected stats error, got %v", err)
	}
	if e.State() != Live {
		t.Fatalf("expected live despite stats failure")
	}

	src.mu.Lock()
	src.statsErr = nil
	src.stats = statsOf(0, 0, 1)
	src.mu.Unlock()
	if err := e.RefreshStats(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if e.Snapshot().Stats.Total != 1 {
		t.Fatalf("expected refreshed stats")
	}
}

func TestEngineSubscribeFailure(t *testing.T) {
	boom := errors.New("no stream")
	src := &fakeSource{subErrs: []error{boom}}
	e := newTestEngine(src)
	if err := e.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected subscribe error, got %v", err)
	}
	if e.State() != Disconnected {
		t.Fatalf("expected disconnected")
	}
	for _, c := range src.calls {
		if c == "list" {
			t.Fatalf("snapshot must not be fetched without a subscription")
		}
	}
}

func TestEngineCloseUnsubscribesBeforeDiscardingState(t *testing.T) {
	src := &fakeSource{tasks: []domain.Task{task("1", "a", domain.PriorityLow)}}
	e := newTestEngine(src)
	var seenAtClose []domain.Task
	src.onClose = func() { seenAtClose = e.Snapshot().Tasks }
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(seenAtClose) != 1 {
		t.Fatalf("stream must be released while state is still held, saw %v", seenAtClose)
	}
	snap := e.Snapshot()
	if snap.State != Disconnected || len(snap.Tasks) != 0 || snap.Err != nil {
		t.Fatalf("expected cleared state after close, got %+v", snap)
	}
	if _, err := src.pipe.Write([]byte("event: x\n\n")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected subscription released, write err %v", err)
	}
}

func TestEngineRestartDoesNotDuplicateDelivery(t *testing.T) {
	src := &fakeSource{}
	e := newTestEngine(src)
	defer e.Close()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := src.pipe
	e.Close()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := first.Write([]byte("event: taskDeleted\ndata: \"1\"\n\n")); err == nil {
		t.Fatalf("old subscription still accepting events")
	}
	src.send(t, domain.Created(task("1", "a", domain.PriorityLow)))
	eventually(t, "event", func() bool { return e.Snapshot().Applied == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := e.Snapshot().Applied; n != 1 {
		t.Fatalf("expected exactly one delivery, got %d", n)
	}
}

func TestEngineMatchesReferenceMerge(t *testing.T) {
	for seed := int64(1); seed <= 10; seed++ {
		rng := rand.New(rand.NewSource(seed))
		snapshot := []domain.Task{task("t0", "s", domain.PriorityLow), task("t1", "s", domain.PriorityHigh)}
		events := randomEvents(rng, 40)

		src := &fakeSource{tasks: snapshot}
		e := newTestEngine(src)
		if err := e.Start(context.Background()); err != nil {
			t.Fatalf("seed %d: start: %v", seed, err)
		}
		for _, ev := range events {
			src.send(t, ev)
		}
		eventually(t, "all events", func() bool { return e.Snapshot().Applied == len(events) })

		want := referenceMerge(snapshot, events)
		got := e.Snapshot().Tasks
		if len(got) != len(want) {
			t.Fatalf("seed %d: expected %d tasks, got %d", seed, len(want), len(got))
		}
		for _, tk := range got {
			if want[tk.ID] != tk {
				t.Fatalf("seed %d: task %s expected %+v, got %+v", seed, tk.ID, want[tk.ID], tk)
			}
		}
		e.Close()
	}
}

func TestEngineRunReconnectsAfterStreamEnds(t *testing.T) {
	src := &fakeSource{subErrs: []error{errors.New("first attempt fails")}}
	e := newTestEngine(src)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	eventually(t, "live", func() bool { return e.State() == Live })
	src.endStream()
	eventually(t, "resubscribe", func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		n := 0
		for _, c := range src.calls {
			if c == "subscribe" {
				n++
			}
		}
		return n >= 3
	})
	eventually(t, "live again", func() bool { return e.State() == Live })

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if e.State() != Disconnected {
		t.Fatalf("expected disconnected after Run returns")
	}
}

func TestEngineCloseWhileLoadingDoesNotClobberNextStart(t *testing.T) {
	src := &fakeSource{tasks: []domain.Task{task("1", "a", domain.PriorityLow)}, stats: statsOf(0, 0, 1)}
	gate := make(chan struct{})
	var lists int
	src.onList = func() {
		src.mu.Lock()
		lists++
		first := lists == 1
		src.mu.Unlock()
		if first {
			<-gate
		}
	}
	e := newTestEngine(src)
	defer e.Close()

	firstErr := make(chan error, 1)
	go func() { firstErr <- e.Start(context.Background()) }()
	eventually(t, "first load", func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return lists == 1
	})

	e.Close()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	close(gate)
	select {
	case err := <-firstErr:
		if err == nil {
			t.Fatalf("superseded start must fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("superseded start did not return")
	}

	snap := e.Snapshot()
	if snap.State != Live || snap.Err != nil || snap.LoadingTasks || snap.LoadingStats || len(snap.Tasks) != 1 {
		t.Fatalf("second session clobbered: %+v", snap)
	}
	src.send(t, domain.Created(task("2", "b", domain.PriorityHigh)))
	eventually(t, "event on second session", func() bool { return len(e.Snapshot().Tasks) == 2 })
}

func TestEngineRunStopsOnRejectedToken(t *testing.T) {
	src := &fakeSource{subErrs: []error{domain.Unauthorized("invalid token", nil)}}
	e := newTestEngine(src)

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(context.Background()) }()
	select {
	case err := <-runErr:
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run kept retrying a rejected token")
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.calls) != 1 || src.calls[0] != "subscribe" {
		t.Fatalf("expected a single subscribe, calls %v", src.calls)
	}
	if e.State() != Disconnected {
		t.Fatalf("expected disconnected after Run returns")
	}
}

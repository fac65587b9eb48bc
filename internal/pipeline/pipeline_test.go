package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tickerwire/internal/dedup"
	"tickerwire/internal/eventbus"
	"tickerwire/internal/feed"
	"tickerwire/internal/retry"
	"tickerwire/internal/store"
	"tickerwire/pkg/logx"
)

var fastRetry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type fakeSource struct {
	id    string
	mu    sync.Mutex
	items []feed.Item
	err   error
	calls int
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Fetch(ctx context.Context) ([]feed.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]feed.Item, len(f.items))
	copy(out, f.items)
	return out, nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []string
	times   []time.Time
	failKey map[string]error
	block   chan struct{} // when set, Send waits until closed
}

func (f *fakeDispatcher) Send(ctx context.Context, item feed.Item) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failKey[item.Key]; ok {
		return err
	}
	f.sent = append(f.sent, item.Key)
	f.times = append(f.times, time.Now())
	return nil
}

func (f *fakeDispatcher) sentKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func newHarness(t *testing.T, src *fakeSource, disp *fakeDispatcher, maxPerRun int) (*Scheduler, store.Store, eventbus.Bus) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	sched := New(Config{Location: time.UTC, Retry: fastRetry}, st, dedup.New(st, logx.Nop()), disp, bus, logx.Nop())
	if err := sched.Add(Job{Source: src, Trigger: Every(time.Hour), MaxPerRun: maxPerRun}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return sched, st, bus
}

func TestRunDispatchesInOrderAndRecords(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "src", items: []feed.Item{{Key: "k1"}, {Key: "k2"}, {Key: "k3"}}}
	disp := &fakeDispatcher{}
	sched, st, _ := newHarness(t, src, disp, 0)

	if err := sched.RunNow(context.Background(), "src"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	got := disp.sentKeys()
	if len(got) != 3 || got[0] != "k1" || got[1] != "k2" || got[2] != "k3" {
		t.Fatalf("sent %v, want [k1 k2 k3]", got)
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		seen, err := st.HasSeen(context.Background(), "src", k)
		if err != nil || !seen {
			t.Fatalf("HasSeen(%s) = %v, %v", k, seen, err)
		}
	}

	// A second cycle over the same batch delivers nothing.
	if err := sched.RunNow(context.Background(), "src"); err != nil {
		t.Fatalf("RunNow second: %v", err)
	}
	if got := disp.sentKeys(); len(got) != 3 {
		t.Fatalf("second run re-delivered: %v", got)
	}
}

func TestFailedDispatchStaysUnseenAndRetriesNextRun(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "src", items: []feed.Item{{Key: "k1"}, {Key: "k2"}, {Key: "k3"}}}
	disp := &fakeDispatcher{failKey: map[string]error{
		"k2": retry.Permanent(errors.New("rejected")),
	}}
	sched, st, _ := newHarness(t, src, disp, 0)

	if err := sched.RunNow(context.Background(), "src"); err != nil {
		t.Fatalf("RunNow: %v (partial failure must not fail the run)", err)
	}
	if got := disp.sentKeys(); len(got) != 2 || got[0] != "k1" || got[1] != "k3" {
		t.Fatalf("sent %v, want [k1 k3]", got)
	}
	if seen, _ := st.HasSeen(context.Background(), "src", "k2"); seen {
		t.Fatal("failed dispatch must not be recorded as seen")
	}

	// Next cycle only the failed item is still pending.
	disp.mu.Lock()
	delete(disp.failKey, "k2")
	disp.mu.Unlock()
	if err := sched.RunNow(context.Background(), "src"); err != nil {
		t.Fatalf("RunNow second: %v", err)
	}
	got := disp.sentKeys()
	if len(got) != 3 || got[2] != "k2" {
		t.Fatalf("sent %v, want k2 delivered on retry run", got)
	}
}

func TestAllDispatchesFailedFailsRun(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "src", items: []feed.Item{{Key: "k1"}, {Key: "k2"}}}
	disp := &fakeDispatcher{failKey: map[string]error{
		"k1": retry.Permanent(errors.New("down")),
		"k2": retry.Permanent(errors.New("down")),
	}}
	sched, st, _ := newHarness(t, src, disp, 0)

	err := sched.RunNow(context.Background(), "src")
	if err == nil {
		t.Fatal("expected run failure when every dispatch fails")
	}
	if !strings.Contains(err.Error(), "all 2 dispatches failed") {
		t.Fatalf("err = %v", err)
	}
	if seen, _ := st.HasSeen(context.Background(), "src", "k1"); seen {
		t.Fatal("nothing should be recorded")
	}
}

func TestFetchFailureFailsRunAndCountsInSnapshot(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "src", err: retry.Permanent(errors.New("401"))}
	sched, _, _ := newHarness(t, src, &fakeDispatcher{}, 0)

	if err := sched.RunNow(context.Background(), "src"); err == nil {
		t.Fatal("expected fetch failure to fail the run")
	}
	if err := sched.RunNow(context.Background(), "src"); err == nil {
		t.Fatal("expected fetch failure to fail the run")
	}

	snap := sched.Snapshot()
	if len(snap.Jobs) != 1 {
		t.Fatalf("snapshot has %d jobs", len(snap.Jobs))
	}
	if snap.Jobs[0].ConsecutiveFailures != 2 {
		t.Fatalf("consecutive failures = %d, want 2", snap.Jobs[0].ConsecutiveFailures)
	}
	if snap.Jobs[0].LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestMaxPerRunCapsAndCarriesOver(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "src", items: []feed.Item{
		{Key: "k1"}, {Key: "k2"}, {Key: "k3"}, {Key: "k4"}, {Key: "k5"},
	}}
	disp := &fakeDispatcher{}
	sched, _, _ := newHarness(t, src, disp, 2)

	if err := sched.RunNow(context.Background(), "src"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if got := disp.sentKeys(); len(got) != 2 || got[0] != "k1" || got[1] != "k2" {
		t.Fatalf("sent %v, want [k1 k2]", got)
	}

	if err := sched.RunNow(context.Background(), "src"); err != nil {
		t.Fatalf("RunNow second: %v", err)
	}
	if got := disp.sentKeys(); len(got) != 4 || got[2] != "k3" || got[3] != "k4" {
		t.Fatalf("sent %v, want overflow picked up next run", got)
	}
}

func TestOverlappingRunIsRejected(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "src", items: []feed.Item{{Key: "k1"}}}
	disp := &fakeDispatcher{block: make(chan struct{})}
	sched, _, _ := newHarness(t, src, disp, 0)

	firstDone := make(chan error, 1)
	go func() { firstDone <- sched.RunNow(context.Background(), "src") }()

	// Wait for the first run to reach the blocked dispatcher.
	deadline := time.After(2 * time.Second)
	for {
		src.mu.Lock()
		started := src.calls > 0
		src.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(10 * time.Millisecond)

	if err := sched.RunNow(context.Background(), "src"); err == nil {
		t.Fatal("second run should be rejected while the first is in flight")
	}

	close(disp.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestJobFailureIsolatedFromSiblings(t *testing.T) {
	t.Parallel()
	broken := &fakeSource{id: "broken", err: retry.Permanent(errors.New("boom"))}
	healthy := &fakeSource{id: "healthy", items: []feed.Item{{Key: "h1"}}}
	disp := &fakeDispatcher{}

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	sched := New(Config{Location: time.UTC, Retry: fastRetry}, st, dedup.New(st, logx.Nop()), disp, eventbus.New(), logx.Nop())
	for _, src := range []*fakeSource{broken, healthy} {
		if err := sched.Add(Job{Source: src, Trigger: Every(time.Hour)}); err != nil {
			t.Fatalf("Add(%s): %v", src.id, err)
		}
	}

	if err := sched.RunNow(context.Background(), "broken"); err == nil {
		t.Fatal("broken job should fail")
	}
	if err := sched.RunNow(context.Background(), "healthy"); err != nil {
		t.Fatalf("healthy job dragged down: %v", err)
	}
	if got := disp.sentKeys(); len(got) != 1 || got[0] != "h1" {
		t.Fatalf("sent %v, want [h1]", got)
	}
}

func TestPacingSpacesConsecutiveDispatches(t *testing.T) {
	t.Parallel()
	const pace = 50 * time.Millisecond
	src := &fakeSource{id: "src", items: []feed.Item{{Key: "k1"}, {Key: "k2"}, {Key: "k3"}}}
	disp := &fakeDispatcher{}

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	sched := New(Config{Location: time.UTC, Retry: fastRetry, Pace: pace}, st, dedup.New(st, logx.Nop()), disp, eventbus.New(), logx.Nop())
	if err := sched.Add(Job{Source: src, Trigger: Every(time.Hour)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := sched.RunNow(context.Background(), "src"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	disp.mu.Lock()
	times := append([]time.Time(nil), disp.times...)
	disp.mu.Unlock()
	if len(times) != 3 {
		t.Fatalf("got %d sends, want 3", len(times))
	}
	// The limiter guarantees at least the pace between sends; allow a
	// little slack for timestamping around the Wait.
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < pace-10*time.Millisecond {
			t.Fatalf("gap %d = %v, want >= %v", i, gap, pace)
		}
	}
}

func TestStopAbandonsBlockedRunWithoutMarking(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "src", items: []feed.Item{{Key: "k1"}}}
	disp := &fakeDispatcher{block: make(chan struct{})}

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	sched := New(Config{
		Location:      time.UTC,
		Retry:         fastRetry,
		ShutdownGrace: 50 * time.Millisecond,
	}, st, dedup.New(st, logx.Nop()), disp, eventbus.New(), logx.Nop())
	if err := sched.Add(Job{Source: src, Trigger: Every(20 * time.Millisecond)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for a triggered run to fetch and block inside dispatch. Cron
	// rounds sub-second @every delays up, so the first fire lands about a
	// second after Start.
	deadline := time.After(3 * time.Second)
	for {
		src.mu.Lock()
		started := src.calls > 0
		src.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never started")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	sched.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Stop took %v, want bounded by the grace", elapsed)
	}

	// The abandoned run was cancelled mid-dispatch; the item must not
	// have been recorded as delivered.
	stopDeadline := time.After(2 * time.Second)
	for {
		if !sched.Snapshot().Jobs[0].Running {
			break
		}
		select {
		case <-stopDeadline:
			t.Fatal("run never unwound after cancel")
		case <-time.After(time.Millisecond):
		}
	}
	if seen, err := st.HasSeen(context.Background(), "src", "k1"); err != nil || seen {
		t.Fatalf("HasSeen = %v, %v; blocked item must stay unseen", seen, err)
	}
}

func TestRunEventsPublished(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "src", items: []feed.Item{{Key: "k1"}}}
	sched, _, bus := newHarness(t, src, &fakeDispatcher{}, 0)

	events, unsub := bus.Subscribe(16)
	defer unsub()

	if err := sched.RunNow(context.Background(), "src"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	want := map[string]bool{eventbus.RunStarted: false, eventbus.ItemSent: false, eventbus.RunFinished: false}
	timeout := time.After(time.Second)
	for {
		missing := false
		for _, seen := range want {
			if !seen {
				missing = true
			}
		}
		if !missing {
			break
		}
		select {
		case ev := <-events:
			if _, ok := want[ev.Type]; ok {
				want[ev.Type] = true
			}
			if ev.Type == eventbus.RunFinished {
				run, ok := ev.Data.(eventbus.RunEvent)
				if !ok || run.Sent != 1 {
					t.Fatalf("RunFinished payload = %#v", ev.Data)
				}
			}
		case <-timeout:
			t.Fatalf("missing events: %v", want)
		}
	}
}

func TestTriggerSpecs(t *testing.T) {
	t.Parallel()
	spec, err := Every(15 * time.Minute).spec()
	if err != nil || spec != "@every 15m0s" {
		t.Fatalf("Every spec = %q, %v", spec, err)
	}
	spec, err = DailyAt("08:30").spec()
	if err != nil || spec != "30 8 * * *" {
		t.Fatalf("DailyAt spec = %q, %v", spec, err)
	}
	if _, err := DailyAt("25:00").spec(); err == nil {
		t.Fatal("bad hour accepted")
	}
	if _, err := (Trigger{}).spec(); err == nil {
		t.Fatal("empty trigger accepted")
	}
}

package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/toolhunt/enrich-scheduler/internal/domain/enrichment"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]enrichment.WorkItem
	errs    []error
	calls   int
	onFetch func(call int)
}

func (f *fakeSource) FetchBatch(context.Context) ([]enrichment.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := f.calls
	f.calls++
	if f.onFetch != nil {
		f.onFetch(call)
	}

	var err error
	if call < len(f.errs) {
		err = f.errs[call]
	}
	if err != nil {
		return nil, err
	}
	if call < len(f.batches) {
		return f.batches[call], nil
	}
	return nil, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	outcomes   []enrichment.DispatchOutcome
	seen       []enrichment.WorkItem
	panicOn    int
	onDispatch func(call int)
}

func (f *fakeDispatcher) Dispatch(_ context.Context, item enrichment.WorkItem) enrichment.DispatchOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := len(f.seen)
	f.seen = append(f.seen, item)
	if f.onDispatch != nil {
		f.onDispatch(call)
	}
	if f.panicOn > 0 && call+1 == f.panicOn {
		panic("dispatcher blew up")
	}
	if call < len(f.outcomes) {
		return f.outcomes[call]
	}
	return enrichment.Success("")
}

type recordingRecorder struct {
	mu     sync.Mutex
	events []enrichment.DispatchEvent
}

func (r *recordingRecorder) UpsertEvent(_ context.Context, event enrichment.DispatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func newTestScheduler(source enrichment.Source, dispatcher enrichment.Dispatcher, recorder enrichment.EventRecorder, cfg SchedulerConfig) *SchedulerService {
	svc := NewSchedulerService(source, dispatcher, recorder, cfg, nil)
	svc.sleepChunk = 5 * time.Millisecond
	return svc
}

func TestRun_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	dispatcher := &fakeDispatcher{}

	cases := []struct {
		name string
		svc  *SchedulerService
	}{
		{"nil source", newTestScheduler(nil, dispatcher, nil, SchedulerConfig{TickInterval: time.Second})},
		{"nil dispatcher", newTestScheduler(source, nil, nil, SchedulerConfig{TickInterval: time.Second})},
		{"zero interval", newTestScheduler(source, dispatcher, nil, SchedulerConfig{TickInterval: 0})},
		{"negative duration", newTestScheduler(source, dispatcher, nil, SchedulerConfig{TickInterval: time.Second, RunDuration: -time.Second})},
	}

	for _, tc := range cases {
		if _, err := tc.svc.Run(context.Background()); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestRun_StopsOnDeadline(t *testing.T) {
	t.Parallel()

	source := &fakeSource{batches: [][]enrichment.WorkItem{{{}}, {{}}, {{}}, {{}}}}
	dispatcher := &fakeDispatcher{}
	svc := newTestScheduler(source, dispatcher, nil, SchedulerConfig{
		Mode:         "invoke",
		TickInterval: 20 * time.Millisecond,
		RunDuration:  70 * time.Millisecond,
	})

	start := time.Now()
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.StopReason != StopDeadline {
		t.Fatalf("expected deadline stop, got %s", report.StopReason)
	}
	if report.Ticks == 0 {
		t.Fatalf("expected at least one tick")
	}
	// D + T + one sleep chunk, with generous slack for slow CI.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("run overshot its deadline bound: %s", elapsed)
	}
}

func TestRun_StopsOnShutdownSignal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{}
	source.onFetch = func(call int) {
		if call == 2 {
			cancel()
		}
	}
	source.batches = [][]enrichment.WorkItem{{{}}, {{}}, {{}}, {{}}, {{}}}

	dispatcher := &fakeDispatcher{}
	svc := newTestScheduler(source, dispatcher, nil, SchedulerConfig{
		Mode:         "invoke",
		TickInterval: 10 * time.Millisecond,
		// Unbounded: only the signal can stop this run.
		RunDuration: 0,
	})

	done := make(chan struct{})
	var report RunReport
	var runErr error
	go func() {
		report, runErr = svc.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after shutdown request")
	}

	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if report.StopReason != StopShutdown {
		t.Fatalf("expected shutdown stop, got %s", report.StopReason)
	}
}

func TestRun_ShutdownWaitsForInFlightDispatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	items := []enrichment.WorkItem{
		{ID: "tool-1", TargetURL: "https://github.com/acme/one"},
		{ID: "tool-2", TargetURL: "https://github.com/acme/two"},
	}
	source := &fakeSource{batches: [][]enrichment.WorkItem{items}}
	dispatcher := &fakeDispatcher{}
	// The signal arrives while the first dispatch is still running.
	dispatcher.onDispatch = func(call int) {
		if call == 0 {
			cancel()
			time.Sleep(30 * time.Millisecond)
		}
	}
	recorder := &recordingRecorder{}

	svc := newTestScheduler(source, dispatcher, recorder, SchedulerConfig{
		Mode:         "batch",
		TickInterval: 5 * time.Millisecond,
	})

	report, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.StopReason != StopShutdown {
		t.Fatalf("expected shutdown stop, got %s", report.StopReason)
	}
	if len(dispatcher.seen) != 1 {
		t.Fatalf("expected only the in-flight dispatch to run, got %d", len(dispatcher.seen))
	}
	if report.Dispatched != 1 || report.Succeeded != 1 {
		t.Fatalf("in-flight dispatch should complete and classify normally: %+v", report)
	}
	if len(recorder.events) != 2 {
		t.Fatalf("expected sent + final events for the in-flight dispatch, got %d", len(recorder.events))
	}
	if recorder.events[1].Status != enrichment.StatusCompleted {
		t.Fatalf("expected completed status, got %s", recorder.events[1].Status)
	}
}

func TestRun_BatchFailureDoesNotAbortTick(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	items := []enrichment.WorkItem{
		{ID: "tool-1", TargetURL: "https://github.com/acme/one"},
		{ID: "tool-2", TargetURL: "https://github.com/acme/two"},
		{ID: "tool-3", TargetURL: "https://github.com/acme/three"},
	}
	source := &fakeSource{batches: [][]enrichment.WorkItem{items}}
	source.onFetch = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	dispatcher := &fakeDispatcher{outcomes: []enrichment.DispatchOutcome{
		enrichment.Success(""),
		enrichment.RemoteError(500, "boom"),
		enrichment.Success(""),
	}}
	recorder := &recordingRecorder{}

	svc := newTestScheduler(source, dispatcher, recorder, SchedulerConfig{
		Mode:         "batch",
		TickInterval: 5 * time.Millisecond,
	})

	report, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.Dispatched != 3 {
		t.Fatalf("expected all 3 items dispatched, got %d", report.Dispatched)
	}
	if report.Succeeded != 2 || report.RemoteErrors != 1 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	for i, item := range dispatcher.seen {
		if item.ID != items[i].ID {
			t.Fatalf("dispatch order broken at %d: got %s want %s", i, item.ID, items[i].ID)
		}
	}
	// The second fetch proves the run continued past the mid-batch failure.
	if source.calls < 2 {
		t.Fatalf("expected a second tick after the failing batch, fetch calls=%d", source.calls)
	}

	// Each item records a sent event and then its final status under the
	// same dispatch id.
	if len(recorder.events) != 6 {
		t.Fatalf("expected 6 recorded events, got %d", len(recorder.events))
	}
	for i := 0; i < len(recorder.events); i += 2 {
		sent, final := recorder.events[i], recorder.events[i+1]
		if sent.Status != enrichment.StatusSent {
			t.Fatalf("event %d: expected sent status, got %s", i, sent.Status)
		}
		if sent.DispatchID != final.DispatchID {
			t.Fatalf("dispatch id changed between sent and final: %q vs %q", sent.DispatchID, final.DispatchID)
		}
	}
	if recorder.events[1].Status != enrichment.StatusCompleted {
		t.Fatalf("expected completed status, got %s", recorder.events[1].Status)
	}
	if recorder.events[3].Status != enrichment.StatusFailed {
		t.Fatalf("expected failed status for remote error, got %s", recorder.events[3].Status)
	}
}

func TestRun_FetchErrorSkipsTickAndContinues(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{
		errs:    []error{errors.New("rpc unavailable")},
		batches: [][]enrichment.WorkItem{nil, {{ID: "tool-9", TargetURL: "https://github.com/acme/nine"}}},
	}
	source.onFetch = func(call int) {
		if call == 2 {
			cancel()
		}
	}
	dispatcher := &fakeDispatcher{}

	svc := newTestScheduler(source, dispatcher, nil, SchedulerConfig{
		Mode:         "batch",
		TickInterval: 5 * time.Millisecond,
	})

	report, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.FetchFailures != 1 {
		t.Fatalf("expected 1 fetch failure, got %d", report.FetchFailures)
	}
	if report.Dispatched != 1 {
		t.Fatalf("expected the failing tick to dispatch nothing and the next to dispatch one, got %d", report.Dispatched)
	}
	if len(dispatcher.seen) != 1 || dispatcher.seen[0].ID != "tool-9" {
		t.Fatalf("unexpected dispatches: %+v", dispatcher.seen)
	}
}

func TestRun_PanicInTickIsFatal(t *testing.T) {
	t.Parallel()

	source := &fakeSource{batches: [][]enrichment.WorkItem{{{}}}}
	dispatcher := &fakeDispatcher{panicOn: 1}
	svc := newTestScheduler(source, dispatcher, nil, SchedulerConfig{
		Mode:         "invoke",
		TickInterval: 5 * time.Millisecond,
	})

	report, err := svc.Run(context.Background())
	if !errors.Is(err, ErrUnexpectedTickFault) {
		t.Fatalf("expected ErrUnexpectedTickFault, got %v", err)
	}
	if report.StopReason != StopFault {
		t.Fatalf("expected fault stop, got %s", report.StopReason)
	}
}

func TestDispatchID_IsStableWithinTickSlot(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)
	got := dispatchID("batch", "tool/42 beta", at, 5*time.Minute)

	want := "batch-tool-42-beta-20260314T092500Z"
	if got != want {
		t.Fatalf("unexpected dispatch id: got=%q want=%q", got, want)
	}
}

func TestSanitizeIDSegment_EmptyFallback(t *testing.T) {
	t.Parallel()

	if got := sanitizeIDSegment(" \t "); got != "unknown" {
		t.Fatalf("unexpected fallback: %q", got)
	}
}

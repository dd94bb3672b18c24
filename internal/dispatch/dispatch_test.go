package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/mealsync/internal/connectivity"
	"github.com/clawinfra/mealsync/internal/offline"
	"github.com/clawinfra/mealsync/internal/storage"
	"github.com/clawinfra/mealsync/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubTransport struct {
	mu    sync.Mutex
	sent  []types.QueuedAction
	reply func(a types.QueuedAction) ([]types.SyncResult, error)
}

func (s *stubTransport) SubmitBatch(ctx context.Context, actions []types.QueuedAction) ([]types.SyncResult, error) {
	s.mu.Lock()
	s.sent = append(s.sent, actions...)
	reply := s.reply
	s.mu.Unlock()
	if reply != nil {
		return reply(actions[0])
	}
	results := make([]types.SyncResult, len(actions))
	for i, a := range actions {
		results[i] = types.SyncResult{ID: a.ID, Success: true}
	}
	return results, nil
}

func (s *stubTransport) sentTypes() []types.ActionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ActionType, len(s.sent))
	for i, a := range s.sent {
		out[i] = a.Type
	}
	return out
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func setup(t *testing.T, online bool, tr *stubTransport) (*Dispatcher, *offline.Queue, *connectivity.Manual) {
	t.Helper()
	monitor := connectivity.NewManual(online, testLogger())
	q, err := offline.New(storage.NewMemoryStore(), tr, monitor, testLogger())
	if err != nil {
		t.Fatalf("offline.New: %v", err)
	}
	return New(q, tr, monitor, testLogger()), q, monitor
}

var sample = types.WeightPayload{Weight: 70, Date: "2024-01-01"}

func TestSubmitOnlineApplies(t *testing.T) {
	tr := &stubTransport{}
	d, q, _ := setup(t, true, tr)

	out, err := d.Submit(context.Background(), types.ActionAddWeight, sample)
	if err != nil || out != Applied {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount = %d", q.PendingCount())
	}
	if tr.count() != 1 {
		t.Errorf("sent %d", tr.count())
	}
}

func TestSubmitOfflineDefers(t *testing.T) {
	tr := &stubTransport{}
	d, q, _ := setup(t, false, tr)

	out, err := d.Submit(context.Background(), types.ActionAddWeight, sample)
	if err != nil || out != Deferred {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	if q.PendingCount() != 1 || tr.count() != 0 {
		t.Errorf("pending=%d sent=%d", q.PendingCount(), tr.count())
	}
}

func TestSubmitDeferOption(t *testing.T) {
	tr := &stubTransport{}
	d, q, _ := setup(t, true, tr)

	out, err := d.Submit(context.Background(), types.ActionAddMeal, types.MealPayload{Name: "oats"}, Defer())
	if err != nil || out != Deferred {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	if q.PendingCount() != 1 || tr.count() != 0 {
		t.Errorf("pending=%d sent=%d", q.PendingCount(), tr.count())
	}
}

func TestSubmitTransportFailureDefersWithSameID(t *testing.T) {
	tr := &stubTransport{reply: func(types.QueuedAction) ([]types.SyncResult, error) {
		return nil, errors.New("connection refused")
	}}
	d, q, _ := setup(t, true, tr)

	out, err := d.Submit(context.Background(), types.ActionAddWeight, sample)
	if err != nil || out != Deferred {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].ID != tr.sent[0].ID {
		t.Errorf("queued %+v, sent %+v", snap, tr.sent)
	}
}

func TestSubmitPanicDefers(t *testing.T) {
	tr := &stubTransport{reply: func(types.QueuedAction) ([]types.SyncResult, error) {
		panic("boom")
	}}
	d, q, _ := setup(t, true, tr)

	out, err := d.Submit(context.Background(), types.ActionAddWeight, sample)
	if err != nil || out != Deferred {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	if q.PendingCount() != 1 {
		t.Errorf("PendingCount = %d", q.PendingCount())
	}
}

func TestSubmitRejectedIsNotQueued(t *testing.T) {
	tr := &stubTransport{reply: func(a types.QueuedAction) ([]types.SyncResult, error) {
		return []types.SyncResult{{ID: a.ID, Success: false, Error: "weight out of range"}}, nil
	}}
	d, q, _ := setup(t, true, tr)

	out, err := d.Submit(context.Background(), types.ActionAddWeight, types.WeightPayload{Weight: -1})
	if !errors.Is(err, ErrRejected) || out != Rejected {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	if q.PendingCount() != 0 {
		t.Errorf("rejected action queued")
	}
}

func TestSubmitMissingResultDefers(t *testing.T) {
	tr := &stubTransport{reply: func(types.QueuedAction) ([]types.SyncResult, error) {
		return []types.SyncResult{{ID: "someone-else", Success: true}}, nil
	}}
	d, q, _ := setup(t, true, tr)

	out, err := d.Submit(context.Background(), types.ActionAddWeight, sample)
	if err != nil || out != Deferred {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	if q.PendingCount() != 1 {
		t.Errorf("PendingCount = %d", q.PendingCount())
	}
}

func TestSubmitUnknownType(t *testing.T) {
	d, q, _ := setup(t, true, &stubTransport{})
	out, err := d.Submit(context.Background(), types.ActionType("rename"), sample)
	if !errors.Is(err, offline.ErrUnknownActionType) || out != Failed {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	if q.PendingCount() != 0 {
		t.Error("invalid action queued")
	}
}

func TestSubmitPreservesCallOrder(t *testing.T) {
	release := make(chan struct{})
	first := true
	tr := &stubTransport{}
	tr.reply = func(a types.QueuedAction) ([]types.SyncResult, error) {
		if first {
			first = false
			<-release
		}
		return []types.SyncResult{{ID: a.ID, Success: true}}, nil
	}
	d, _, _ := setup(t, true, tr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Submit(context.Background(), types.ActionAddWeight, types.WeightPayload{Weight: 1}) //nolint:errcheck
	}()
	// Let the first submit reach the transport.
	for tr.count() == 0 {
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		d.Submit(context.Background(), types.ActionAddWeight, types.WeightPayload{Weight: 2}) //nolint:errcheck
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second submit finished before the first")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	wg.Wait()
	<-done

	if tr.count() != 2 {
		t.Fatalf("sent %d", tr.count())
	}
	if string(tr.sent[0].Payload) != `{"weight":1,"date":""}` {
		t.Errorf("first sent = %s", tr.sent[0].Payload)
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{
		Failed:      "failed",
		Applied:     "applied",
		Deferred:    "deferred",
		Rejected:    "rejected",
		Outcome(42): "outcome(42)",
	}
	for o, want := range cases {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(o), o.String(), want)
		}
	}
}

func TestSubmitWithBacklogReplaysInOrder(t *testing.T) {
	tr := &stubTransport{}
	d, q, monitor := setup(t, false, tr)

	meal := types.MealPayload{MealID: "m1", Name: "oats", Calories: 300}
	if out, err := d.Submit(context.Background(), types.ActionAddMeal, meal); err != nil || out != Deferred {
		t.Fatalf("offline Submit = %v, %v", out, err)
	}
	monitor.SetOnline(true)

	meal.Name = "porridge"
	out, err := d.Submit(context.Background(), types.ActionUpdateMeal, meal)
	if err != nil || out != Applied {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount = %d", q.PendingCount())
	}
	got := tr.sentTypes()
	if len(got) != 2 || got[0] != types.ActionAddMeal || got[1] != types.ActionUpdateMeal {
		t.Errorf("sent %v, want [add_meal update_meal]", got)
	}
}

func TestSubmitWithBacklogStaysBehindItWhenUnreachable(t *testing.T) {
	tr := &stubTransport{reply: func(types.QueuedAction) ([]types.SyncResult, error) {
		return nil, errors.New("connection refused")
	}}
	d, q, monitor := setup(t, false, tr)

	if _, err := d.Submit(context.Background(), types.ActionAddMeal, types.MealPayload{MealID: "m1", Name: "oats"}); err != nil {
		t.Fatal(err)
	}
	monitor.SetOnline(true)

	out, err := d.Submit(context.Background(), types.ActionDeleteMeal, types.MealRefPayload{MealID: "m1"})
	if err != nil || out != Deferred {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].Type != types.ActionAddMeal || snap[1].Type != types.ActionDeleteMeal {
		t.Errorf("queue = %+v", snap)
	}
	if got := tr.sentTypes(); len(got) != 2 || got[0] != types.ActionAddMeal {
		t.Errorf("sent %v, want the queued add_meal first", got)
	}
}

// blockingTransport holds every batch until the request context ends.
type blockingTransport struct {
	started chan types.QueuedAction
}

func (b *blockingTransport) SubmitBatch(ctx context.Context, actions []types.QueuedAction) ([]types.SyncResult, error) {
	b.started <- actions[0]
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSubmitCancelledMidFlightReportsDeferred(t *testing.T) {
	tr := &blockingTransport{started: make(chan types.QueuedAction, 1)}
	monitor := connectivity.NewManual(true, testLogger())
	q, err := offline.New(storage.NewMemoryStore(), tr, monitor, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	d := New(q, tr, monitor, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := d.Submit(ctx, types.ActionAddWeight, sample)
		done <- result{out, err}
	}()

	var sent types.QueuedAction
	select {
	case sent = <-tr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("transport never called")
	}
	cancel()

	var r result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancel")
	}
	if r.err != nil || r.out != Deferred {
		t.Fatalf("Submit = %v, %v", r.out, r.err)
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].ID != sent.ID {
		t.Errorf("queue = %+v, sent id %s", snap, sent.ID)
	}
}

func TestSubmitCancelledBeforeTurnIsNotQueued(t *testing.T) {
	tr := &stubTransport{}
	d, q, _ := setup(t, true, tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := d.Submit(ctx, types.ActionAddWeight, sample)
	if !errors.Is(err, context.Canceled) || out != Failed {
		t.Fatalf("Submit = %v, %v", out, err)
	}
	if q.PendingCount() != 0 || tr.count() != 0 {
		t.Errorf("pending=%d sent=%d", q.PendingCount(), tr.count())
	}
}

package serial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSlowThenFastRunsInSubmissionOrder(t *testing.T) {
	q := New()
	ctx := context.Background()

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	a := Submit(q, ctx, func(ctx context.Context) (string, error) {
		record("A start")
		time.Sleep(50 * time.Millisecond)
		record("A end")
		return "a", nil
	})
	b := Submit(q, ctx, func(ctx context.Context) (string, error) {
		record("B start")
		record("B end")
		return "b", nil
	})

	if v, err := b.Wait(ctx); err != nil || v != "b" {
		t.Fatalf("B = %q, %v", v, err)
	}
	if v, err := a.Wait(ctx); err != nil || v != "a" {
		t.Fatalf("A = %q, %v", v, err)
	}

	want := []string{"A start", "A end", "B start", "B end"}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestFailureDoesNotPoisonSuccessors(t *testing.T) {
	q := New()
	ctx := context.Background()
	boom := errors.New("boom")

	failed := Submit(q, ctx, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	ok := Submit(q, ctx, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	if _, err := failed.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if failed.State() != StateFailed {
		t.Errorf("failed state = %s", failed.State())
	}
	v, err := ok.Wait(ctx)
	if err != nil || v != 42 {
		t.Fatalf("successor = %d, %v", v, err)
	}
	if ok.State() != StateSucceeded {
		t.Errorf("ok state = %s", ok.State())
	}
}

func TestPanicIsRecoveredAndChainContinues(t *testing.T) {
	q := New()
	ctx := context.Background()

	_, err := Do(q, ctx, func(ctx context.Context) (struct{}, error) {
		panic("kaboom")
	})
	if !errors.Is(err, ErrPanicked) {
		t.Fatalf("expected ErrPanicked, got %v", err)
	}

	v, err := Do(q, ctx, func(ctx context.Context) (string, error) {
		return "still alive", nil
	})
	if err != nil || v != "still alive" {
		t.Fatalf("after panic = %q, %v", v, err)
	}
}

func TestNextStartsOnlyAfterPreviousSettles(t *testing.T) {
	q := New()
	ctx := context.Background()

	release := make(chan struct{})
	first := Submit(q, ctx, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	started := make(chan struct{})
	second := Submit(q, ctx, func(ctx context.Context) (int, error) {
		close(started)
		return 2, nil
	})

	select {
	case <-started:
		t.Fatal("second started before first settled")
	case <-time.After(30 * time.Millisecond):
	}
	if second.State() != StateQueued {
		t.Errorf("second state = %s, want queued", second.State())
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}

	close(release)
	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := second.Wait(ctx); err != nil {
		t.Fatalf("second: %v", err)
	}
	<-second.Done()
	if q.Len() != 0 {
		t.Errorf("Len() = %d after drain, want 0", q.Len())
	}
}

func TestCancelledContextSkipsOperation(t *testing.T) {
	q := New()
	release := make(chan struct{})
	Submit(q, context.Background(), func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	f := Submit(q, ctx, func(ctx context.Context) (int, error) {
		ran = true
		return 1, nil
	})
	cancel()
	close(release)

	<-f.Done()
	if ran {
		t.Error("operation ran despite cancelled context")
	}
	if _, err := f.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWaitRespectsCallerContext(t *testing.T) {
	q := New()
	release := make(chan struct{})
	defer close(release)

	f := Submit(q, context.Background(), func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestManyConcurrentSubmittersNeverOverlap(t *testing.T) {
	q := New()
	ctx := context.Background()

	var running, maxRunning int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Do(q, ctx, func(ctx context.Context) (int, error) {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return 0, nil
			})
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Fatalf("max concurrent operations = %d, want 1", maxRunning)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateQueued, "queued"},
		{StateRunning, "running"},
		{StateSucceeded, "succeeded"},
		{StateFailed, "failed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
	if StateRunning.Settled() || !StateFailed.Settled() {
		t.Error("Settled() mismatch")
	}
}

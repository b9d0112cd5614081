package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSize(t *testing.T) {
	tests := []struct {
		handlers int
		cap      int
		want     int
	}{
		{handlers: 0, cap: 50, want: 6},
		{handlers: 2, cap: 50, want: 10},
		{handlers: 22, cap: 50, want: 50},
		{handlers: 500, cap: 50, want: 50},
		{handlers: 1, cap: 0, want: 8},
		{handlers: -4, cap: 50, want: 6},
		{handlers: 4, cap: 1, want: 3},
		{handlers: 0, cap: 2, want: 3},
	}

	for _, tt := range tests {
		if got := Size(tt.handlers, tt.cap); got != tt.want {
			t.Fatalf("Size(%d, %d) = %d, want %d", tt.handlers, tt.cap, got, tt.want)
		}
	}
}

func TestSizeNeverBelowFloorUpToCap(t *testing.T) {
	for handlers := 0; handlers < 100; handlers++ {
		got := Size(handlers, 50)
		want := min(50, 2*(handlers+3))
		if got < want {
			t.Fatalf("Size(%d) = %d, below %d", handlers, got, want)
		}
	}
}

func TestSubmitDoesNotBlockAndBoundsConcurrency(t *testing.T) {
	p := New(2)

	release := make(chan struct{})
	var running, peak atomic.Int32

	start := time.Now()
	tasks := make([]*Task, 0, 6)
	for range 6 {
		task, err := p.Submit("blocker", func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit error: %v", err)
		}
		tasks = append(tasks, task)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("submit blocked the caller")
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	p.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
	for _, task := range tasks {
		if err := task.Err(); err != nil {
			t.Fatalf("task error: %v", err)
		}
	}
}

func TestFailureIsolationAndReporting(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	p := New(4, WithFailureHandler(func(_ *Task, err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))

	boom := errors.New("boom")
	var ok atomic.Int32

	failing, _ := p.Submit("failing", func(context.Context) error { return boom })
	panicking, _ := p.Submit("panicking", func(context.Context) error { panic("kaboom") })
	for range 3 {
		_, _ = p.Submit("ok", func(context.Context) error {
			ok.Add(1)
			return nil
		})
	}
	p.Wait()

	if !errors.Is(failing.Err(), boom) {
		t.Fatalf("failing task error = %v, want %v", failing.Err(), boom)
	}
	var panicErr *PanicError
	if !errors.As(panicking.Err(), &panicErr) {
		t.Fatalf("panicking task error = %v, want PanicError", panicking.Err())
	}
	if panicErr.Value != "kaboom" || len(panicErr.Stack) == 0 {
		t.Fatalf("panic error = %+v", panicErr)
	}
	if ok.Load() != 3 {
		t.Fatalf("sibling tasks run = %d, want 3", ok.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 2 {
		t.Fatalf("reported failures = %d, want 2", len(reported))
	}
}

func TestShutdownRejectsNewWorkButFinishesInflight(t *testing.T) {
	p := New(1)

	release := make(chan struct{})
	var finished atomic.Bool
	task, err := p.Submit("inflight", func(context.Context) error {
		<-release
		finished.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	p.Shutdown()
	if _, err := p.Submit("late", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after shutdown error = %v, want ErrClosed", err)
	}

	close(release)
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight task did not finish after shutdown")
	}
	if !finished.Load() {
		t.Fatal("in-flight task was not completed")
	}
}

func TestHolderResizeSwapsPool(t *testing.T) {
	h := NewHolder(Size(0, 50))
	first := h.Current()

	if h.Resize(first.Size()) {
		t.Fatal("expected no swap for identical size")
	}
	if !h.Resize(Size(4, 50)) {
		t.Fatal("expected swap for new size")
	}
	if h.Current() == first {
		t.Fatal("expected a new pool after resize")
	}
	if got := h.Current().Size(); got != 14 {
		t.Fatalf("resized pool size = %d, want 14", got)
	}
	if first.Closed() {
		t.Fatal("replaced pool must keep draining, not be shut down")
	}

	h.Shutdown()
	if h.Resize(40) {
		t.Fatal("expected resize to be refused after shutdown")
	}
	if _, err := h.Submit("late", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after holder shutdown error = %v, want ErrClosed", err)
	}
}

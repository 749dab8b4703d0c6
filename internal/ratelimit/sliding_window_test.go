package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSlidingWindowGrantSpacing(t *testing.T) {
	const (
		window      = 1000 * time.Millisecond
		maxGrants   = 3
		minInterval = 200 * time.Millisecond
		tasks       = 10
	)
	limiter := NewSlidingWindow(window, maxGrants, minInterval)

	var (
		mu     sync.Mutex
		order  []int
		grants []time.Time
	)
	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := limiter.Acquire(context.Background()); err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			grants = append(grants, time.Now())
			mu.Unlock()
		}(i)
		// Space submissions so FIFO order is observable.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	if len(grants) != tasks {
		t.Fatalf("expected %d grants, got %d", tasks, len(grants))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("grants out of submission order: %v", order)
		}
	}
	// Timer scheduling can fire marginally early; allow small tolerance.
	const slack = 20 * time.Millisecond
	for i := 1; i < len(grants); i++ {
		if gap := grants[i].Sub(grants[i-1]); gap < minInterval-slack {
			t.Fatalf("grants %d and %d only %s apart", i-1, i, gap)
		}
	}
	for i := maxGrants; i < len(grants); i++ {
		if span := grants[i].Sub(grants[i-maxGrants]); span < window-slack {
			t.Fatalf("%d grants within %s rolling window", maxGrants+1, span)
		}
	}
}

func TestSlidingWindowTaskErrorPropagates(t *testing.T) {
	limiter := NewSlidingWindow(time.Second, 10, time.Millisecond)
	boom := errors.New("boom")
	if err := limiter.Schedule(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected task error, got %v", err)
	}
	// Limiter state survives the failure: next slot still granted.
	if err := limiter.Schedule(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("schedule after failure: %v", err)
	}
}

func TestSlidingWindowContextCancel(t *testing.T) {
	limiter := NewSlidingWindow(time.Hour, 1, time.Hour)
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestSlidingWindowDerivesMinInterval(t *testing.T) {
	limiter := NewSlidingWindow(time.Second, 4, 0)
	if limiter.minInterval != 250*time.Millisecond {
		t.Fatalf("expected derived interval 250ms, got %s", limiter.minInterval)
	}
}

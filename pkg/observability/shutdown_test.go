package observability

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewShutdownManager_DefaultTimeout(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), 0)
	if sm.timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", sm.timeout)
	}
}

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), time.Second)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"store", "queue", "http"} {
		name := name
		sm.Register(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	if err := sm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := strings.Join(order, ","); got != "http,queue,store" {
		t.Errorf("order = %s, want http,queue,store", got)
	}
}

func TestShutdownManager_ErrorsDoNotStopRemainingSteps(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), time.Second)

	ran := false
	sm.Register("store", func(context.Context) error {
		ran = true
		return nil
	})
	sm.Register("queue", func(context.Context) error { return errors.New("drain failed") })

	err := sm.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "queue: drain failed") {
		t.Errorf("Shutdown() error = %v", err)
	}
	if !ran {
		t.Error("later step did not run")
	}
}

func TestShutdownManager_RunsOnce(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), time.Second)
	calls := 0
	sm.Register("x", func(context.Context) error {
		calls++
		return nil
	})
	_ = sm.Shutdown(context.Background())
	_ = sm.Shutdown(context.Background())
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestShutdownManager_Deadline(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), 20*time.Millisecond)

	skipped := true
	sm.Register("after", func(context.Context) error {
		skipped = false
		return nil
	})
	sm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := sm.Shutdown(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
	if !skipped {
		t.Error("step ran after the deadline")
	}
}

func TestShutdownManager_IgnoresCallerCancellation(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), time.Second)
	ran := false
	sm.Register("x", func(ctx context.Context) error {
		ran = ctx.Err() == nil
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sm.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if !ran {
		t.Error("step saw a canceled context")
	}
}

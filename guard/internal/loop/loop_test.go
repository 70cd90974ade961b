package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func start(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return l, cancel
}

func TestDo_RunsInOrder(t *testing.T) {
	l, _ := start(t)
	var order []int
	for i := range 5 {
		l.Post(func() { order = append(order, i) })
	}
	if err := l.Do(context.Background(), func() { order = append(order, 99) }); err != nil {
		t.Fatal(err)
	}
	want := []int{0, 1, 2, 3, 4, 99}
	if len(order) != len(want) {
		t.Fatalf("order: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: got %v, want %v", order, want)
		}
	}
}

func TestPanickingTaskDoesNotStopLoop(t *testing.T) {
	l, _ := start(t)
	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("task after panic should run")
	}
}

func TestAfterFunc_FiresOnLoop(t *testing.T) {
	l, _ := start(t)
	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestAfterFunc_Cancel(t *testing.T) {
	l, _ := start(t)
	cancel := l.AfterFunc(time.Hour, func() { t.Error("cancelled timer fired") })
	if l.Pending() != 1 {
		t.Fatalf("pending: got %d, want 1", l.Pending())
	}
	if !cancel() {
		t.Error("cancel should stop an armed timer")
	}
	if l.Pending() != 0 {
		t.Errorf("pending after cancel: got %d, want 0", l.Pending())
	}
}

func TestClose_RejectsWork(t *testing.T) {
	l, cancel := start(t)
	l.AfterFunc(time.Hour, func() {})
	cancel()
	<-l.Done()

	if l.Post(func() {}) {
		t.Error("post after close should fail")
	}
	if err := l.Do(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("do after close: got %v, want ErrClosed", err)
	}
	if l.Pending() != 0 {
		t.Errorf("timers should be cleared on close, got %d", l.Pending())
	}
}

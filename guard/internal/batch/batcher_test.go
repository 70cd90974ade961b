package batch

import (
	"testing"
	"time"

	"github.com/hazyhaar/domguard/dom"
)

func rec(name string) dom.Record {
	return dom.Record{Kind: dom.AttributeChanged, Name: name}
}

func TestEnqueue_CoalescesIntoOnePass(t *testing.T) {
	var m Manual
	var passes [][]dom.Record
	b := New(&m, func(rs []dom.Record) { passes = append(passes, rs) }, nil)

	b.Enqueue(rec("a"))
	b.Enqueue(rec("b"))
	b.Enqueue(rec("c"))
	if b.State() != Scheduled {
		t.Fatalf("state: got %v, want scheduled", b.State())
	}
	if m.Armed() != 1 {
		t.Fatalf("armed: got %d, want 1", m.Armed())
	}

	m.Fire()
	if len(passes) != 1 || len(passes[0]) != 3 {
		t.Fatalf("passes: got %v", passes)
	}
	for i, want := range []string{"a", "b", "c"} {
		if passes[0][i].Name != want {
			t.Errorf("record %d: got %q, want %q", i, passes[0][i].Name, want)
		}
	}
	if b.State() != Idle {
		t.Errorf("state after pass: got %v, want idle", b.State())
	}
}

func TestRecordsDuringPassDeferToNextTick(t *testing.T) {
	var m Manual
	var b *Batcher
	var passes [][]dom.Record
	b = New(&m, func(rs []dom.Record) {
		passes = append(passes, rs)
		if len(passes) == 1 {
			// Corrective write observed while reconciling.
			b.Enqueue(rec("echo"))
			if b.State() != Reconciling {
				t.Errorf("state inside pass: got %v", b.State())
			}
		}
	}, nil)

	b.Enqueue(rec("host"))
	m.Fire()
	if len(passes) != 1 {
		t.Fatalf("nested pass ran: got %d passes", len(passes))
	}
	if b.State() != Scheduled || b.Pending() != 1 {
		t.Fatalf("echo should be scheduled for pass N+1: state=%v pending=%d", b.State(), b.Pending())
	}

	m.Fire()
	if len(passes) != 2 || passes[1][0].Name != "echo" {
		t.Fatalf("second pass: got %v", passes)
	}
	if b.State() != Idle || m.Armed() != 0 {
		t.Errorf("should settle idle: state=%v armed=%d", b.State(), m.Armed())
	}
}

func TestPanickingPassClearsState(t *testing.T) {
	var m Manual
	calls := 0
	b := New(&m, func([]dom.Record) {
		calls++
		if calls == 1 {
			panic("malformed attribute")
		}
	}, nil)

	b.Enqueue(rec("x"))
	m.Fire()
	if b.State() != Idle {
		t.Fatalf("state after panic: got %v, want idle", b.State())
	}
	b.Enqueue(rec("y"))
	m.Fire()
	if calls != 2 {
		t.Errorf("guard wedged: calls=%d, want 2", calls)
	}
}

func TestFlushAndStop(t *testing.T) {
	var m Manual
	n := 0
	b := New(&m, func(rs []dom.Record) { n += len(rs) }, nil)

	b.Enqueue(rec("a"))
	b.Flush()
	if n != 1 {
		t.Fatalf("flush: got %d records, want 1", n)
	}
	if m.Fire() != 0 {
		t.Error("flush should cancel the armed tick")
	}

	b.Enqueue(rec("b"))
	b.Stop()
	m.Fire()
	if n != 1 || b.Pending() != 0 || b.State() != Idle {
		t.Errorf("stop: n=%d pending=%d state=%v", n, b.Pending(), b.State())
	}
	if b.Passes() != 1 {
		t.Errorf("passes: got %d, want 1", b.Passes())
	}
}

type fakeTimers struct{ last time.Duration }

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) func() bool {
	f.last = d
	return func() bool { return true }
}

func TestFrameScheduler_Fallback(t *testing.T) {
	var ft fakeTimers
	NewFrameScheduler(&ft, 0, 0).Schedule(func() {})
	if ft.last != DefaultFallbackDelay {
		t.Errorf("fallback delay: got %v, want %v", ft.last, DefaultFallbackDelay)
	}
	NewFrameScheduler(&ft, 0, 40*time.Millisecond).Schedule(func() {})
	if ft.last != 40*time.Millisecond {
		t.Errorf("configured fallback: got %v", ft.last)
	}
	if got := NewFrameScheduler(&ft, DefaultFrameInterval, time.Second).Interval(); got != DefaultFrameInterval {
		t.Errorf("frame interval: got %v", got)
	}
}

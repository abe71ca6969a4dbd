package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/groovelink/groovelink/internal/testutil/testlog"
)

func TestManualRunsTasksInDueOrder(t *testing.T) {
	testlog.Start(t)
	m := NewManual()
	var got []int
	m.Schedule(300*time.Millisecond, func() { got = append(got, 3) })
	m.Schedule(100*time.Millisecond, func() { got = append(got, 1) })
	m.Schedule(200*time.Millisecond, func() { got = append(got, 2) })

	m.Advance(50 * time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("nothing should be due yet, ran %v", got)
	}
	m.Advance(250 * time.Millisecond)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestManualTasksMayRescheduleThemselves(t *testing.T) {
	testlog.Start(t)
	m := NewManual()
	var steps int
	var step func()
	step = func() {
		steps++
		if steps < 4 {
			m.Schedule(100*time.Millisecond, step)
		}
	}
	m.Schedule(100*time.Millisecond, step)

	m.Advance(100 * time.Millisecond)
	if steps != 1 {
		t.Fatalf("expected one step, got %d", steps)
	}
	m.RunAll()
	if steps != 4 {
		t.Fatalf("expected four steps, got %d", steps)
	}
	if m.Pending() != 0 {
		t.Fatalf("pending tasks remain: %d", m.Pending())
	}
}

func TestManualTieBreaksByScheduleOrder(t *testing.T) {
	testlog.Start(t)
	m := NewManual()
	var got []string
	m.Schedule(time.Second, func() { got = append(got, "a") })
	m.Schedule(time.Second, func() { got = append(got, "b") })
	m.Advance(time.Second)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("tie not broken by schedule order: %v", got)
	}
}

func TestLoopZeroDelayKeepsArrivalOrder(t *testing.T) {
	testlog.Start(t)
	loop := NewLoop()
	defer loop.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		n := i
		loop.Schedule(0, func() {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		})
	}
	loop.Schedule(0, func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not drain tasks")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("arrival order lost at %d: %v", i, got)
		}
	}
}

func TestLoopExecutesSequentially(t *testing.T) {
	testlog.Start(t)
	loop := NewLoop()
	defer loop.Close()

	var mu sync.Mutex
	var running, maxRunning, done int
	finished := make(chan struct{})
	for i := 0; i < 8; i++ {
		loop.Schedule(time.Millisecond, func() {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			running--
			done++
			if done == 8 {
				close(finished)
			}
			mu.Unlock()
		})
	}

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not drain tasks")
	}
	mu.Lock()
	defer mu.Unlock()
	if maxRunning != 1 {
		t.Fatalf("tasks overlapped: max concurrency %d", maxRunning)
	}
}

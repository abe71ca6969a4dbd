// Package sched models the controlled application's cooperative scheduler:
// mutation work is expressed as scheduled, delayed tasks that execute one at
// a time, never as blocking waits or recursive in-place loops.
package sched

import (
	"sync"
	"time"
)

// Scheduler queues one task for execution after a delay. Implementations
// run tasks sequentially on a single logical thread.
type Scheduler interface {
	Schedule(delay time.Duration, task func())
}

// Loop is the runtime scheduler. All tasks execute on one goroutine in the
// order their timers fire, mirroring a host callback thread.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

func NewLoop() *Loop {
	l := &Loop{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.done:
			return
		}
	}
}

// Schedule queues task to run after delay. Zero and negative delays
// enqueue directly, so same-goroutine submissions keep their arrival
// order instead of racing separate timer goroutines. Tasks scheduled
// after Close are dropped.
func (l *Loop) Schedule(delay time.Duration, task func()) {
	if delay <= 0 {
		select {
		case l.tasks <- task:
		case <-l.done:
		}
		return
	}
	time.AfterFunc(delay, func() {
		select {
		case l.tasks <- task:
		case <-l.done:
		}
	})
}

func (l *Loop) Close() {
	l.once.Do(func() {
		close(l.done)
	})
}

type manualEntry struct {
	due  time.Duration
	seq  uint64
	task func()
}

// Manual is a deterministic scheduler for tests: nothing runs until the
// virtual clock is advanced past a task's due time.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	nextSeq uint64
	pending []manualEntry
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Schedule(delay time.Duration, task func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, manualEntry{
		due:  m.now + delay,
		seq:  m.nextSeq,
		task: task,
	})
	m.nextSeq++
}

// Advance moves the virtual clock forward and runs every task that comes
// due, in due-time order (scheduling order breaks ties). Tasks scheduled
// while running are themselves eligible if they fall within the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	for {
		idx := m.earliestDueLocked()
		if idx < 0 {
			m.mu.Unlock()
			return
		}
		entry := m.pending[idx]
		m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
		m.mu.Unlock()
		entry.task()
		m.mu.Lock()
	}
}

// RunAll drains every pending task regardless of due time.
func (m *Manual) RunAll() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		latest := m.pending[len(m.pending)-1].due
		if latest > m.now {
			m.now = latest
		}
		m.mu.Unlock()
		m.Advance(0)
	}
}

func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manual) earliestDueLocked() int {
	idx := -1
	for i, entry := range m.pending {
		if entry.due > m.now {
			continue
		}
		if idx < 0 {
			idx = i
			continue
		}
		best := m.pending[idx]
		if entry.due < best.due || (entry.due == best.due && entry.seq < best.seq) {
			idx = i
		}
	}
	return idx
}

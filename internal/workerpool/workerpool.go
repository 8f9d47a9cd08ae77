// SPDX-License-Identifier: Apache-2.0

// Package workerpool is the process-wide priority-queued executor for
// blocking PC/SC operations. Rate limiting is deliberately not here — it
// belongs to internal/oathsession, to avoid doubling delays.
package workerpool

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Priority values are ordered so that higher-priority tasks are dequeued
// first.
type Priority int

const (
	Background      Priority = 0
	Normal          Priority = 10
	UserInteraction Priority = 20
)

const (
	DefaultMaxThreads = 4
	MinThreads        = 1
	MaxThreads        = 16
)

// Task is one unit of work. DeviceID is used only for logging and the
// legacy clear-history no-op.
type Task struct {
	ID       uuid.UUID
	DeviceID string
	Priority Priority
	Run      func()

	seq int64
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Pool runs submitted tasks on a bounded set of worker goroutines, highest
// priority first within FIFO order for equal priorities.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  taskHeap
	active int
	closed bool
	wg     sync.WaitGroup

	nextSeq int64
	log     *logrus.Entry
}

// New starts maxThreads worker goroutines, clamped to
// [MinThreads,MaxThreads]. A nil log falls back to the standard logger.
func New(maxThreads int, log *logrus.Entry) *Pool {
	if maxThreads < MinThreads {
		maxThreads = MinThreads
	}
	if maxThreads > MaxThreads {
		maxThreads = MaxThreads
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &Pool{log: log}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < maxThreads; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		task := heap.Pop(&p.queue).(*Task)
		p.active++
		p.mu.Unlock()

		p.runTask(task)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

// runTask catches panics so one bad task can't take down a worker
// goroutine.
func (p *Pool) runTask(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"taskId":   t.ID,
				"deviceId": t.DeviceID,
			}).Errorf("worker task panicked: %v", r)
		}
	}()
	t.Run()
}

// Submit enqueues closure at priority, tagged with deviceID, and returns the
// task's id.
func (p *Pool) Submit(deviceID string, priority Priority, closure func()) uuid.UUID {
	id := uuid.New()
	p.mu.Lock()
	p.nextSeq++
	heap.Push(&p.queue, &Task{ID: id, DeviceID: deviceID, Priority: priority, Run: closure, seq: p.nextSeq})
	p.mu.Unlock()
	p.cond.Signal()
	return id
}

// ClearHistory is a legacy no-op kept so older callers keyed on deviceID
// still link; intentionally inert.
func (p *Pool) ClearHistory(deviceID string) {}

// WaitForDone blocks until the queue and all active tasks drain, or
// timeoutMs elapses. Returns true if the pool drained.
func (p *Pool) WaitForDone(timeoutMs int) bool {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		p.mu.Lock()
		done := len(p.queue) == 0 && p.active == 0
		p.mu.Unlock()
		if done {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close lets the workers drain the current queue, then waits for every
// worker goroutine to exit. Submit does not check for a closed pool: a
// task submitted after Close is queued but never run.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

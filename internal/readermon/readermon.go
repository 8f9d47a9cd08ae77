// SPDX-License-Identifier: Apache-2.0

// Package readermon implements the reader monitor: a long-running poll
// loop over the resource-manager context that detects reader-list changes,
// card insert/remove transitions, and PC/SC service loss. It owns only a
// borrowed context handle, its poll timer, and the previous-snapshot state
// — never a card handle.
package readermon

import (
	"time"

	"github.com/ebfe/scard"
	"golang.org/x/sync/errgroup"

	"github.com/jkolo/oathd/internal/pcsc"
)

// Callbacks wires the four signals this component emits. Every field is
// optional.
type Callbacks struct {
	ReaderListChanged func(readers []string)
	CardInserted      func(readerName string)
	CardRemoved       func(readerName string)
	PcscServiceLost   func()
}

// DefaultPollInterval is how often the monitor re-lists readers and polls
// card presence when no override is configured.
const DefaultPollInterval = 500 * time.Millisecond

// Context is the subset of *pcsc.Context this package needs, narrowed to an
// interface so the poll loop can be tested with a fake resource manager.
// *pcsc.Context satisfies it.
type Context interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []scard.ReaderState, timeout time.Duration) error
}

// Monitor runs the poll loop described above.
type Monitor struct {
	ctx          Context
	pollInterval time.Duration
	callbacks    Callbacks

	stopCh  chan struct{}
	stopped chan struct{}

	hasCard map[string]bool
}

// New constructs a Monitor over ctx. pollInterval of zero uses
// DefaultPollInterval.
func New(ctx Context, pollInterval time.Duration, cb Callbacks) *Monitor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Monitor{ctx: ctx, pollInterval: pollInterval, callbacks: cb, hasCard: make(map[string]bool)}
}

// StartMonitoring begins the periodic poll loop on a new goroutine.
func (m *Monitor) StartMonitoring() {
	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.loop()
}

// StopMonitoring halts the poll loop and waits for it to exit. Safe to call
// even if monitoring was never started.
func (m *Monitor) StopMonitoring() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.stopped
	m.stopCh = nil
}

// ResetPcscServiceState clears the previous-snapshot state so the next
// StartMonitoring treats every reader as freshly discovered. The manager
// calls this after re-establishing the context during PC/SC-loss recovery.
func (m *Monitor) ResetPcscServiceState() {
	m.hasCard = make(map[string]bool)
}

func (m *Monitor) loop() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.poll() {
				return
			}
		}
	}
}

// poll returns false when PC/SC service loss was detected and the loop
// should stop itself (the manager must call ResetPcscServiceState +
// StartMonitoring to resume).
func (m *Monitor) poll() bool {
	readers, err := m.ctx.ListReaders()
	if err != nil {
		if pcsc.IsNoService(err) {
			if m.callbacks.PcscServiceLost != nil {
				m.callbacks.PcscServiceLost()
			}
			return false
		}
		if pcsc.IsNoReadersAvailable(err) {
			readers = nil
		} else {
			return true // transient error; keep polling
		}
	}

	if m.readerSetChanged(readers) && m.callbacks.ReaderListChanged != nil {
		m.callbacks.ReaderListChanged(readers)
	}

	m.pollCardPresence(readers)
	return true
}

func (m *Monitor) readerSetChanged(readers []string) bool {
	seen := make(map[string]bool, len(readers))
	changed := false
	for _, r := range readers {
		seen[r] = true
		if _, ok := m.hasCard[r]; !ok {
			changed = true
			m.hasCard[r] = false
		}
	}
	for r := range m.hasCard {
		if !seen[r] {
			changed = true
			delete(m.hasCard, r)
		}
	}
	return changed
}

// pollCardPresence fans out a GetStatusChange per reader with errgroup, then
// applies the resulting insert/remove transitions serially so callbacks
// never race each other.
func (m *Monitor) pollCardPresence(readers []string) {
	present := make([]bool, len(readers))

	var g errgroup.Group
	for i, r := range readers {
		i, r := i, r
		g.Go(func() error {
			present[i] = readerHasCard(m.ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range readers {
		was := m.hasCard[r]
		now := present[i]
		if now && !was {
			m.hasCard[r] = true
			if m.callbacks.CardInserted != nil {
				m.callbacks.CardInserted(r)
			}
		} else if !now && was {
			m.hasCard[r] = false
			if m.callbacks.CardRemoved != nil {
				m.callbacks.CardRemoved(r)
			}
		}
	}
}

func readerHasCard(ctx Context, reader string) bool {
	states := []scard.ReaderState{{Reader: reader, CurrentState: scard.StateUnaware}}
	if err := ctx.GetStatusChange(states, 0); err != nil {
		return false
	}
	return states[0].EventState&scard.StatePresent != 0
}

// SPDX-License-Identifier: Apache-2.0

package readermon

import (
	"sync"
	"testing"
	"time"

	"github.com/ebfe/scard"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContext scripts ListReaders/GetStatusChange responses for the poll
// loop, step by step.
type fakeContext struct {
	mu      sync.Mutex
	readers [][]string
	present map[string]bool
	noSvc   bool
	step    int
}

func (f *fakeContext) ListReaders() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noSvc {
		return nil, trace.Wrap(scard.ErrNoService)
	}
	if f.step >= len(f.readers) {
		return f.readers[len(f.readers)-1], nil
	}
	r := f.readers[f.step]
	f.step++
	return r, nil
}

func (f *fakeContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range states {
		if f.present[states[i].Reader] {
			states[i].EventState = scard.StatePresent
		} else {
			states[i].EventState = scard.StateEmpty
		}
	}
	return nil
}

func (f *fakeContext) setPresent(reader string, present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.present == nil {
		f.present = map[string]bool{}
	}
	f.present[reader] = present
}

func TestReaderListChangeDetected(t *testing.T) {
	fc := &fakeContext{readers: [][]string{{"r1"}, {"r1", "r2"}}}
	var changes [][]string
	var mu sync.Mutex
	m := New(fc, 5*time.Millisecond, Callbacks{
		ReaderListChanged: func(r []string) {
			mu.Lock()
			changes = append(changes, r)
			mu.Unlock()
		},
	})
	m.StartMonitoring()
	defer m.StopMonitoring()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) >= 2
	}, time.Second, time.Millisecond)
}

func TestCardInsertAndRemoveCallbacks(t *testing.T) {
	fc := &fakeContext{readers: [][]string{{"r1"}}}
	var inserted, removed []string
	var mu sync.Mutex
	m := New(fc, 5*time.Millisecond, Callbacks{
		CardInserted: func(r string) { mu.Lock(); inserted = append(inserted, r); mu.Unlock() },
		CardRemoved:  func(r string) { mu.Lock(); removed = append(removed, r); mu.Unlock() },
	})
	m.StartMonitoring()

	fc.setPresent("r1", true)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inserted) == 1
	}, time.Second, time.Millisecond)

	fc.setPresent("r1", false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(removed) == 1
	}, time.Second, time.Millisecond)

	m.StopMonitoring()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r1"}, inserted)
	assert.Equal(t, []string{"r1"}, removed)
}

func TestPcscServiceLostStopsMonitor(t *testing.T) {
	fc := &fakeContext{readers: [][]string{{"r1"}}, noSvc: true}
	var lost bool
	var mu sync.Mutex
	m := New(fc, 5*time.Millisecond, Callbacks{
		PcscServiceLost: func() { mu.Lock(); lost = true; mu.Unlock() },
	})
	m.StartMonitoring()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lost
	}, time.Second, time.Millisecond)

	// The loop already exited on its own; StopMonitoring must still return.
	m.StopMonitoring()
}

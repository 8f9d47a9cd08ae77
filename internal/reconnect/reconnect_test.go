// SPDX-License-Identifier: Apache-2.0

package reconnect

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu         sync.Mutex
	started    []string
	completed  []string
	successes  []bool
}

func (r *recorder) onStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
}

func (r *recorder) onCompleted(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, id)
	r.successes = append(r.successes, success)
}

func (r *recorder) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func TestStartReconnectEmitsStartedAndCallsOnce(t *testing.T) {
	var calls int32Counter
	rec := &recorder{}
	c := New(func(reader string) Result {
		calls.inc()
		return Result{}
	}, rec.onStarted, rec.onCompleted)

	start := time.Now()
	c.StartReconnect("dev1", "reader1", nil)

	require.Eventually(t, func() bool { return rec.completedCount() == 1 }, time.Second, time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, []string{"dev1"}, rec.started)
	assert.Equal(t, 1, calls.get())
	assert.GreaterOrEqual(t, elapsed, InitialDelay)
	assert.True(t, rec.successes[0])
}

func TestCancelBeforeTimerEmitsNoCompletion(t *testing.T) {
	rec := &recorder{}
	c := New(func(reader string) Result { return Result{} }, rec.onStarted, rec.onCompleted)

	c.StartReconnect("dev1", "reader1", nil)
	c.Cancel()

	time.Sleep(InitialDelay * 3)
	assert.Equal(t, 0, rec.completedCount())
}

func TestSecondStartReplacesFirstTarget(t *testing.T) {
	var seenReaders []string
	var mu sync.Mutex
	rec := &recorder{}
	c := New(func(reader string) Result {
		mu.Lock()
		seenReaders = append(seenReaders, reader)
		mu.Unlock()
		return Result{}
	}, rec.onStarted, rec.onCompleted)

	c.StartReconnect("dev1", "reader-old", nil)
	c.StartReconnect("dev1", "reader-new", nil)

	require.Eventually(t, func() bool { return rec.completedCount() == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"reader-new"}, seenReaders)
}

func TestReconnectFailurePropagatesSuccessFalse(t *testing.T) {
	rec := &recorder{}
	c := New(func(reader string) Result { return Result{Err: errors.New("nope")} }, rec.onStarted, rec.onCompleted)

	c.StartReconnect("dev1", "reader1", nil)
	require.Eventually(t, func() bool { return rec.completedCount() == 1 }, time.Second, time.Millisecond)

	assert.False(t, rec.successes[0])
}

// int32Counter avoids importing sync/atomic just for a test counter while
// still being safe to increment from the timer goroutine and read from the
// test goroutine.
type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

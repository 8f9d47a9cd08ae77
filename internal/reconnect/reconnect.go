// SPDX-License-Identifier: Apache-2.0

// Package reconnect implements the post-card-reset rendezvous: after a
// reset, wait a short grace period then invoke a caller-supplied reconnect
// closure exactly once, emitting started/completed events.
package reconnect

import (
	"sync"
	"time"
)

// InitialDelay is the grace period before the reconnect closure runs,
// letting the other application that caused the reset release the card.
const InitialDelay = 10 * time.Millisecond

// Result is what the caller-supplied reconnect closure returns.
type Result struct {
	Err error
}

type state int

const (
	stateIdle state = iota
	stateWaiting
)

// Coordinator is single-consumer: only one goroutine should call
// StartReconnect/Cancel at a time.
type Coordinator struct {
	mu    sync.Mutex
	state state
	timer *time.Timer
	// gen invalidates stale timers: every StartReconnect/Cancel bumps it, so
	// a timer fired from a superseded attempt is a silent no-op.
	gen uint64

	deviceID   string
	readerName string
	command    any

	reconnectFunc func(readerName string) Result
	onStarted     func(deviceID string)
	onCompleted   func(deviceID string, success bool)
}

// New constructs a Coordinator. reconnectFunc is called on the timer
// goroutine; if nil, every reconnect attempt fails immediately.
func New(reconnectFunc func(readerName string) Result, onStarted func(deviceID string), onCompleted func(deviceID string, success bool)) *Coordinator {
	return &Coordinator{reconnectFunc: reconnectFunc, onStarted: onStarted, onCompleted: onCompleted}
}

// StartReconnect arms a one-shot timer for deviceID/readerName/command. A
// call while already Waiting cancels the previous attempt (emitting no
// completion for it) and replaces its target.
func (c *Coordinator) StartReconnect(deviceID, readerName string, command any) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.deviceID = deviceID
	c.readerName = readerName
	c.command = command
	c.state = stateWaiting
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(InitialDelay, func() { c.fire(gen) })
	c.mu.Unlock()

	if c.onStarted != nil {
		c.onStarted(deviceID)
	}
}

// Cancel clears pending state. No further events are emitted for the
// cancelled attempt.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = stateIdle
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != stateWaiting {
		c.mu.Unlock()
		return
	}
	deviceID := c.deviceID
	readerName := c.readerName
	fn := c.reconnectFunc
	c.mu.Unlock()

	var success bool
	if fn != nil {
		success = fn(readerName).Err == nil
	}

	c.mu.Lock()
	if gen == c.gen {
		c.state = stateIdle
		c.timer = nil
	}
	c.mu.Unlock()

	if c.onCompleted != nil {
		c.onCompleted(deviceID, success)
	}
}

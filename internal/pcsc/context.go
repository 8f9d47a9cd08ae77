// SPDX-License-Identifier: Apache-2.0

// Package pcsc is a thin wrapper over github.com/ebfe/scard, the same
// PC/SC binding YKOATH implementations commonly build on. It exposes the
// resource-manager primitives the rest of the daemon needs —
// establishContext/releaseContext, listReaders, getStatusChange,
// connect/reconnect/disconnect, beginTransaction/endTransaction,
// transmit — behind small interfaces so the layers above can be tested
// with fakes instead of real hardware.
package pcsc

import (
	"time"

	"github.com/ebfe/scard"
	"github.com/gravitational/trace"
)

// Card is the subset of *scard.Card every layer above this package needs.
// *scard.Card satisfies it.
type Card interface {
	Transmit(cmd []byte) ([]byte, error)
	BeginTransaction() error
	EndTransaction(disposition scard.Disposition) error
	Disconnect(disposition scard.Disposition) error
	Reconnect(mode scard.ShareMode, proto scard.Protocol, disposition scard.Disposition) (scard.Protocol, error)
	Status() (*scard.CardStatus, error)
}

// Context wraps *scard.Context: the process-wide resource-manager handle,
// created once and released/recreated only when the PC/SC daemon itself
// goes away and the manager rebuilds its state.
type Context struct {
	raw *scard.Context
}

// EstablishContext establishes a fresh resource-manager context.
func EstablishContext() (*Context, error) {
	raw, err := scard.EstablishContext()
	if err != nil {
		return nil, trace.Wrap(err, "establishing PC/SC context")
	}
	return &Context{raw: raw}, nil
}

// Release releases the context. After Release, the Context must not be
// used again.
func (c *Context) Release() error {
	return trace.Wrap(c.raw.Release())
}

// ListReaders returns the platform's current reader name list.
func (c *Context) ListReaders() ([]string, error) {
	readers, err := c.raw.ListReaders()
	return readers, trace.Wrap(err)
}

// ConnectResult is what Connect returns: a live card handle plus the
// protocol the reader negotiated.
type ConnectResult struct {
	Card     Card
	Protocol scard.Protocol
}

// Connect opens a shared connection to reader, preferring T=1 (falling
// back to whatever the reader negotiates via ProtocolAny). Callers are
// expected to wrap this in their own deadline since it can block on
// unresponsive firmware; this method itself is a direct, blocking call to
// the resource manager.
func (c *Context) Connect(reader string) (ConnectResult, error) {
	card, err := c.raw.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return ConnectResult{}, trace.Wrap(err, "connecting to reader %q", reader)
	}
	status, err := card.Status()
	proto := scard.ProtocolAny
	if err == nil && status != nil {
		proto = status.ActiveProtocol
	}
	return ConnectResult{Card: card, Protocol: proto}, nil
}

// Reconnect re-establishes a connection on an already-open card handle
// (used after a card reset), leaving the card powered.
func Reconnect(card Card) (scard.Protocol, error) {
	proto, err := card.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.LeaveCard)
	return proto, trace.Wrap(err)
}

// Disconnect releases a card handle, leaving the card powered for any
// other application.
func Disconnect(card Card) error {
	return trace.Wrap(card.Disconnect(scard.LeaveCard))
}

// Transmit sends cmd and returns the raw response, status word included.
func Transmit(card Card, cmd []byte) ([]byte, error) {
	resp, err := card.Transmit(cmd)
	return resp, trace.Wrap(err)
}

// GetStatusChange blocks until a reader's state changes or timeout elapses,
// mirroring SCardGetStatusChange.
func (c *Context) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	return trace.Wrap(c.raw.GetStatusChange(states, timeout))
}

// IsNoReadersAvailable reports whether err is the platform's distinguished
// "no readers available" condition.
func IsNoReadersAvailable(err error) bool {
	return trace.Unwrap(err) == scard.ErrNoReadersAvailable
}

// IsNoService reports whether err is the platform's distinguished
// "no service" condition — the resource manager itself is gone.
func IsNoService(err error) bool {
	return trace.Unwrap(err) == scard.ErrNoService
}

// IsCardReset reports whether err is the platform's distinguished "card
// was reset" condition.
func IsCardReset(err error) bool {
	return trace.Unwrap(err) == scard.ErrResetCard
}

// IsCardRemoved reports whether err is the platform's distinguished "card
// removed" condition.
func IsCardRemoved(err error) bool {
	return trace.Unwrap(err) == scard.ErrRemovedCard
}

// SPDX-License-Identifier: Apache-2.0

package pcsc

import (
	"github.com/ebfe/scard"
	"github.com/gravitational/trace"
)

// OathSelector breaks the dependency direction between this package and
// internal/oathsession: Transaction must run SELECT OATH after acquiring
// exclusive access, but must not import the session package to do it.
// internal/oathsession.Session implements this.
type OathSelector interface {
	SelectOathApplication() error
}

// Transaction is a scoped guard around one logical multi-APDU operation:
// BeginTransaction blocks every other application sharing the reader,
// optionally re-selects the OATH applet so the operation starts from known
// applet state, and Close always ends the transaction, even if SELECT
// failed. Not safe for concurrent use; not copyable (take its address and
// pass that around, never copy the struct).
type Transaction struct {
	card    Card
	started bool
}

// BeginTransaction begins a PC/SC transaction on card and, unless
// skipOathSelect is set, re-selects the OATH applet so the exclusive
// window starts from a known applet — a concurrent GnuPG or PIV tool may
// have selected something else between transactions. The returned
// Transaction must always be closed, even when an error is returned,
// because the transaction may have started before the SELECT failed.
func BeginTransaction(card Card, selector OathSelector, skipOathSelect bool) (*Transaction, error) {
	if card == nil {
		return nil, trace.BadParameter("invalid card handle")
	}

	if err := card.BeginTransaction(); err != nil {
		return nil, trace.Wrap(err, "beginning PC/SC transaction")
	}
	t := &Transaction{card: card, started: true}

	if skipOathSelect {
		return t, nil
	}
	if selector == nil {
		return t, trace.BadParameter("OATH selector required unless skipOathSelect")
	}
	if err := selector.SelectOathApplication(); err != nil {
		return t, trace.Wrap(err, "selecting OATH applet")
	}
	return t, nil
}

// Close ends the transaction, leaving the card powered for other
// applications. Idempotent and safe to call on a nil or already-closed
// Transaction, so it can sit in a defer on every exit path.
func (t *Transaction) Close() error {
	if t == nil || !t.started {
		return nil
	}
	t.started = false
	return trace.Wrap(t.card.EndTransaction(scard.LeaveCard))
}

// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/ebfe/scard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkolo/oathd/internal/oath"
	"github.com/jkolo/oathd/internal/oatherr"
	"github.com/jkolo/oathd/internal/oathtypes"
	"github.com/jkolo/oathd/internal/pcsc"
	"github.com/jkolo/oathd/internal/workerpool"
)

// fakeCard replays a queue of responses in call order, ignoring the command
// bytes themselves (construction-sequence tests only care about ordering).
type fakeCard struct {
	responses [][]byte
	calls     int
}

func (c *fakeCard) Transmit(cmd []byte) ([]byte, error) {
	if c.calls >= len(c.responses) {
		c.calls++
		return []byte{0x90, 0x00}, nil
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

func (c *fakeCard) BeginTransaction() error                { return nil }
func (c *fakeCard) EndTransaction(scard.Disposition) error { return nil }
func (c *fakeCard) Disconnect(scard.Disposition) error     { return nil }
func (c *fakeCard) Reconnect(scard.ShareMode, scard.Protocol, scard.Disposition) (scard.Protocol, error) {
	return scard.ProtocolT1, nil
}
func (c *fakeCard) Status() (*scard.CardStatus, error) { return nil, nil }

func selectResp(deviceIDHex string, requiresPassword bool, firmware [3]byte) []byte {
	out := []byte{oath.TagName, byte(len(deviceIDHex) / 2)}
	b, _ := hex.DecodeString(deviceIDHex)
	out = append(out, b...)
	out = append(out, oath.TagVersion, 3, firmware[0], firmware[1], firmware[2])
	if requiresPassword {
		out = append(out, oath.TagChallenge, 8, 1, 2, 3, 4, 5, 6, 7, 8)
	}
	return append(out, 0x90, 0x00)
}

const fileNotFound = 0x6A82

func failResp() []byte { return []byte{byte(fileNotFound >> 8), byte(fileNotFound)} }

func newTestPool() *workerpool.Pool { return workerpool.New(2, nil) }

func TestNewYubiKeyFallsBackToModelDetectionWhenProbeFails(t *testing.T) {
	card := &fakeCard{responses: [][]byte{
		selectResp("21852D9F", false, [3]byte{5, 4, 3}), // construction SELECT
		failResp(), // management SELECT fails
		selectResp("21852D9F", false, [3]byte{5, 4, 3}), // reselect OATH
		failResp(), // OTP SELECT fails
		selectResp("21852D9F", false, [3]byte{5, 4, 3}), // reselect OATH
		failResp(), // PIV SELECT fails
		selectResp("21852D9F", false, [3]byte{5, 4, 3}), // reselect OATH
	}}

	pool := newTestPool()
	defer pool.Close()

	var states []oathtypes.DeviceState
	d, err := New(card, oath.YubiKey{}, "21852D9F", "Yubico YubiKey OTP+FIDO+CCID", false, 0, pool, nil, Callbacks{
		StateChanged: func(s oathtypes.DeviceState) { states = append(states, s) },
	})
	require.NoError(t, err)

	assert.Equal(t, oathtypes.StateFetchingCredentials, d.State())
	assert.Equal(t, oathtypes.FirmwareVersion{Major: 5, Minor: 4, Patch: 3}, d.FirmwareVersion())
	assert.Equal(t, oathtypes.BrandYubiKey, d.DeviceModel().Brand)
	assert.Equal(t, []oathtypes.DeviceState{
		oathtypes.StateConnecting,
		oathtypes.StateFetchingCredentials,
	}, states)
}

func TestNewRequiresPasswordStaysAuthenticating(t *testing.T) {
	card := &fakeCard{responses: [][]byte{
		selectResp("21852D9F", true, [3]byte{5, 4, 3}),
		failResp(),
		selectResp("21852D9F", true, [3]byte{5, 4, 3}),
		failResp(),
		selectResp("21852D9F", true, [3]byte{5, 4, 3}),
		failResp(),
		selectResp("21852D9F", true, [3]byte{5, 4, 3}),
	}}

	pool := newTestPool()
	defer pool.Close()

	d, err := New(card, oath.YubiKey{}, "21852D9F", "reader", true, 0, pool, nil, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, oathtypes.StateAuthenticating, d.State())
	assert.True(t, d.RequiresPassword())
	assert.True(t, d.HasPassword())
}

func TestNewSelectFailurePropagatesAndSetsErrorState(t *testing.T) {
	card := &fakeCard{responses: [][]byte{{0x6A, 0x82}}}
	pool := newTestPool()
	defer pool.Close()

	d, err := New(card, oath.YubiKey{}, "", "reader", false, 0, pool, nil, Callbacks{})
	assert.Error(t, err)
	assert.Nil(t, d)
}

// fakeConnector scripts Connect outcomes for ReconnectCardHandle: it fails
// failuresBeforeSuccess times, then returns okCard.
type fakeConnector struct {
	failuresBeforeSuccess int
	attempts              int
	okCard                pcsc.Card
}

func (f *fakeConnector) Connect(reader string) (pcsc.ConnectResult, error) {
	f.attempts++
	if f.attempts <= f.failuresBeforeSuccess {
		return pcsc.ConnectResult{}, assertErr
	}
	return pcsc.ConnectResult{Card: f.okCard, Protocol: scard.ProtocolT1}, nil
}

var assertErr = &connectError{}

type connectError struct{}

func (*connectError) Error() string { return "connect failed" }

func constructHealthyDevice(t *testing.T, pool *workerpool.Pool, connector Connector) (*Device, *fakeCard) {
	t.Helper()
	card := &fakeCard{responses: [][]byte{
		selectResp("21852D9F", false, [3]byte{5, 4, 3}),
		failResp(),
		selectResp("21852D9F", false, [3]byte{5, 4, 3}),
		failResp(),
		selectResp("21852D9F", false, [3]byte{5, 4, 3}),
		failResp(),
		selectResp("21852D9F", false, [3]byte{5, 4, 3}),
	}}
	d, err := New(card, oath.YubiKey{}, "21852D9F", "reader", false, 0, pool, connector, Callbacks{})
	require.NoError(t, err)
	return d, card
}

func TestReconnectCardHandleSucceedsAfterRetries(t *testing.T) {
	pool := newTestPool()
	defer pool.Close()

	newCard := &fakeCard{responses: [][]byte{
		selectResp("21852D9F", false, [3]byte{5, 4, 3}),
	}}
	connector := &fakeConnector{failuresBeforeSuccess: 2, okCard: newCard}
	d, _ := constructHealthyDevice(t, pool, connector)
	d.reconnectBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

	err := d.ReconnectCardHandle("reader")
	require.NoError(t, err)
	assert.Equal(t, 3, connector.attempts)
}

func TestReconnectCardHandleGivesUpAndReportsDisconnected(t *testing.T) {
	pool := newTestPool()
	defer pool.Close()

	connector := &fakeConnector{failuresBeforeSuccess: 1000}
	d, _ := constructHealthyDevice(t, pool, connector)
	d.reconnectBackoff = []time.Duration{time.Millisecond, time.Millisecond}

	err := d.ReconnectCardHandle("reader")
	assert.ErrorIs(t, err, oatherr.ErrDeviceDisconnected)
}

func TestUpdateCredentialCacheAsyncPopulatesCredentials(t *testing.T) {
	pool := newTestPool()
	defer pool.Close()

	d, card := constructHealthyDevice(t, pool, nil)
	// beginOp's CardTransaction always re-SELECTs OATH before the real
	// operation, per pcsc.BeginTransaction's skipOathSelect=false contract.
	card.responses = append(card.responses,
		selectResp("21852D9F", false, [3]byte{5, 4, 3}),
		append([]byte{oath.TagName, 10, 'G', 'o', 'o', 'g', 'l', 'e', ':', 'b', 'o', 'b'}, 0x90, 0x00),
	)

	var mu sync.Mutex
	var fetched []oathtypes.OathCredential
	d.callbacks.CredentialCacheFetched = func(creds []oathtypes.OathCredential) {
		mu.Lock()
		fetched = creds
		mu.Unlock()
	}

	d.UpdateCredentialCacheAsync("")
	require.Eventually(t, func() bool { return len(d.Credentials()) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, oathtypes.StateReady, d.State())
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, fetched, 1)
	assert.Equal(t, "bob", fetched[0].Account)
}

func TestCloseWaitsForUpdateInProgress(t *testing.T) {
	pool := newTestPool()
	defer pool.Close()

	d, _ := constructHealthyDevice(t, pool, nil)
	d.setUpdateInProgress(true)

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	d.setUpdateInProgress(false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after updateInProgress cleared")
	}
}

// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/ebfe/scard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkolo/oathd/internal/oath"
	"github.com/jkolo/oathd/internal/oathtypes"
	"github.com/jkolo/oathd/internal/pcsc"
	"github.com/jkolo/oathd/internal/workerpool"
)

// fakeCard answers every Transmit with a fixed SELECT response, enough to
// satisfy both the throwaway connect-time probe and the Device's own
// construction-time SELECT.
type fakeCard struct {
	mu           sync.Mutex
	selectResp   []byte
	disconnected bool
}

func (c *fakeCard) Transmit(cmd []byte) ([]byte, error) {
	return c.selectResp, nil
}
func (c *fakeCard) BeginTransaction() error               { return nil }
func (c *fakeCard) EndTransaction(scard.Disposition) error { return nil }
func (c *fakeCard) Disconnect(scard.Disposition) error {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	return nil
}
func (c *fakeCard) Reconnect(scard.ShareMode, scard.Protocol, scard.Disposition) (scard.Protocol, error) {
	return scard.ProtocolT1, nil
}
func (c *fakeCard) Status() (*scard.CardStatus, error) { return nil, nil }

func yubikeySelectResp(deviceIDHex string) []byte {
	out := []byte{oath.TagName, byte(len(deviceIDHex) / 2)}
	b, _ := hex.DecodeString(deviceIDHex)
	out = append(out, b...)
	out = append(out, oath.TagVersion, 3, 5, 4, 3)
	return append(out, 0x90, 0x00)
}

// fakeContext is a scriptable stand-in for *pcsc.Context.
type fakeContext struct {
	mu          sync.Mutex
	readers     []string
	connectErr  error
	cardForName func(reader string) *fakeCard
	released    bool
}

func (f *fakeContext) ListReaders() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readers, nil
}

func (f *fakeContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	return nil
}

func (f *fakeContext) Connect(reader string) (pcsc.ConnectResult, error) {
	if f.connectErr != nil {
		return pcsc.ConnectResult{}, f.connectErr
	}
	card := f.cardForName(reader)
	return pcsc.ConnectResult{Card: card, Protocol: scard.ProtocolT1}, nil
}

func (f *fakeContext) Release() error {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
	return nil
}

func newTestManager(t *testing.T, ctx *fakeContext) (*Manager, *workerpool.Pool) {
	t.Helper()
	factory := func() (Context, error) { return ctx, nil }
	pool := workerpool.New(1, nil)
	m := New(factory, pool, DefaultConfig(), Callbacks{}, nil)
	require.NoError(t, m.Initialize())
	return m, pool
}

func TestConnectToDeviceRegistersDevice(t *testing.T) {
	card := &fakeCard{selectResp: yubikeySelectResp("41424344")}
	ctx := &fakeContext{readers: []string{"Yubico YubiKey OTP+CCID 00 00"}, cardForName: func(string) *fakeCard { return card }}
	m, pool := newTestManager(t, ctx)
	defer pool.Close()

	err := m.ConnectToDevice("Yubico YubiKey OTP+CCID 00 00")
	require.NoError(t, err)

	ids := m.Devices()
	require.Len(t, ids, 1)
	assert.Equal(t, "41424344", string(ids[0]))
}

func TestDisconnectDeviceIsIdempotent(t *testing.T) {
	ctx := &fakeContext{}
	m, pool := newTestManager(t, ctx)
	defer pool.Close()

	// Not present: must be a no-op, not a panic.
	m.DisconnectDevice("nope")
	assert.Empty(t, m.Devices())
}

func TestForgetDeviceAlwaysEmitsEvent(t *testing.T) {
	ctx := &fakeContext{}

	var forgotten []oathtypes.DeviceID
	factory := func() (Context, error) { return ctx, nil }
	pool := workerpool.New(1, nil)
	defer pool.Close()

	m := New(factory, pool, DefaultConfig(), Callbacks{
		DeviceForgotten: func(id oathtypes.DeviceID) { forgotten = append(forgotten, id) },
	}, nil)
	require.NoError(t, m.Initialize())

	// ForgetDevice on a device that was never connected still emits
	// deviceForgotten: the IPC layer may have a published object for it.
	m.ForgetDevice("unconnected-id")
	require.Len(t, forgotten, 1)
	assert.Equal(t, oathtypes.DeviceID("unconnected-id"), forgotten[0])
}

// memMetadataStore is an in-memory MetadataStore recording calls.
type memMetadataStore struct {
	mu      sync.Mutex
	devices map[oathtypes.DeviceID]DeviceRecord
	creds   map[oathtypes.DeviceID][]oathtypes.OathCredential
}

func newMemMetadataStore() *memMetadataStore {
	return &memMetadataStore{
		devices: make(map[oathtypes.DeviceID]DeviceRecord),
		creds:   make(map[oathtypes.DeviceID][]oathtypes.OathCredential),
	}
}

func (s *memMetadataStore) GetAllDevices() ([]DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceRecord, 0, len(s.devices))
	for _, r := range s.devices {
		out = append(out, r)
	}
	return out, nil
}

func (s *memMetadataStore) AddDevice(r DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[r.DeviceID] = r
	return nil
}

func (s *memMetadataStore) RemoveDevice(id oathtypes.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	return nil
}

func (s *memMetadataStore) UpdateLastSeen(id oathtypes.DeviceID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.devices[id]
	r.DeviceID = id
	r.LastSeen = at
	s.devices[id] = r
	return nil
}

func (s *memMetadataStore) SetDeviceName(id oathtypes.DeviceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.devices[id]
	r.DeviceID = id
	r.Name = name
	s.devices[id] = r
	return nil
}

func (s *memMetadataStore) CountDevicesWithNamePrefix(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.devices {
		if len(r.Name) >= len(prefix) && r.Name[:len(prefix)] == prefix {
			n++
		}
	}
	return n, nil
}

func (s *memMetadataStore) SaveCredentials(id oathtypes.DeviceID, creds []oathtypes.OathCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[id] = creds
	return nil
}

func (s *memMetadataStore) GetCredentials(id oathtypes.DeviceID) ([]oathtypes.OathCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[id], nil
}

func (s *memMetadataStore) ClearCredentials(id oathtypes.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	return nil
}

type memPasswordStore struct {
	mu        sync.Mutex
	passwords map[oathtypes.DeviceID]string
}

func newMemPasswordStore() *memPasswordStore {
	return &memPasswordStore{passwords: make(map[oathtypes.DeviceID]string)}
}

func (s *memPasswordStore) LoadPassword(id oathtypes.DeviceID) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.passwords[id]
	return p, ok, nil
}

func (s *memPasswordStore) SavePassword(id oathtypes.DeviceID, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[id] = password
	return nil
}

func (s *memPasswordStore) DeletePassword(id oathtypes.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.passwords, id)
	return nil
}

func TestConnectToDevicePersistsMetadata(t *testing.T) {
	card := &fakeCard{selectResp: yubikeySelectResp("41424344")}
	reader := "Yubico YubiKey OTP+CCID 00 00"
	ctx := &fakeContext{readers: []string{reader}, cardForName: func(string) *fakeCard { return card }}
	m, pool := newTestManager(t, ctx)
	defer pool.Close()

	meta := newMemMetadataStore()
	m.AttachStores(meta, nil)

	require.NoError(t, m.ConnectToDevice(reader))

	records, err := meta.GetAllDevices()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, oathtypes.DeviceID("41424344"), records[0].DeviceID)
	assert.False(t, records[0].LastSeen.IsZero())
}

func TestForgetDeviceClearsStoredState(t *testing.T) {
	ctx := &fakeContext{}
	m, pool := newTestManager(t, ctx)
	defer pool.Close()

	meta := newMemMetadataStore()
	passwords := newMemPasswordStore()
	m.AttachStores(meta, passwords)

	id := oathtypes.DeviceID("deadbeef")
	require.NoError(t, meta.AddDevice(DeviceRecord{DeviceID: id}))
	require.NoError(t, meta.SaveCredentials(id, []oathtypes.OathCredential{{DeviceID: id}}))
	require.NoError(t, passwords.SavePassword(id, "hunter2"))

	m.ForgetDevice(id)

	records, _ := meta.GetAllDevices()
	assert.Empty(t, records)
	creds, _ := meta.GetCredentials(id)
	assert.Empty(t, creds)
	_, ok, _ := passwords.LoadPassword(id)
	assert.False(t, ok)
}

func TestPcscServiceLostRecoveryReestablishesContext(t *testing.T) {
	card := &fakeCard{selectResp: yubikeySelectResp("41424344")}
	reader := "Yubico YubiKey OTP+CCID 00 00"
	oldCtx := &fakeContext{readers: []string{reader}, cardForName: func(string) *fakeCard { return card }}
	newCtx := &fakeContext{readers: []string{reader}, cardForName: func(string) *fakeCard { return card }}

	contexts := []*fakeContext{oldCtx, newCtx}
	var established int
	factory := func() (Context, error) {
		c := contexts[established]
		established++
		return c, nil
	}

	pool := workerpool.New(1, nil)
	defer pool.Close()

	var mu sync.Mutex
	var disconnected []oathtypes.DeviceID
	m := New(factory, pool, DefaultConfig(), Callbacks{
		DeviceDisconnected: func(id oathtypes.DeviceID) {
			mu.Lock()
			disconnected = append(disconnected, id)
			mu.Unlock()
		},
	}, nil)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.ConnectToDevice(reader))
	require.Len(t, m.Devices(), 1)

	m.onPcscServiceLost()
	defer m.Close()

	mu.Lock()
	assert.Equal(t, []oathtypes.DeviceID{"41424344"}, disconnected)
	mu.Unlock()

	oldCtx.mu.Lock()
	released := oldCtx.released
	oldCtx.mu.Unlock()
	assert.True(t, released, "old context must be released")
	assert.Equal(t, 2, established, "a fresh context must be established")

	// The async re-enumeration scheduled by the restarted monitor eventually
	// reconnects the token under the new context.
	require.Eventually(t, func() bool { return len(m.Devices()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReaderListChangeDisconnectsMissingReader(t *testing.T) {
	card := &fakeCard{selectResp: yubikeySelectResp("deadbeef")}
	reader := "Yubico YubiKey OTP+CCID 00 00"
	ctx := &fakeContext{readers: []string{reader}, cardForName: func(string) *fakeCard { return card }}
	m, pool := newTestManager(t, ctx)
	defer pool.Close()

	require.NoError(t, m.ConnectToDevice(reader))
	require.Len(t, m.Devices(), 1)

	m.onReaderListChanged(nil)
	assert.Empty(t, m.Devices())
}

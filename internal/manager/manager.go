// SPDX-License-Identifier: Apache-2.0

// Package manager implements the device manager: the orchestrator that
// owns the process-wide PC/SC context, the reader monitor
// (internal/readermon), the reconnect coordinator (internal/reconnect),
// the worker pool (internal/workerpool) and the {DeviceID -> Device} /
// {ReaderName -> DeviceID} maps. It handles enumeration, connect,
// disconnect, forget, and recovery when the PC/SC daemon restarts.
package manager

import (
	"sync"
	"time"

	"github.com/ebfe/scard"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/jkolo/oathd/internal/apdu"
	"github.com/jkolo/oathd/internal/device"
	"github.com/jkolo/oathd/internal/oath"
	"github.com/jkolo/oathd/internal/oatherr"
	"github.com/jkolo/oathd/internal/oathsession"
	"github.com/jkolo/oathd/internal/oathtypes"
	"github.com/jkolo/oathd/internal/pcsc"
	"github.com/jkolo/oathd/internal/readermon"
	"github.com/jkolo/oathd/internal/reconnect"
	"github.com/jkolo/oathd/internal/workerpool"
)

// Context is the subset of *pcsc.Context the manager needs, narrowed so it
// can be exercised with a fake resource manager in tests.
type Context interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []scard.ReaderState, timeout time.Duration) error
	Connect(reader string) (pcsc.ConnectResult, error)
	Release() error
}

// contextFactory re-establishes a fresh Context during PC/SC-loss
// recovery. Production code points this at pcsc.EstablishContext; tests
// substitute a fake.
type contextFactory func() (Context, error)

// Config carries the tunables the manager and its components recognize:
// APDU spacing, worker pool size, reader-poll interval and the connect/
// reconnect timing knobs.
type Config struct {
	PcscRateLimitMs          int
	WorkerPoolMaxThreads     int
	ReaderPollIntervalMs     int
	DeviceConnectTimeoutMs   int
	DeviceReconnectInitialMs int
}

// DefaultConfig returns the stock settings: no APDU rate limit, four
// workers, 500ms reader polling, a 2s connect deadline and a 10ms
// reconnect grace period.
func DefaultConfig() Config {
	return Config{
		PcscRateLimitMs:          0,
		WorkerPoolMaxThreads:     workerpool.DefaultMaxThreads,
		ReaderPollIntervalMs:     int(readermon.DefaultPollInterval / time.Millisecond),
		DeviceConnectTimeoutMs:   2000,
		DeviceReconnectInitialMs: int(reconnect.InitialDelay / time.Millisecond),
	}
}

// Callbacks wires the manager's lifecycle events up to IPC publication.
// Every field is optional.
type Callbacks struct {
	DeviceConnected    func(deviceID oathtypes.DeviceID)
	DeviceDisconnected func(deviceID oathtypes.DeviceID)
	DeviceForgotten    func(deviceID oathtypes.DeviceID)
	CredentialsChanged func()
	StateChanged       func(deviceID oathtypes.DeviceID, state oathtypes.DeviceState)
	TouchRequired      func(deviceID oathtypes.DeviceID)
	ErrorOccurred      func(deviceID oathtypes.DeviceID, err error)
}

// entry pairs a connected Device with the reader it was last known to sit
// on, so reader-list-change handling can find it by name.
type entry struct {
	device     *device.Device
	readerName oathtypes.ReaderName
}

// Manager orchestrates the device fleet. The zero value is not usable;
// construct with New.
type Manager struct {
	mu sync.Mutex

	ctx            Context
	ctxFactory     contextFactory
	monitor        *readermon.Monitor
	coordinator    *reconnect.Coordinator
	pool           *workerpool.Pool
	cfg            Config
	cb             Callbacks
	log            *logrus.Entry
	devices        map[oathtypes.DeviceID]*entry
	readerToDevice map[oathtypes.ReaderName]oathtypes.DeviceID

	metadata  MetadataStore
	passwords PasswordStore
}

func errDeviceNotFound(deviceID oathtypes.DeviceID) error {
	return trace.NotFound("no connected device %q", deviceID)
}

// New constructs a Manager. ctxFactory is invoked once by Initialize and
// again on every PC/SC-loss recovery; pool is the single process-wide
// executor shared with the rest of the daemon, so ownership is the
// caller's — Manager neither creates nor closes it.
func New(ctxFactory func() (Context, error), pool *workerpool.Pool, cfg Config, cb Callbacks, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		ctxFactory:     ctxFactory,
		pool:           pool,
		cfg:            cfg,
		cb:             cb,
		log:            log,
		devices:        make(map[oathtypes.DeviceID]*entry),
		readerToDevice: make(map[oathtypes.ReaderName]oathtypes.DeviceID),
	}
	m.coordinator = reconnect.New(m.runReconnect, nil, m.onReconnectCompleted)
	return m
}

// Initialize establishes the resource-manager context. It does not start
// monitoring; call StartMonitoring separately once callers are wired up.
func (m *Manager) Initialize() error {
	ctx, err := m.ctxFactory()
	if err != nil {
		return trace.Wrap(err, "establishing PC/SC context")
	}
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	return nil
}

// StartMonitoring starts the reader monitor and schedules an async
// enumerate-and-connect pass over whatever readers are already present.
func (m *Manager) StartMonitoring() {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	m.monitor = readermon.New(ctx, time.Duration(m.cfg.ReaderPollIntervalMs)*time.Millisecond, readermon.Callbacks{
		ReaderListChanged: m.onReaderListChanged,
		CardInserted:      m.onCardInserted,
		CardRemoved:       m.onCardRemoved,
		PcscServiceLost:   m.onPcscServiceLost,
	})
	m.monitor.StartMonitoring()

	m.pool.Submit("", workerpool.Background, m.enumerateAndConnectAll)
}

// Close stops monitoring and disconnects every known Device.
func (m *Manager) Close() {
	if m.monitor != nil {
		m.monitor.StopMonitoring()
	}
	m.mu.Lock()
	ids := make([]oathtypes.DeviceID, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.DisconnectDevice(id)
	}
}

// Devices returns a snapshot of currently connected device ids.
func (m *Manager) Devices() []oathtypes.DeviceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]oathtypes.DeviceID, 0, len(m.devices))
	for id := range m.devices {
		out = append(out, id)
	}
	return out
}

// Device looks up a connected Device by id.
func (m *Manager) Device(id oathtypes.DeviceID) (*device.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.devices[id]
	if !ok {
		return nil, false
	}
	return e.device, true
}

func (m *Manager) enumerateAndConnectAll() {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		return
	}
	readers, err := ctx.ListReaders()
	if err != nil {
		return
	}
	for _, r := range readers {
		readerName := oathtypes.ReaderName(r)
		m.mu.Lock()
		_, bound := m.readerToDevice[readerName]
		m.mu.Unlock()
		if bound {
			continue
		}
		m.connectAsync(r)
	}
}

func (m *Manager) connectAsync(readerName string) {
	m.pool.Submit("", workerpool.Normal, func() {
		if err := m.ConnectToDevice(readerName); err != nil {
			m.log.WithError(err).WithField("reader", readerName).Debug("connect attempt failed")
		}
	})
}

// probeResult is what the throwaway connect-time Session yields before a
// real Device is constructed.
type probeResult struct {
	deviceID         oathtypes.DeviceID
	requiresPassword bool
	hasSelectSerial  bool
	firmware         oathtypes.FirmwareVersion
}

// ConnectToDevice brings one reader's card online: connect with a
// deadline, probe brand/OATH-presence with a throwaway Session, rebind any
// existing Device on the same DeviceID, then build and register the real
// Device.
func (m *Manager) ConnectToDevice(readerName string) error {
	result, err := m.connectWithDeadline(readerName)
	if err != nil {
		return trace.Wrap(err, "connecting to reader %q", readerName)
	}

	prelimBrand := oathtypes.DetectBrand(readerName, oathtypes.FirmwareVersion{}, false)
	variant := oath.ForBrand(prelimBrand)

	probe, err := m.probeOath(result, variant)
	if err != nil {
		_ = pcsc.Disconnect(result.Card)
		return trace.Wrap(err, "probing OATH applet on %q", readerName)
	}

	brand := oathtypes.DetectBrand(readerName, probe.firmware, probe.hasSelectSerial)
	variant = oath.ForBrand(brand)

	if _, ok := m.Device(probe.deviceID); ok {
		// Reader re-binding: the same token reappeared on a different
		// reader slot, or reconnected under a fresh handle we did not
		// already know about. Drop the stale Device before registering
		// the new one under the same id.
		m.DisconnectDevice(probe.deviceID)
	}

	rateLimit := time.Duration(m.cfg.PcscRateLimitMs) * time.Millisecond
	dev, err := device.New(
		result.Card,
		variant,
		probe.deviceID,
		oathtypes.ReaderName(readerName),
		probe.requiresPassword,
		rateLimit,
		m.pool,
		connectorFunc(func(reader string) (pcsc.ConnectResult, error) {
			m.mu.Lock()
			ctx := m.ctx
			m.mu.Unlock()
			if ctx == nil {
				return pcsc.ConnectResult{}, trace.BadParameter("no PC/SC context")
			}
			return ctx.Connect(reader)
		}),
		device.Callbacks{
			TouchRequired: func() {
				if m.cb.TouchRequired != nil {
					m.cb.TouchRequired(probe.deviceID)
				}
			},
			ErrorOccurred: func(err error) {
				if m.cb.ErrorOccurred != nil {
					m.cb.ErrorOccurred(probe.deviceID, err)
				}
			},
			CredentialsChanged: m.cb.CredentialsChanged,
			CredentialCacheFetched: func(creds []oathtypes.OathCredential) {
				m.persistCredentials(probe.deviceID, creds)
				if m.cb.CredentialsChanged != nil {
					m.cb.CredentialsChanged()
				}
			},
			NeedsReconnect: func(deviceID oathtypes.DeviceID, readerName oathtypes.ReaderName, cmd apdu.Command) {
				m.ReconnectDeviceAsync(deviceID, readerName, cmd)
			},
			StateChanged: func(s oathtypes.DeviceState) {
				if m.cb.StateChanged != nil {
					m.cb.StateChanged(probe.deviceID, s)
				}
			},
		},
	)
	if err != nil {
		_ = pcsc.Disconnect(result.Card)
		return trace.Wrap(err, "constructing device for %q", readerName)
	}

	m.mu.Lock()
	m.devices[probe.deviceID] = &entry{device: dev, readerName: oathtypes.ReaderName(readerName)}
	m.readerToDevice[oathtypes.ReaderName(readerName)] = probe.deviceID
	m.mu.Unlock()

	m.recordDeviceSeen(probe.deviceID, probe.requiresPassword)

	if m.cb.DeviceConnected != nil {
		m.cb.DeviceConnected(probe.deviceID)
	}
	return nil
}

// connectWithDeadline bounds the blocking platform connect, which can hang
// on unresponsive firmware. The call is dispatched to its own goroutine so
// its parameters survive past a timed-out caller.
func (m *Manager) connectWithDeadline(readerName string) (pcsc.ConnectResult, error) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		return pcsc.ConnectResult{}, trace.BadParameter("manager not initialized")
	}

	type outcome struct {
		result pcsc.ConnectResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func(reader string) {
		r, err := ctx.Connect(reader)
		ch <- outcome{r, err}
	}(readerName)

	deadline := time.Duration(m.cfg.DeviceConnectTimeoutMs) * time.Millisecond
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	select {
	case o := <-ch:
		return o.result, o.err
	case <-time.After(deadline):
		return pcsc.ConnectResult{}, oatherr.ErrTimeout
	}
}

// probeOath runs a throwaway SELECT OATH on a freshly connected card.
// Non-OATH cards fail here and are silently disconnected by the caller.
func (m *Manager) probeOath(result pcsc.ConnectResult, variant oath.Variant) (probeResult, error) {
	session := oathsession.New(result.Card, variant, 0, oathsession.Callbacks{})
	if err := session.SelectOathApplication(); err != nil {
		return probeResult{}, err
	}
	_, hasSerial := session.SelectSerialNumber()
	return probeResult{
		deviceID:         session.DeviceID(),
		requiresPassword: session.RequiresPassword(),
		hasSelectSerial:  hasSerial,
		firmware:         session.FirmwareVersion(),
	}, nil
}

// DisconnectDevice removes deviceID from the maps, drops its Device (which
// disconnects the handle), and emits deviceDisconnected +
// credentialsChanged. A deviceID not present is a no-op.
func (m *Manager) DisconnectDevice(deviceID oathtypes.DeviceID) {
	m.mu.Lock()
	e, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.devices, deviceID)
	delete(m.readerToDevice, e.readerName)
	m.mu.Unlock()

	e.device.Close()

	if m.cb.DeviceDisconnected != nil {
		m.cb.DeviceDisconnected(deviceID)
	}
	if m.cb.CredentialsChanged != nil {
		m.cb.CredentialsChanged()
	}
}

// ForgetDevice removes the Device from memory if present, and always emits
// deviceForgotten: the IPC layer may have a published object even for a
// device that is no longer connected.
func (m *Manager) ForgetDevice(deviceID oathtypes.DeviceID) {
	m.mu.Lock()
	_, ok := m.devices[deviceID]
	m.mu.Unlock()
	if ok {
		m.DisconnectDevice(deviceID)
	}
	m.forgetStoredState(deviceID)
	if m.cb.DeviceForgotten != nil {
		m.cb.DeviceForgotten(deviceID)
	}
}

// ReconnectDeviceAsync arms the coordinator to reconnect deviceID on
// readerName after a card reset. command is stored with the coordinator's
// target; nothing reads it back.
func (m *Manager) ReconnectDeviceAsync(deviceID oathtypes.DeviceID, readerName oathtypes.ReaderName, command apdu.Command) {
	m.coordinator.StartReconnect(string(deviceID), string(readerName), command)
}

// runReconnect is the coordinator's reconnectFunc: look up the Device
// currently bound to readerName and call its ReconnectCardHandle. The
// lookup does not use the deviceID passed to StartReconnect.
func (m *Manager) runReconnect(readerName string) reconnect.Result {
	// The coordinator only carries the deviceID as a string; recover it via
	// the reader-to-device map snapshot taken at StartReconnect time would
	// race a concurrent rebind, so instead look the device up by its last
	// known reader-name binding, which is stable across a reset (the device
	// does not change readers mid-reset).
	m.mu.Lock()
	id, ok := m.readerToDevice[oathtypes.ReaderName(readerName)]
	var dev *device.Device
	if ok {
		if e, ok := m.devices[id]; ok {
			dev = e.device
		}
	}
	m.mu.Unlock()
	if dev == nil {
		return reconnect.Result{Err: oatherr.ErrDeviceDisconnected}
	}
	return reconnect.Result{Err: dev.ReconnectCardHandle(readerName)}
}

// onReconnectCompleted observes the coordinator's completion.
// Device.ReconnectCardHandle already calls
// session.NotifyReconnectReady/Failed itself on the success/failure path,
// so logging is this callback's only remaining duty.
func (m *Manager) onReconnectCompleted(deviceID string, success bool) {
	m.log.WithFields(logrus.Fields{"deviceId": deviceID, "success": success}).Debug("reconnect completed")
}

// onReaderListChanged disconnects any Device whose reader disappeared and
// schedules a connect attempt for any newly seen reader.
func (m *Manager) onReaderListChanged(readers []string) {
	seen := make(map[oathtypes.ReaderName]bool, len(readers))
	for _, r := range readers {
		seen[oathtypes.ReaderName(r)] = true
	}

	m.mu.Lock()
	var gone []oathtypes.DeviceID
	for reader, id := range m.readerToDevice {
		if !seen[reader] {
			gone = append(gone, id)
		}
	}
	m.mu.Unlock()
	for _, id := range gone {
		m.DisconnectDevice(id)
	}

	m.mu.Lock()
	var fresh []string
	for _, r := range readers {
		if _, bound := m.readerToDevice[oathtypes.ReaderName(r)]; !bound {
			fresh = append(fresh, r)
		}
	}
	m.mu.Unlock()
	for _, r := range fresh {
		m.connectAsync(r)
	}
}

// onCardInserted ignores duplicate events for an already-mapped reader and
// otherwise schedules a connect attempt.
func (m *Manager) onCardInserted(readerName string) {
	m.mu.Lock()
	_, bound := m.readerToDevice[oathtypes.ReaderName(readerName)]
	m.mu.Unlock()
	if bound {
		return
	}
	m.connectAsync(readerName)
}

// onCardRemoved finds the DeviceId bound to readerName and disconnects it.
func (m *Manager) onCardRemoved(readerName string) {
	m.mu.Lock()
	id, ok := m.readerToDevice[oathtypes.ReaderName(readerName)]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.DisconnectDevice(id)
}

// onPcscServiceLost recovers from a PC/SC daemon restart: stop the
// monitor, drop every Device (their handles are already invalid), release
// the context, wait for the daemon to settle, re-establish the context,
// then reset the monitor state and resume.
func (m *Manager) onPcscServiceLost() {
	m.mu.Lock()
	ids := make([]oathtypes.DeviceID, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	oldCtx := m.ctx
	m.mu.Unlock()

	for _, id := range ids {
		m.DisconnectDevice(id)
	}

	if oldCtx != nil {
		_ = oldCtx.Release()
	}

	time.Sleep(500 * time.Millisecond)

	newCtx, err := m.ctxFactory()
	if err != nil {
		m.log.WithError(err).Error("failed to re-establish PC/SC context after service loss")
		return
	}

	m.mu.Lock()
	m.ctx = newCtx
	m.mu.Unlock()

	if m.monitor != nil {
		m.monitor.ResetPcscServiceState()
	}
	m.StartMonitoring()
}

// connectorFunc adapts a plain function to device.Connector.
type connectorFunc func(reader string) (pcsc.ConnectResult, error)

func (f connectorFunc) Connect(reader string) (pcsc.ConnectResult, error) { return f(reader) }

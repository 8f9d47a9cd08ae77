// SPDX-License-Identifier: Apache-2.0

// Package device implements the per-token Device: the owner of one OATH
// session and its cached credential catalog, sitting between the manager
// (which discovers and connects readers) and internal/oathsession (which
// speaks the wire protocol).
package device

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/jkolo/oathd/internal/apdu"
	"github.com/jkolo/oathd/internal/oath"
	"github.com/jkolo/oathd/internal/oatherr"
	"github.com/jkolo/oathd/internal/oathsession"
	"github.com/jkolo/oathd/internal/oathtypes"
	"github.com/jkolo/oathd/internal/pcsc"
	"github.com/jkolo/oathd/internal/workerpool"
)

// codeCacheSize bounds the TOTP code cache: comfortably more than any token
// stores credentials for, so it never evicts the one a caller just computed.
const codeCacheSize = 128

// defaultReconnectBackoff is the exponential schedule ReconnectCardHandle
// steps through between connect attempts, capped at ~5s total.
var defaultReconnectBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
}

const destroyWaitTimeout = 5 * time.Second
const destroyPollInterval = 100 * time.Millisecond

// Callbacks wires the Device's outward signals. Every field is optional.
type Callbacks struct {
	TouchRequired          func()
	ErrorOccurred          func(error)
	CredentialsChanged     func()
	CredentialCacheFetched func([]oathtypes.OathCredential)
	NeedsReconnect         func(deviceID oathtypes.DeviceID, readerName oathtypes.ReaderName, cmd apdu.Command)
	StateChanged           func(newState oathtypes.DeviceState)
}

// Connector is the subset of *pcsc.Context reconnectCardHandle needs,
// narrowed to an interface so it can be exercised with a fake in tests.
type Connector interface {
	Connect(reader string) (pcsc.ConnectResult, error)
}

type cachedCode struct {
	code       string
	validUntil int64
}

// Device is one connected token: its session, its cached credential
// catalog, and the identity/state bookkeeping the manager publishes. The
// zero value is not usable; construct with New.
type Device struct {
	mu sync.Mutex

	deviceID         oathtypes.DeviceID
	readerName       oathtypes.ReaderName
	variant          oath.Variant
	firmwareVersion  oathtypes.FirmwareVersion
	deviceModel      oathtypes.DeviceModel
	serialNumber     uint32
	formFactor       byte
	requiresPassword bool

	credentials      []oathtypes.OathCredential
	updateInProgress bool
	state            oathtypes.DeviceState
	lastError        error

	card      pcsc.Card
	session   *oathsession.Session
	pool      *workerpool.Pool
	connector Connector
	rateLimit time.Duration

	codeCache *lru.Cache[string, cachedCode]
	sfGroup   singleflight.Group

	reconnectBackoff []time.Duration

	callbacks Callbacks
}

// New builds a Device over an already-connected, already-SELECTed-by-the-
// manager card handle: it wires the brand's session, runs SELECT to leave
// OATH selected and capture firmware, probes for extended device info, and
// settles into Authenticating or FetchingCredentials. pool is the shared
// process-wide executor; connector is used only by ReconnectCardHandle.
func New(
	card pcsc.Card,
	variant oath.Variant,
	deviceID oathtypes.DeviceID,
	readerName oathtypes.ReaderName,
	requiresPassword bool,
	rateLimit time.Duration,
	pool *workerpool.Pool,
	connector Connector,
	cb Callbacks,
) (*Device, error) {
	cache, _ := lru.New[string, cachedCode](codeCacheSize)

	d := &Device{
		deviceID:         deviceID,
		readerName:       readerName,
		variant:          variant,
		requiresPassword: requiresPassword,
		card:             card,
		pool:             pool,
		connector:        connector,
		rateLimit:        rateLimit,
		codeCache:        cache,
		reconnectBackoff: defaultReconnectBackoff,
		callbacks:        cb,
	}

	d.setState(oathtypes.StateConnecting)

	d.session = oathsession.New(card, variant, rateLimit, oathsession.Callbacks{
		TouchRequired: func() {
			if d.callbacks.TouchRequired != nil {
				d.callbacks.TouchRequired()
			}
		},
		ErrorOccurred: func(err error) {
			d.setLastError(err)
			if d.callbacks.ErrorOccurred != nil {
				d.callbacks.ErrorOccurred(err)
			}
		},
		CardResetDetected: func(cmd apdu.Command) {
			if d.callbacks.NeedsReconnect != nil {
				d.callbacks.NeedsReconnect(d.deviceID, d.readerName, cmd)
			}
		},
	})

	if err := d.session.SelectOathApplication(); err != nil {
		d.setLastError(err)
		d.setState(oathtypes.StateError)
		return nil, err
	}
	d.firmwareVersion = d.session.FirmwareVersion()

	if info, ok := d.session.GetExtendedDeviceInfo(string(readerName)); ok {
		d.serialNumber = info.SerialNumber
		d.deviceModel = info.DeviceModel
		d.formFactor = info.FormFactor
		if !info.FirmwareVersion.IsUnknown() {
			d.firmwareVersion = info.FirmwareVersion
		}
	} else {
		d.deviceModel = fallbackModel(variant.Brand(), string(readerName), d.firmwareVersion)
		d.formFactor = d.deviceModel.FormFactor
	}

	if d.requiresPassword {
		d.setState(oathtypes.StateAuthenticating)
	} else {
		d.setState(oathtypes.StateFetchingCredentials)
	}

	return d, nil
}

// fallbackModel runs when GetExtendedDeviceInfo's probe strategies all
// fail: brand-specific model detection from what's already known (reader
// name, firmware) rather than another card round trip.
func fallbackModel(brand oathtypes.Brand, readerName string, firmware oathtypes.FirmwareVersion) oathtypes.DeviceModel {
	if brand == oathtypes.BrandNitrokey {
		model, _ := oathtypes.DecodeNitrokeyModel(firmware, false)
		return model
	}
	nfc := strings.Contains(strings.ToLower(readerName), "nfc")
	return oathtypes.DecodeYubiKeyModel(firmware, oathtypes.FormFactorUnknown, nfc)
}

// --- Getters ---

func (d *Device) DeviceID() oathtypes.DeviceID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceID
}

func (d *Device) ReaderName() oathtypes.ReaderName {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readerName
}

func (d *Device) FirmwareVersion() oathtypes.FirmwareVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmwareVersion
}

func (d *Device) DeviceModel() oathtypes.DeviceModel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceModel
}

func (d *Device) SerialNumber() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serialNumber
}

func (d *Device) RequiresPassword() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requiresPassword
}

func (d *Device) FormFactor() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.formFactor
}

// Credentials returns a snapshot copy of the cached catalog.
func (d *Device) Credentials() []oathtypes.OathCredential {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]oathtypes.OathCredential, len(d.credentials))
	copy(out, d.credentials)
	return out
}

func (d *Device) IsUpdateInProgress() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateInProgress
}

func (d *Device) State() oathtypes.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastError
}

// HasPassword reports the live password-set status, updated by
// SetPassword, ChangePassword (an empty new password removes it) and
// AuthenticateWithPassword as they run.
func (d *Device) HasPassword() bool {
	return d.RequiresPassword()
}

// --- Operations ---

// GenerateCode computes name's current TOTP/HOTP code, serving it from the
// period-aligned cache when available. The session layer already retries
// once on InsNotSupported/session-lost after forcing a re-authenticate
// (oathsession.CalculateCode); Device only adds caching on top.
func (d *Device) GenerateCode(name string) (string, error) {
	if code, ok := d.cachedCode(name); ok {
		return code, nil
	}

	session := d.currentSession()
	code, err := session.CalculateCode(name, 30*time.Second)
	if err != nil {
		d.setLastError(err)
		return "", err
	}
	d.storeCachedCode(name, code)
	return code, nil
}

func (d *Device) cachedCode(name string) (string, bool) {
	v, ok := d.codeCache.Get(name)
	if !ok {
		return "", false
	}
	if time.Now().Unix() >= v.validUntil {
		d.codeCache.Remove(name)
		return "", false
	}
	return v.code, true
}

func (d *Device) storeCachedCode(name, code string) {
	now := time.Now().Unix()
	validUntil := now - now%30 + 30
	d.codeCache.Add(name, cachedCode{code: code, validUntil: validUntil})
}

// AuthenticateWithPassword verifies the device password and, on success,
// triggers the initial credential fetch.
func (d *Device) AuthenticateWithPassword(password string) error {
	session := d.currentSession()
	if err := session.Authenticate(password); err != nil {
		d.setLastError(err)
		return err
	}
	d.mu.Lock()
	d.requiresPassword = true
	d.mu.Unlock()
	d.setState(oathtypes.StateFetchingCredentials)
	d.UpdateCredentialCacheAsync("")
	return nil
}

// AddCredential stores a new credential and refreshes the cache.
func (d *Device) AddCredential(data oathtypes.OathCredentialData) error {
	session := d.currentSession()
	if err := session.PutCredential(data); err != nil {
		d.setLastError(err)
		return err
	}
	d.UpdateCredentialCacheAsync("")
	return nil
}

// DeleteCredential removes a credential and refreshes the cache.
func (d *Device) DeleteCredential(name string) error {
	session := d.currentSession()
	if err := session.DeleteCredential(name); err != nil {
		d.setLastError(err)
		return err
	}
	d.codeCache.Remove(name)
	d.UpdateCredentialCacheAsync("")
	return nil
}

// ChangePassword authenticates with old and sets new (or removes the
// password if new is empty).
func (d *Device) ChangePassword(oldPassword, newPassword string) error {
	session := d.currentSession()
	if err := session.ChangePassword(oldPassword, newPassword); err != nil {
		d.setLastError(err)
		return err
	}
	d.mu.Lock()
	d.requiresPassword = newPassword != ""
	d.mu.Unlock()
	return nil
}

// SetPassword sets the device password for the first time (no prior
// password required), advancing Authenticating devices to fetch credentials.
func (d *Device) SetPassword(password string) error {
	session := d.currentSession()
	if err := session.SetPassword(password); err != nil {
		d.setLastError(err)
		return err
	}
	d.mu.Lock()
	d.requiresPassword = true
	wasAuthenticating := d.state == oathtypes.StateAuthenticating
	d.mu.Unlock()
	if wasAuthenticating {
		d.setState(oathtypes.StateFetchingCredentials)
		d.UpdateCredentialCacheAsync(password)
	}
	return nil
}

// CancelPendingOperation aborts a pending touch prompt.
func (d *Device) CancelPendingOperation() error {
	return d.currentSession().CancelOperation()
}

// UpdateCredentialCacheAsync dispatches a worker-pool task that refetches
// the catalog and atomically replaces it. Concurrent callers collapse onto
// a single in-flight fetch via singleflight.
func (d *Device) UpdateCredentialCacheAsync(password string) {
	d.pool.Submit(string(d.deviceID), workerpool.Normal, func() {
		_, err, _ := d.sfGroup.Do("fetch", func() (interface{}, error) {
			d.setUpdateInProgress(true)
			defer d.setUpdateInProgress(false)

			creds, err := d.fetchCredentialsSync(password)
			if err != nil {
				return nil, err
			}

			d.mu.Lock()
			d.credentials = creds
			advance := d.state == oathtypes.StateFetchingCredentials || d.state == oathtypes.StateAuthenticating
			d.mu.Unlock()

			if advance {
				d.setState(oathtypes.StateReady)
			}
			if d.callbacks.CredentialCacheFetched != nil {
				d.callbacks.CredentialCacheFetched(creds)
			}
			if d.callbacks.CredentialsChanged != nil {
				d.callbacks.CredentialsChanged()
			}
			return creds, nil
		})
		if err != nil {
			d.setLastError(err)
			d.setState(oathtypes.StateError)
			if d.callbacks.ErrorOccurred != nil {
				d.callbacks.ErrorOccurred(err)
			}
		}
	})
}

// FetchCredentialsSync runs the catalog fetch synchronously, optionally
// authenticating first. password may be empty to rely on the session's
// already-cached password.
func (d *Device) FetchCredentialsSync(password string) ([]oathtypes.OathCredential, error) {
	return d.fetchCredentialsSync(password)
}

func (d *Device) fetchCredentialsSync(password string) ([]oathtypes.OathCredential, error) {
	session := d.currentSession()
	if password != "" {
		if err := session.Authenticate(password); err != nil {
			return nil, err
		}
	}
	return session.CalculateAll()
}

// ReconnectCardHandle recovers the card handle after a reset: best-effort
// disconnect of the stale handle, reconnect with exponential backoff, a
// throwaway verification SELECT on the new handle, then UpdateCardHandle
// and the reconnect rendezvous.
func (d *Device) ReconnectCardHandle(readerName string) error {
	d.mu.Lock()
	oldCard := d.card
	session := d.session
	variant := d.variant
	rateLimit := d.rateLimit
	connector := d.connector
	backoff := d.reconnectBackoff
	d.mu.Unlock()

	if oldCard != nil {
		_ = pcsc.Disconnect(oldCard)
	}

	result, err := connectWithBackoff(connector, readerName, backoff)
	if err != nil {
		session.NotifyReconnectFailed()
		return oatherr.ErrDeviceDisconnected
	}

	verify := oathsession.New(result.Card, variant, rateLimit, oathsession.Callbacks{})
	if err := verify.SelectOathApplication(); err != nil {
		_ = pcsc.Disconnect(result.Card)
		session.NotifyReconnectFailed()
		return oatherr.ErrDeviceDisconnected
	}

	session.UpdateCardHandle(result.Card, result.Protocol)
	d.mu.Lock()
	d.card = result.Card
	d.mu.Unlock()
	session.NotifyReconnectReady()
	return nil
}

func connectWithBackoff(connector Connector, readerName string, backoff []time.Duration) (pcsc.ConnectResult, error) {
	const totalBudget = 5 * time.Second
	deadline := time.Now().Add(totalBudget)

	result, err := connector.Connect(readerName)
	if err == nil {
		return result, nil
	}
	for _, delay := range backoff {
		if time.Now().Add(delay).After(deadline) {
			break
		}
		time.Sleep(delay)
		result, err = connector.Connect(readerName)
		if err == nil {
			return result, nil
		}
	}
	return pcsc.ConnectResult{}, err
}

// Close waits up to 5s (50x100ms polls) for a pending cache update to
// finish, then disconnects leaving the card powered.
func (d *Device) Close() {
	deadline := time.Now().Add(destroyWaitTimeout)
	for d.IsUpdateInProgress() && time.Now().Before(deadline) {
		time.Sleep(destroyPollInterval)
	}

	d.mu.Lock()
	card := d.card
	d.mu.Unlock()
	if card != nil {
		_ = pcsc.Disconnect(card)
	}
}

func (d *Device) currentSession() *oathsession.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

func (d *Device) setState(s oathtypes.DeviceState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	if d.callbacks.StateChanged != nil {
		d.callbacks.StateChanged(s)
	}
}

func (d *Device) setLastError(err error) {
	d.mu.Lock()
	d.lastError = err
	d.mu.Unlock()
}

func (d *Device) setUpdateInProgress(v bool) {
	d.mu.Lock()
	d.updateInProgress = v
	d.mu.Unlock()
}

// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"time"

	"github.com/jkolo/oathd/internal/oathtypes"
	"github.com/jkolo/oathd/internal/workerpool"
)

// DeviceRecord is one row of the metadata store's device table: the
// persisted identity and display name of a token, whether or not it is
// currently connected.
type DeviceRecord struct {
	DeviceID oathtypes.DeviceID
	Name     string
	LastSeen time.Time
}

// MetadataStore is the persistent device/credential metadata collaborator
// this daemon consumes but does not implement. Implementations live with
// the IPC layer; the manager only calls through this seam and tolerates a
// nil store.
type MetadataStore interface {
	GetAllDevices() ([]DeviceRecord, error)
	AddDevice(record DeviceRecord) error
	RemoveDevice(deviceID oathtypes.DeviceID) error
	UpdateLastSeen(deviceID oathtypes.DeviceID, at time.Time) error
	SetDeviceName(deviceID oathtypes.DeviceID, name string) error
	CountDevicesWithNamePrefix(prefix string) (int, error)
	SaveCredentials(deviceID oathtypes.DeviceID, creds []oathtypes.OathCredential) error
	GetCredentials(deviceID oathtypes.DeviceID) ([]oathtypes.OathCredential, error)
	ClearCredentials(deviceID oathtypes.DeviceID) error
}

// PasswordStore is the credential-secret collaborator holding device
// passwords. Like MetadataStore, it is consumed through this seam only and
// may be nil.
type PasswordStore interface {
	LoadPassword(deviceID oathtypes.DeviceID) (string, bool, error)
	SavePassword(deviceID oathtypes.DeviceID, password string) error
	DeletePassword(deviceID oathtypes.DeviceID) error
}

// AttachStores wires the optional metadata and password collaborators in.
// Call before StartMonitoring; either argument may be nil to leave that
// concern unwired.
func (m *Manager) AttachStores(meta MetadataStore, passwords PasswordStore) {
	m.mu.Lock()
	m.metadata = meta
	m.passwords = passwords
	m.mu.Unlock()
}

// recordDeviceSeen persists the connect in the metadata store and, when the
// device needs a password the store remembers, schedules a silent
// authentication so the device reaches Ready without prompting.
func (m *Manager) recordDeviceSeen(deviceID oathtypes.DeviceID, requiresPassword bool) {
	m.mu.Lock()
	meta := m.metadata
	passwords := m.passwords
	m.mu.Unlock()

	if meta != nil {
		now := time.Now()
		if err := meta.AddDevice(DeviceRecord{DeviceID: deviceID, LastSeen: now}); err != nil {
			m.log.WithError(err).WithField("deviceId", deviceID).Warn("failed to persist device record")
		}
		if err := meta.UpdateLastSeen(deviceID, now); err != nil {
			m.log.WithError(err).WithField("deviceId", deviceID).Warn("failed to update last-seen")
		}
	}

	if !requiresPassword || passwords == nil {
		return
	}
	password, ok, err := passwords.LoadPassword(deviceID)
	if err != nil || !ok {
		return
	}
	m.pool.Submit(string(deviceID), workerpool.Normal, func() {
		dev, found := m.Device(deviceID)
		if !found {
			return
		}
		if err := dev.AuthenticateWithPassword(password); err != nil {
			m.log.WithError(err).WithField("deviceId", deviceID).Warn("stored password rejected")
		}
	})
}

// persistCredentials mirrors a fresh credential-cache fetch into the
// metadata store.
func (m *Manager) persistCredentials(deviceID oathtypes.DeviceID, creds []oathtypes.OathCredential) {
	m.mu.Lock()
	meta := m.metadata
	m.mu.Unlock()
	if meta == nil {
		return
	}
	if err := meta.SaveCredentials(deviceID, creds); err != nil {
		m.log.WithError(err).WithField("deviceId", deviceID).Warn("failed to persist credential cache")
	}
}

// AuthenticateDevice verifies password against the device and, on success,
// saves it in the password store so future connects authenticate silently.
func (m *Manager) AuthenticateDevice(deviceID oathtypes.DeviceID, password string) error {
	dev, ok := m.Device(deviceID)
	if !ok {
		return errDeviceNotFound(deviceID)
	}
	if err := dev.AuthenticateWithPassword(password); err != nil {
		return err
	}
	m.mu.Lock()
	passwords := m.passwords
	m.mu.Unlock()
	if passwords != nil {
		if err := passwords.SavePassword(deviceID, password); err != nil {
			m.log.WithError(err).WithField("deviceId", deviceID).Warn("failed to save device password")
		}
	}
	return nil
}

// forgetStoredState drops everything the collaborators remember about
// deviceID, invoked by ForgetDevice.
func (m *Manager) forgetStoredState(deviceID oathtypes.DeviceID) {
	m.mu.Lock()
	meta := m.metadata
	passwords := m.passwords
	m.mu.Unlock()

	if meta != nil {
		if err := meta.ClearCredentials(deviceID); err != nil {
			m.log.WithError(err).WithField("deviceId", deviceID).Warn("failed to clear stored credentials")
		}
		if err := meta.RemoveDevice(deviceID); err != nil {
			m.log.WithError(err).WithField("deviceId", deviceID).Warn("failed to remove device record")
		}
	}
	if passwords != nil {
		if err := passwords.DeletePassword(deviceID); err != nil {
			m.log.WithError(err).WithField("deviceId", deviceID).Warn("failed to delete stored password")
		}
	}
}

// SPDX-License-Identifier: Apache-2.0

// Package oatherr defines the subsystem's error kinds as Go error values
// instead of stable string identifiers, so callers can compare with
// errors.Is; Identifier maps a kind to the OATH_ERROR_* string expected by
// IPC clients.
package oatherr

import "errors"

// Exported kinds: every one of these may be surfaced to a caller of
// internal/oathsession or internal/device.
var (
	// ErrCommunication: transmit returned empty, or unexpected I/O.
	ErrCommunication = errors.New("communication error")
	// ErrInvalidResponse: TLV/status-word parse failed.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrPasswordRequired: SW 0x6982 outside a touch context.
	ErrPasswordRequired = errors.New("password required")
	// ErrAuthenticationFailed: VALIDATE's RESPONSE tag did not verify.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrTouchRequired: the brand's touch status word was returned.
	ErrTouchRequired = errors.New("touch required")
	// ErrCredentialNotFound: SW 0x6984 on DELETE/CALCULATE.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrInvalidData: SW 0x6A80 on PUT.
	ErrInvalidData = errors.New("invalid data")
	// ErrNoSpace: SW 0x6A84 on PUT.
	ErrNoSpace = errors.New("no space")
	// ErrTimeout: connect or touch exceeded its budget.
	ErrTimeout = errors.New("timeout")
	// ErrDeviceDisconnected: card removed or reader vanished mid-operation.
	ErrDeviceDisconnected = errors.New("device disconnected")
	// ErrPcscServiceLost: the platform reported "no service".
	ErrPcscServiceLost = errors.New("pcsc service lost")
)

// Internal-only kinds: these must never escape internal/oathsession.
var (
	// errCardResetDetected names the card-reset condition; sendApdu detects
	// resets with pcsc.IsCardReset and handles them in its own retry loop.
	errCardResetDetected = errors.New("card reset detected")
	// errSessionLost (SW 0x6D00/0x6E00) triggers CalculateCode's
	// re-SELECT-and-retry in internal/oathsession.
	errSessionLost = errors.New("session lost")
)

// ErrCardResetDetected reports whether err is the internal card-reset
// signal. Exposed read-only so tests in this module's subpackages can
// assert on it without being able to construct or wrap it externally.
func ErrCardResetDetected(err error) bool { return errors.Is(err, errCardResetDetected) }

// ErrSessionLost reports whether err is the internal session-lost signal.
func ErrSessionLost(err error) bool { return errors.Is(err, errSessionLost) }

// NewCardResetDetected returns the internal card-reset signal. It carries
// no details of the APDU that triggered the reset.
func NewCardResetDetected() error { return errCardResetDetected }

// NewSessionLost constructs the internal session-lost signal.
func NewSessionLost() error { return errSessionLost }

// Identifier is the stable, i18n-independent string IPC clients compare
// against programmatically.
func Identifier(err error) string {
	switch {
	case errors.Is(err, ErrPasswordRequired):
		return "OATH_ERROR_PASSWORD_REQUIRED"
	case errors.Is(err, ErrTouchRequired):
		return "OATH_ERROR_TOUCH_REQUIRED"
	case errors.Is(err, ErrAuthenticationFailed):
		return "OATH_ERROR_AUTHENTICATION_FAILED"
	case errors.Is(err, ErrCommunication):
		return "OATH_ERROR_COMMUNICATION"
	case errors.Is(err, ErrCredentialNotFound):
		return "OATH_ERROR_CREDENTIAL_NOT_FOUND"
	case errors.Is(err, ErrInvalidResponse):
		return "OATH_ERROR_INVALID_RESPONSE"
	case errors.Is(err, ErrTimeout):
		return "OATH_ERROR_TIMEOUT"
	case errors.Is(err, ErrDeviceDisconnected):
		return "OATH_ERROR_DEVICE_DISCONNECTED"
	case errors.Is(err, ErrInvalidData):
		return "OATH_ERROR_INVALID_DATA"
	case errors.Is(err, ErrNoSpace):
		return "OATH_ERROR_NO_SPACE"
	case errors.Is(err, ErrPcscServiceLost):
		return "OATH_ERROR_PCSC_SERVICE_LOST"
	default:
		return "OATH_ERROR_UNKNOWN"
	}
}

// FromStatusWord maps a raw OATH status word to its exported error kind for
// the operations that share this mapping (PUT/DELETE/CALCULATE). Brand
// variants additionally special-case the touch status word before falling
// back to this table.
func FromStatusWord(sw uint16) error {
	switch sw {
	case 0x6982:
		return ErrPasswordRequired
	case 0x6984:
		return ErrCredentialNotFound
	case 0x6A80:
		return ErrInvalidData
	case 0x6A84:
		return ErrNoSpace
	case 0x6D00, 0x6E00:
		return errSessionLost
	default:
		return ErrInvalidResponse
	}
}

// SPDX-License-Identifier: Apache-2.0

// Package oathtypes holds the data model shared by every layer of the OATH
// device subsystem: device/reader identifiers, brand and capability
// detection, firmware versions, device models and the credential catalog.
package oathtypes

import "fmt"

// DeviceID is an opaque per-token identifier derived from the SELECT
// response: the hex of the YubiKey's NAME challenge-salt, or the hex of the
// Nitrokey's 4-byte serial number when present. It is stable across
// connect/disconnect of the same physical token but changes across a
// factory reset.
type DeviceID string

// ReaderName is a platform string identifying one PC/SC reader slot.
type ReaderName string

// Brand identifies the detected token family.
type Brand int

const (
	BrandUnknown Brand = iota
	BrandYubiKey
	BrandNitrokey
)

func (b Brand) String() string {
	switch b {
	case BrandYubiKey:
		return "YubiKey"
	case BrandNitrokey:
		return "Nitrokey"
	default:
		return "Unknown"
	}
}

// FirmwareVersion is a totally ordered (major, minor, patch) triple. The
// zero value (0,0,0) is the explicit "unknown" marker used throughout this
// subsystem instead of sentinel errors.
type FirmwareVersion struct {
	Major, Minor, Patch byte
}

// IsUnknown reports whether v is the (0,0,0) "unknown firmware" marker.
func (v FirmwareVersion) IsUnknown() bool {
	return v == FirmwareVersion{}
}

// Compare returns -1, 0 or 1 as v is less than, equal to, or greater than o.
func (v FirmwareVersion) Compare(o FirmwareVersion) int {
	for _, p := range [][2]byte{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		if p[0] != p[1] {
			if p[0] < p[1] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v >= o.
func (v FirmwareVersion) AtLeast(o FirmwareVersion) bool {
	return v.Compare(o) >= 0
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Port bitfield values packed into DeviceModel.ModelCode.
const (
	PortUSBA      = 1
	PortUSBC      = 2
	PortLightning = 4
	PortNFC       = 8
)

// Capability bitfield values packed into DeviceModel.ModelCode.
const (
	CapFIDO2 = 1 << iota
	CapU2F
	CapOATH
	CapPIV
	CapOpenPGP
	CapOTP
	CapHMACSHA1
)

// Capabilities is the brand-derived behavior table: which enumeration
// command to trust, whether SELECT carries a serial, and which status word
// signals a touch prompt.
type Capabilities struct {
	// SupportsCalculateAll is true for YubiKey and false for Nitrokey. It is
	// not probed at runtime: oathsession.Session.CalculateAll never issues
	// CALCULATE_ALL to a Nitrokey, using LIST v1 with a standard-LIST fallback.
	SupportsCalculateAll bool
	// HasSelectSerial is true for Nitrokey (SELECT carries TAG_SERIAL_NUMBER).
	HasSelectSerial bool
	// PreferList is true for Nitrokey, where LIST is reliable; false for
	// YubiKey, where LIST has spurious touch errors and CALCULATE_ALL is
	// preferred.
	PreferList bool
	// TouchRequiredStatusWord is the brand's status word for "touch
	// required": 0x6985 for YubiKey, 0x6982 for Nitrokey.
	TouchRequiredStatusWord uint16
}

// IsTouchRequired accepts either brand's touch status word regardless of
// which brand is asking, for client-side cross-compatibility. Callers that
// can see session state must still rule out the password-required reading
// of 0x6982 first (see oathsession's CALCULATE path).
func IsTouchRequired(sw uint16) bool {
	return sw == 0x6985 || sw == 0x6982
}

// DetectCapabilities returns the dispatch table for brand. Firmware is not
// an input; the table is fixed per brand and nothing probes it at runtime.
func DetectCapabilities(brand Brand) Capabilities {
	switch brand {
	case BrandNitrokey:
		return Capabilities{
			SupportsCalculateAll:    false,
			HasSelectSerial:         true,
			PreferList:              true,
			TouchRequiredStatusWord: 0x6982,
		}
	default: // YubiKey and Unknown default to YubiKey behavior (never Unknown per detectBrand)
		return Capabilities{
			SupportsCalculateAll:    true,
			HasSelectSerial:         false,
			PreferList:              false,
			TouchRequiredStatusWord: 0x6985,
		}
	}
}

// DeviceModel is the uniform, brand-agnostic model description.
type DeviceModel struct {
	Brand        Brand
	ModelCode    uint32
	ModelString  string
	FormFactor   byte
	Capabilities []string
}

// ExtendedDeviceInfo is the result of internal/oathprobe's serial/model
// probe.
type ExtendedDeviceInfo struct {
	SerialNumber    uint32
	FirmwareVersion FirmwareVersion
	DeviceModel     DeviceModel
	FormFactor      byte
}

// Algorithm identifies the HMAC algorithm backing a credential.
type Algorithm byte

const (
	AlgorithmSHA1 Algorithm = iota + 1
	AlgorithmSHA256
	AlgorithmSHA512
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmSHA1:
		return "SHA1"
	case AlgorithmSHA256:
		return "SHA256"
	case AlgorithmSHA512:
		return "SHA512"
	default:
		return "unknown"
	}
}

// OathCredential is one catalog entry as published by LIST/CALCULATE_ALL or
// produced locally by an add-credential call.
type OathCredential struct {
	DeviceID      DeviceID
	OriginalName  string
	Issuer        string
	Account       string
	IsTOTP        bool
	Algorithm     Algorithm
	Digits        byte
	Period        uint16 // TOTP; default 30
	Counter       uint32 // HOTP
	RequiresTouch bool
	Code          string // empty if not yet calculated
	HasCode       bool
	ValidUntil    int64 // unix seconds; 0 if HasCode is false or not TOTP
}

// OathCredentialData is the mutation payload used only when adding a
// credential: the same fields as OathCredential plus the Base32 secret.
type OathCredentialData struct {
	OathCredential
	Secret string // Base32-encoded
}

// DeviceState is the per-Device state machine.
type DeviceState int

const (
	StateDisconnected DeviceState = iota
	StateConnecting
	StateAuthenticating
	StateFetchingCredentials
	StateReady
	StateError
)

func (s DeviceState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateFetchingCredentials:
		return "FetchingCredentials"
	case StateReady:
		return "Ready"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// IsTransitional reports whether s is one of the in-flight connect states.
func (s DeviceState) IsTransitional() bool {
	switch s {
	case StateConnecting, StateAuthenticating, StateFetchingCredentials:
		return true
	default:
		return false
	}
}

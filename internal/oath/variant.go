// SPDX-License-Identifier: Apache-2.0

package oath

import (
	"encoding/hex"

	"github.com/jkolo/oathd/internal/apdu"
	"github.com/jkolo/oathd/internal/oatherr"
	"github.com/jkolo/oathd/internal/oathtypes"
)

// Variant captures the handful of behaviors that differ between the two
// token families: touch-status-word interpretation, CALCULATE_ALL response
// shape, SELECT device-id source, and the CALCULATE command's trailing-Le
// requirement. Everything else in this package is brand-agnostic.
type Variant interface {
	Brand() oathtypes.Brand
	Capabilities() oathtypes.Capabilities

	// ParseCode parses a CALCULATE response, translating the brand's touch
	// status word into oatherr.ErrTouchRequired.
	ParseCode(resp []byte) (string, error)

	// ParseCalculateAllResponse parses a CALCULATE_ALL (YubiKey) or LIST v1
	// (Nitrokey) response into a full credential list with codes where
	// available. A standard LIST response is parsed by ParseListResponse.
	ParseCalculateAllResponse(resp []byte, deviceID oathtypes.DeviceID) ([]oathtypes.OathCredential, error)

	// ParseSelect parses a SELECT response, applying the brand's device-id
	// source override.
	ParseSelect(resp []byte) SelectResult

	// CreateCalculate builds the CALCULATE command, including the brand's
	// trailing-Le requirement.
	CreateCalculate(name string, challenge []byte) apdu.Command
}

// YubiKey is the YubiKey OATH protocol variant: CALCULATE_ALL is
// authoritative and preferred over LIST (which has spurious touch errors);
// touch required is signaled by 0x6985; SELECT never carries a serial.
type YubiKey struct{}

var _ Variant = YubiKey{}

func (YubiKey) Brand() oathtypes.Brand               { return oathtypes.BrandYubiKey }
func (YubiKey) Capabilities() oathtypes.Capabilities { return oathtypes.DetectCapabilities(oathtypes.BrandYubiKey) }

func (YubiKey) ParseCode(resp []byte) (string, error) {
	sw := apdu.StatusWord(resp)
	if sw == 0x6985 {
		return "", oatherr.ErrTouchRequired
	}
	if !apdu.IsSuccess(sw) {
		return "", oatherr.FromStatusWord(sw)
	}
	code, ok := ParseCalculateResponse(resp)
	if !ok {
		return "", oatherr.ErrInvalidResponse
	}
	return code, nil
}

// ParseCalculateAllResponse parses the single CALCULATE_ALL response: a
// repeating sequence of {NAME} {TRUNCATED | HOTP | TOUCH-placeholder}.
func (YubiKey) ParseCalculateAllResponse(resp []byte, deviceID oathtypes.DeviceID) ([]oathtypes.OathCredential, error) {
	tlvs := apdu.ParseTLVs(resp)

	var creds []oathtypes.OathCredential
	var pending *oathtypes.OathCredential

	for _, tv := range tlvs {
		switch tv.Tag {
		case TagName:
			if pending != nil {
				creds = append(creds, *pending)
			}
			period, issuer, account := apdu.ParseCredentialID(string(tv.Value), true)
			c := oathtypes.OathCredential{
				DeviceID:     deviceID,
				OriginalName: string(tv.Value),
				Issuer:       issuer,
				Account:      account,
				IsTOTP:       true,
				Period:       period,
			}
			pending = &c
		case TagTruncated:
			if pending == nil || len(tv.Value) < 5 {
				continue
			}
			digits := tv.Value[0]
			truncated := uint32(tv.Value[1])<<24 | uint32(tv.Value[2])<<16 | uint32(tv.Value[3])<<8 | uint32(tv.Value[4])
			code, ok := apdu.FormatCode(digits, truncated)
			pending.Digits = digits
			if ok {
				pending.Code = code
				pending.HasCode = true
			}
		case TagHOTP:
			if pending == nil {
				continue
			}
			pending.IsTOTP = false
			pending.Period = 0
			if len(tv.Value) >= 1 {
				pending.Digits = tv.Value[0]
			}
		case TagTouch:
			if pending == nil {
				continue
			}
			pending.RequiresTouch = true
		}
	}
	if pending != nil {
		creds = append(creds, *pending)
	}

	return creds, nil
}

func (YubiKey) ParseSelect(resp []byte) SelectResult {
	// YubiKey never sends TAG_SERIAL_NUMBER in SELECT; the base parse's
	// NAME-derived DeviceID is already correct.
	return ParseSelectResponse(resp)
}

func (YubiKey) CreateCalculate(name string, challenge []byte) apdu.Command {
	return CreateCalculateCommand(name, challenge, false)
}

// Nitrokey is the Nitrokey OATH protocol variant: LIST is reliable and
// preferred; CALCULATE_ALL is reported unsupported and is never probed;
// touch required is signaled by 0x6982, and 0x6985
// additionally means "LIST v1 not supported, fall back to standard LIST";
// SELECT carries TAG_SERIAL_NUMBER, which becomes the DeviceID.
type Nitrokey struct{}

var _ Variant = Nitrokey{}

func (Nitrokey) Brand() oathtypes.Brand               { return oathtypes.BrandNitrokey }
func (Nitrokey) Capabilities() oathtypes.Capabilities { return oathtypes.DetectCapabilities(oathtypes.BrandNitrokey) }

// ParseCode reads 0x6982 as "touch required", which is only half the
// story: the same status word also means "security status not satisfied"
// on a session that still owes a password. This parser has no session
// state, so the session's CALCULATE path re-checks its password state
// before trusting the touch reading (oathsession.calculateOnce).
func (Nitrokey) ParseCode(resp []byte) (string, error) {
	sw := apdu.StatusWord(resp)
	if sw == 0x6982 {
		return "", oatherr.ErrTouchRequired
	}
	if !apdu.IsSuccess(sw) {
		return "", oatherr.FromStatusWord(sw)
	}
	code, ok := ParseCalculateResponse(resp)
	if !ok {
		return "", oatherr.ErrInvalidResponse
	}
	return code, nil
}

// ErrListV1Unsupported signals the CALCULATE_ALL caller (internal/oathsession)
// that it must fall back to a standard LIST call. LIST v1 not being
// supported is reported as SW 0x6985 on this brand.
var ErrListV1Unsupported = errListV1Unsupported{}

type errListV1Unsupported struct{}

func (errListV1Unsupported) Error() string { return "nitrokey: LIST v1 not supported" }

// ParseCalculateAllResponse parses a LIST v1 response. If the device
// responds 0x6985 (LIST v1 unsupported on this firmware), it returns
// ErrListV1Unsupported so the session can retry with standard LIST.
func (Nitrokey) ParseCalculateAllResponse(resp []byte, deviceID oathtypes.DeviceID) ([]oathtypes.OathCredential, error) {
	sw := apdu.StatusWord(resp)
	if sw == SWConditionsNotSatisfied {
		return nil, ErrListV1Unsupported
	}
	if !apdu.IsSuccess(sw) {
		return nil, oatherr.FromStatusWord(sw)
	}
	return ParseListV1Response(resp, deviceID), nil
}

func (Nitrokey) ParseSelect(resp []byte) SelectResult {
	r := ParseSelectResponse(resp)
	if r.HasSerial {
		r.DeviceID = oathtypes.DeviceID(hex.EncodeToString(serialBytes(r.SerialNumber)))
	}
	return r
}

func serialBytes(serial uint32) []byte {
	return []byte{byte(serial >> 24), byte(serial >> 16), byte(serial >> 8), byte(serial)}
}

func (Nitrokey) CreateCalculate(name string, challenge []byte) apdu.Command {
	return CreateCalculateCommand(name, challenge, true)
}

// ForBrand returns the Variant implementation for brand. Brand is never
// Unknown by the time a Variant is needed (DetectBrand defaults to
// YubiKey), but Unknown falls back to YubiKey here too for safety.
func ForBrand(brand oathtypes.Brand) Variant {
	if brand == oathtypes.BrandNitrokey {
		return Nitrokey{}
	}
	return YubiKey{}
}

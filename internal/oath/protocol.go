// SPDX-License-Identifier: Apache-2.0

// Package oath builds and parses the OATH applet's command set (SELECT,
// LIST, CALCULATE, CALCULATE_ALL, VALIDATE, PUT, DELETE, SET_CODE) and its
// two brand-polymorphic variants, YubiKey and Nitrokey. It depends only on
// internal/apdu, internal/oatherr and internal/oathtypes — never on the
// PC/SC transport — so
// every command/parse function here is pure and unit-testable without a
// card.
package oath

import (
	"encoding/hex"
	"time"

	"github.com/jkolo/oathd/internal/apdu"
	"github.com/jkolo/oathd/internal/oathtypes"
)

// Instruction codes. CLA is 0x00 for every OATH command. SELECT and
// CALCULATE_ALL share INS 0xA4; P1 disambiguates (P1=0x04 for SELECT,
// P1=0x00 for CALCULATE_ALL).
const (
	CLA byte = 0x00

	InsSelect        byte = 0xA4
	InsList          byte = 0xA1
	InsCalculate     byte = 0xA2
	InsValidate      byte = 0xA3
	InsCalculateAll  byte = 0xA4
	InsSendRemaining byte = 0xA5
	InsPut           byte = 0x01
	InsDelete        byte = 0x02
	InsSetCode       byte = 0x03
	InsReset         byte = 0x04
)

// P1 for SELECT vs CALCULATE_ALL.
const (
	p1Select       byte = 0x04
	p1CalculateAll byte = 0x00
)

// P2 requesting a truncated (ready-to-display) response.
const p2Truncate byte = 0x01

// TLV tags.
const (
	TagName      byte = 0x71
	TagNameList  byte = 0x72
	TagKey       byte = 0x73
	TagChallenge byte = 0x74
	TagResponse  byte = 0x75
	TagTruncated byte = 0x76
	TagHOTP      byte = 0x77
	TagProperty  byte = 0x78
	TagVersion   byte = 0x79
	TagIMF       byte = 0x7A
	TagAlgorithm byte = 0x7B
	TagTouch     byte = 0x7C
	TagSerial    byte = 0x8F
)

// Status words with dedicated meaning in this protocol (beyond the
// generic success/more-data helpers in internal/apdu).
const (
	SWSecurityStatusNotSatisfied uint16 = 0x6982
	SWNoSuchObject               uint16 = 0x6984
	SWConditionsNotSatisfied     uint16 = 0x6985
	SWWrongData                  uint16 = 0x6A80
	SWNoSpace                    uint16 = 0x6A84
	SWInsNotSupported            uint16 = 0x6D00
	SWClaNotSupported            uint16 = 0x6E00
)

// Application identifiers.
var (
	OATHAID       = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01}
	ManagementAID = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x20, 0x01, 0x01}
	OTPAID        = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x20, 0x01}
	PIVAID        = []byte{0xA0, 0x00, 0x00, 0x03, 0x08, 0x00, 0x00, 0x10, 0x00, 0x01, 0x00}
)

func writeTLV(tag byte, value []byte) []byte {
	return append([]byte{tag, byte(len(value))}, value...)
}

// CreateSelectCommand builds SELECT-by-name for the OATH AID, with a
// trailing Le=0x00 (required by CCID transport on Nitrokey, harmless on
// YubiKey).
func CreateSelectCommand() apdu.Command {
	return apdu.Command{CLA: CLA, INS: InsSelect, P1: p1Select, P2: 0x00, Data: OATHAID, HasLe: true}
}

// CreateListCommand builds the standard (version 0) LIST command.
func CreateListCommand() apdu.Command {
	return apdu.Command{CLA: CLA, INS: InsList, P1: 0x00, P2: 0x00}
}

// CreateListV1Command builds the Nitrokey LIST v1 variant, which requests
// the extended response carrying a per-entry properties byte.
func CreateListV1Command() apdu.Command {
	return apdu.Command{CLA: CLA, INS: InsList, P1: 0x00, P2: 0x00, Data: []byte{0x01}, HasLe: true}
}

// CreateCalculateCommand builds CALCULATE for a single named credential.
// trailingLe is set by the Nitrokey variant, whose CCID transport needs a
// case-4 APDU.
func CreateCalculateCommand(name string, challenge []byte, trailingLe bool) apdu.Command {
	data := append(writeTLV(TagName, []byte(name)), writeTLV(TagChallenge, challenge)...)
	return apdu.Command{CLA: CLA, INS: InsCalculate, P1: 0x00, P2: p2Truncate, Data: data, HasLe: trailingLe}
}

// CreateCalculateAllCommand builds CALCULATE_ALL for every stored credential.
func CreateCalculateAllCommand(challenge []byte) apdu.Command {
	data := writeTLV(TagChallenge, challenge)
	return apdu.Command{CLA: CLA, INS: InsCalculateAll, P1: p1CalculateAll, P2: p2Truncate, Data: data}
}

// CreateValidateCommand builds VALIDATE for password authentication.
func CreateValidateCommand(response, challenge []byte) apdu.Command {
	data := append(writeTLV(TagResponse, response), writeTLV(TagChallenge, challenge)...)
	return apdu.Command{CLA: CLA, INS: InsValidate, P1: 0x00, P2: 0x00, Data: data}
}

// CreateSendRemainingCommand builds SEND_REMAINING for chained-response
// reassembly.
func CreateSendRemainingCommand() apdu.Command {
	return apdu.Command{CLA: CLA, INS: InsSendRemaining, P1: 0x00, P2: 0x00}
}

// PutParams is the wire-level shape of a PUT command, already reduced to
// bytes (the caller — internal/oathsession — is responsible for Base32
// decoding the secret and padding the HMAC key).
type PutParams struct {
	Name          string
	AlgoByte      byte // (type<<4)|algorithm
	Digits        byte
	Key           []byte // padded to at least 14 bytes
	RequireTouch  bool
	IsHOTP        bool
	InitialMoving uint32 // HOTP counter (IMF)
}

// CreatePutCommand builds PUT for adding or updating a credential.
func CreatePutCommand(p PutParams) apdu.Command {
	data := writeTLV(TagName, []byte(p.Name))
	keyTLV := append([]byte{p.AlgoByte, p.Digits}, p.Key...)
	data = append(data, writeTLV(TagKey, keyTLV)...)
	if p.RequireTouch {
		data = append(data, writeTLV(TagProperty, []byte{0x02})...)
	}
	if p.IsHOTP {
		imf := []byte{byte(p.InitialMoving >> 24), byte(p.InitialMoving >> 16), byte(p.InitialMoving >> 8), byte(p.InitialMoving)}
		data = append(data, writeTLV(TagIMF, imf)...)
	}
	return apdu.Command{CLA: CLA, INS: InsPut, P1: 0x00, P2: 0x00, Data: data}
}

// CreateDeleteCommand builds DELETE for a named credential.
func CreateDeleteCommand(name string) apdu.Command {
	return apdu.Command{CLA: CLA, INS: InsDelete, P1: 0x00, P2: 0x00, Data: writeTLV(TagName, []byte(name))}
}

// CreateSetCodeCommand builds SET_CODE to set or change the device
// password. algoByte is 0x01 for HMAC-SHA1, the only algorithm OATH
// password authentication uses.
func CreateSetCodeCommand(algoByte byte, key, challenge, response []byte) apdu.Command {
	data := writeTLV(TagKey, append([]byte{algoByte}, key...))
	data = append(data, writeTLV(TagChallenge, challenge)...)
	data = append(data, writeTLV(TagResponse, response)...)
	return apdu.Command{CLA: CLA, INS: InsSetCode, P1: 0x00, P2: 0x00, Data: data}
}

// CreateRemoveCodeCommand builds the zero-length SET_CODE body that
// removes a device's password.
func CreateRemoveCodeCommand() apdu.Command {
	return apdu.Command{CLA: CLA, INS: InsSetCode, P1: 0x00, P2: 0x00}
}

// CreateSelectCommandFor builds SELECT-by-name for an arbitrary AID, used
// by the Management/OTP/PIV probes in internal/oathprobe.
func CreateSelectCommandFor(aid []byte) apdu.Command {
	return apdu.Command{CLA: CLA, INS: InsSelect, P1: p1Select, P2: 0x00, Data: aid, HasLe: true}
}

// SelectResult is the brand-agnostic parse of a SELECT response.
type SelectResult struct {
	DeviceID        oathtypes.DeviceID
	Challenge       []byte
	FirmwareVersion oathtypes.FirmwareVersion
	RequiresPassword bool
	SerialNumber    uint32
	HasSerial       bool
}

// ParseSelectResponse parses the common fields of a SELECT response. Brand
// variants call this, then apply their own DeviceID/SerialNumber source.
func ParseSelectResponse(resp []byte) SelectResult {
	tlvs := apdu.ParseTLVs(resp)
	var r SelectResult

	if name, ok := apdu.Find(tlvs, TagName); ok {
		r.DeviceID = oathtypes.DeviceID(hex.EncodeToString(name))
	}
	if challenge, ok := apdu.Find(tlvs, TagChallenge); ok {
		r.Challenge = challenge
		r.RequiresPassword = true
	}
	if version, ok := apdu.Find(tlvs, TagVersion); ok && len(version) >= 3 {
		r.FirmwareVersion = oathtypes.FirmwareVersion{Major: version[0], Minor: version[1], Patch: version[2]}
	}
	if serial, ok := apdu.Find(tlvs, TagSerial); ok && len(serial) == 4 {
		r.SerialNumber = uint32(serial[0])<<24 | uint32(serial[1])<<16 | uint32(serial[2])<<8 | uint32(serial[3])
		r.HasSerial = true
	}

	return r
}

// ParseListResponse parses a standard (version 0) LIST response into
// credentials with no touch information and no codes.
func ParseListResponse(resp []byte, deviceID oathtypes.DeviceID) []oathtypes.OathCredential {
	tlvs := apdu.ParseTLVs(resp)
	var creds []oathtypes.OathCredential
	for _, tv := range tlvs {
		if tv.Tag != TagNameList || len(tv.Value) < 1 {
			continue
		}
		creds = append(creds, credentialFromNameEntry(deviceID, tv.Value, false))
	}
	return creds
}

// ParseListV1Response parses the Nitrokey LIST v1 response, which appends a
// properties byte after the name: bit0=touchRequired, bit1=encrypted,
// bit2=pws-data-exists. Only bit0 feeds into the credential model; the
// standard-LIST fallback never infers touch from elsewhere.
func ParseListV1Response(resp []byte, deviceID oathtypes.DeviceID) []oathtypes.OathCredential {
	tlvs := apdu.ParseTLVs(resp)
	var creds []oathtypes.OathCredential
	for _, tv := range tlvs {
		if tv.Tag != TagNameList || len(tv.Value) < 2 {
			continue
		}
		props := tv.Value[len(tv.Value)-1]
		nameEntry := tv.Value[:len(tv.Value)-1]
		cred := credentialFromNameEntry(deviceID, nameEntry, props&0x01 != 0)
		creds = append(creds, cred)
	}
	return creds
}

func credentialFromNameEntry(deviceID oathtypes.DeviceID, value []byte, requiresTouch bool) oathtypes.OathCredential {
	algoByte := value[0]
	name := string(value[1:])
	isTOTP := (algoByte >> 4) == 0x2
	algorithm := oathtypes.Algorithm(algoByte & 0x0F)

	period, issuer, account := apdu.ParseCredentialID(name, isTOTP)

	return oathtypes.OathCredential{
		DeviceID:      deviceID,
		OriginalName:  name,
		Issuer:        issuer,
		Account:       account,
		IsTOTP:        isTOTP,
		Algorithm:     algorithm,
		Period:        period,
		RequiresTouch: requiresTouch,
	}
}

// ParseCalculateResponse extracts the truncated code from a CALCULATE
// response. It does not interpret the touch status word — the Variant
// ParseCode methods check the brand's touch status word before calling this.
func ParseCalculateResponse(resp []byte) (string, bool) {
	tlvs := apdu.ParseTLVs(resp)
	value, ok := apdu.Find(tlvs, TagTruncated)
	if !ok || len(value) < 5 {
		return "", false
	}
	digits := value[0]
	truncated := uint32(value[1])<<24 | uint32(value[2])<<16 | uint32(value[3])<<8 | uint32(value[4])
	return apdu.FormatCode(digits, truncated)
}

// ChallengeNow returns the TOTP challenge for the current time and period.
func ChallengeNow(period time.Duration) []byte {
	return apdu.TOTPCounter(time.Now(), period)
}

// SPDX-License-Identifier: Apache-2.0

// Package oathprobe implements the "extended device info" fetch: obtaining
// a token's serial number and form factor when the OATH SELECT response
// didn't already carry them, by trying the Management, OTP and PIV applets
// in turn. Every strategy that selects a different applet must leave OATH
// selected again before returning, so the caller's Session stays usable.
package oathprobe

import (
	"regexp"
	"strings"

	"github.com/jkolo/oathd/internal/apdu"
	"github.com/jkolo/oathd/internal/oath"
	"github.com/jkolo/oathd/internal/oathtypes"
)

// Transmitter is the minimal surface this package needs from a Session: send
// one APDU and get back the accumulated response (chained-response
// reassembly already applied) including its trailing status word.
type Transmitter interface {
	SendAPDU(cmd apdu.Command) ([]byte, error)
}

// Management GET DEVICE INFO TLV tags.
const (
	mgmtTagSerial     byte = 0x02
	mgmtTagFormFactor byte = 0x04
	mgmtTagFirmware   byte = 0x05
	mgmtTagNFC        byte = 0x0D
)

var neoSerialPattern = regexp.MustCompile(`\((\d{10})\)`)

// Probe runs the strategies in order and stops at the first that yields a
// usable serial number, always re-selecting OATH before returning control to
// the caller. selectHasSerial/selectSerial/knownFirmware come from the OATH
// SELECT response the caller already performed.
func Probe(t Transmitter, readerName string, selectHasSerial bool, selectSerial uint32, knownFirmware oathtypes.FirmwareVersion) (oathtypes.ExtendedDeviceInfo, bool) {
	info := oathtypes.ExtendedDeviceInfo{FirmwareVersion: knownFirmware}

	// Strategy 1: SELECT already carried TAG_SERIAL_NUMBER (Nitrokey). The
	// remaining strategies only ever yield a serial, which we already have,
	// so they are skipped entirely.
	if selectHasSerial {
		info.SerialNumber = selectSerial
		return info, true
	}

	if info, ok := probeManagement(t, &info); ok {
		return info, true
	}
	if info, ok := probeOTP(t, readerName, &info); ok {
		return info, true
	}
	if info, ok := probePIV(t, &info); ok {
		return info, true
	}

	// Strategy 5: fall back to whatever OATH SELECT already provided.
	info.SerialNumber = 0
	return info, false
}

func reselectOATH(t Transmitter) {
	_, _ = t.SendAPDU(oath.CreateSelectCommand())
}

func probeManagement(t Transmitter, base *oathtypes.ExtendedDeviceInfo) (oathtypes.ExtendedDeviceInfo, bool) {
	defer reselectOATH(t)

	if sel, err := t.SendAPDU(oath.CreateSelectCommandFor(oath.ManagementAID)); err != nil || !apdu.IsSuccess(apdu.StatusWord(sel)) {
		return *base, false
	}
	resp, err := t.SendAPDU(apdu.Command{CLA: oath.CLA, INS: 0x01, P1: 0x13, P2: 0x00})
	if err != nil || !apdu.IsSuccess(apdu.StatusWord(resp)) {
		return *base, false
	}

	tlvs := apdu.ParseTLVs(resp)
	info := *base

	serial, hasSerial := apdu.Find(tlvs, mgmtTagSerial)
	firmware, hasFirmware := apdu.Find(tlvs, mgmtTagFirmware)
	formFactor, hasFormFactor := apdu.Find(tlvs, mgmtTagFormFactor)
	nfc, hasNFC := apdu.Find(tlvs, mgmtTagNFC)

	if !hasSerial || len(serial) != 4 {
		return *base, false
	}
	info.SerialNumber = be32(serial)

	if hasFirmware && len(firmware) >= 3 {
		info.FirmwareVersion = oathtypes.FirmwareVersion{Major: firmware[0], Minor: firmware[1], Patch: firmware[2]}
	}
	var ff byte
	if hasFormFactor && len(formFactor) >= 1 {
		ff = formFactor[0]
		info.FormFactor = ff
	}
	nfcSupported := hasNFC && len(nfc) >= 1 && nfc[0] != 0

	info.DeviceModel = oathtypes.DecodeYubiKeyModel(info.FirmwareVersion, ff, nfcSupported)
	return info, true
}

func probeOTP(t Transmitter, readerName string, base *oathtypes.ExtendedDeviceInfo) (oathtypes.ExtendedDeviceInfo, bool) {
	defer reselectOATH(t)

	if sel, err := t.SendAPDU(oath.CreateSelectCommandFor(oath.OTPAID)); err != nil || !apdu.IsSuccess(apdu.StatusWord(sel)) {
		return *base, false
	}
	resp, err := t.SendAPDU(apdu.Command{CLA: oath.CLA, INS: 0x01, P1: 0x10, P2: 0x00, HasLe: true})
	if err != nil {
		return *base, false
	}
	sw := apdu.StatusWord(resp)
	if !apdu.IsSuccess(sw) || len(resp) < 6 {
		return *base, false
	}

	info := *base
	info.SerialNumber = be32(resp[:4])

	// A NEO identifies itself via a parenthesized 10-digit group in the
	// reader name; its firmware/form-factor aren't otherwise discoverable.
	if strings.Contains(strings.ToUpper(readerName), "NEO") && neoSerialPattern.MatchString(readerName) {
		info.FirmwareVersion = oathtypes.FirmwareVersion{Major: 3, Minor: 4, Patch: 0}
		info.FormFactor = oathtypes.FormFactorUSBAKeychain
		info.DeviceModel = oathtypes.DecodeYubiKeyModel(info.FirmwareVersion, info.FormFactor, false)
	}
	return info, true
}

func probePIV(t Transmitter, base *oathtypes.ExtendedDeviceInfo) (oathtypes.ExtendedDeviceInfo, bool) {
	defer reselectOATH(t)

	if sel, err := t.SendAPDU(oath.CreateSelectCommandFor(oath.PIVAID)); err != nil || !apdu.IsSuccess(apdu.StatusWord(sel)) {
		return *base, false
	}
	resp, err := t.SendAPDU(apdu.Command{CLA: oath.CLA, INS: 0xF8, P1: 0x00, P2: 0x00})
	if err != nil {
		return *base, false
	}
	sw := apdu.StatusWord(resp)
	if !apdu.IsSuccess(sw) || len(resp) < 6 {
		return *base, false
	}

	info := *base
	info.SerialNumber = be32(resp[:4])
	return info, true
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

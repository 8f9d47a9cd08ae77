// SPDX-License-Identifier: Apache-2.0

package oathtypes

import "strings"

// nitrokeyMinFirmware is the firmware floor used to recognize a Nitrokey
// that didn't advertise itself in its reader name, given it sent
// TAG_SERIAL_NUMBER in its SELECT response.
var nitrokeyMinFirmware = FirmwareVersion{Major: 4, Minor: 14, Patch: 0}

// DetectBrand classifies a connected token using, in order: the reader
// name, then (absent a name match) the combination of a SELECT-provided
// serial number and a firmware floor. It never returns BrandUnknown —
// YubiKey is the conservative default.
func DetectBrand(readerName string, firmware FirmwareVersion, hasSelectSerial bool) Brand {
	lower := strings.ToLower(readerName)
	switch {
	case strings.Contains(lower, "nitrokey"):
		return BrandNitrokey
	case strings.Contains(lower, "yubico"), strings.Contains(lower, "yubikey"):
		return BrandYubiKey
	case hasSelectSerial && firmware.AtLeast(nitrokeyMinFirmware):
		return BrandNitrokey
	default:
		return BrandYubiKey
	}
}

// packModel packs (series, variant, ports, capabilities) into the uniform
// 32-bit model code: byte0=series/generation, byte1=variant,
// byte2=ports bitfield, byte3=capabilities bitfield.
func packModel(series, variant, ports, caps byte) uint32 {
	return uint32(series)<<24 | uint32(variant)<<16 | uint32(ports)<<8 | uint32(caps)
}

// YubiKey form factors, as reported by the Management application's
// TAG_FORM_FACTOR (0x04).
const (
	FormFactorUnknown        byte = 0x00
	FormFactorUSBAKeychain   byte = 0x01
	FormFactorUSBANano       byte = 0x02
	FormFactorUSBCKeychain   byte = 0x03
	FormFactorUSBCNano       byte = 0x04
	FormFactorUSBCLightning  byte = 0x05
	FormFactorUSBABiometric  byte = 0x06
	FormFactorUSBCBiometric  byte = 0x07
)

// DecodeYubiKeyModel derives a DeviceModel from the firmware version, the
// Management-reported form factor byte and whether NFC was advertised. The
// series byte tracks the major firmware generation (4 or 5); the variant
// byte is presently unused beyond the series but kept distinct from the
// ports and capabilities bytes in the packed model code.
func DecodeYubiKeyModel(firmware FirmwareVersion, formFactor byte, nfcSupported bool) DeviceModel {
	series := firmware.Major
	var ports byte
	switch formFactor {
	case FormFactorUSBAKeychain, FormFactorUSBANano, FormFactorUSBABiometric:
		ports |= PortUSBA
	case FormFactorUSBCKeychain, FormFactorUSBCNano, FormFactorUSBCBiometric:
		ports |= PortUSBC
	case FormFactorUSBCLightning:
		ports |= PortUSBC | PortLightning
	}
	if nfcSupported {
		ports |= PortNFC
	}

	caps := byte(CapOATH | CapU2F | CapFIDO2 | CapPIV | CapOpenPGP | CapOTP | CapHMACSHA1)

	capNames := []string{"FIDO2", "U2F", "OATH-HOTP/TOTP", "PIV", "OpenPGP", "OTP", "HMAC-SHA1"}

	return DeviceModel{
		Brand:        BrandYubiKey,
		ModelCode:    packModel(series, 0, ports, caps),
		ModelString:  "YubiKey " + firmware.String(),
		FormFactor:   formFactor,
		Capabilities: capNames,
	}
}

// Nitrokey 3 hardware generations, keyed by firmware + NFC heuristic.
const (
	nitrokeyGeneration3 byte = 3
)

// variant codes for the Nitrokey 3 family, packed into ModelCode's variant
// byte.
const (
	nk3VariantA     byte = 1 // USB-A
	nk3VariantC     byte = 2 // USB-C
	nk3VariantAMini byte = 3
	nk3VariantCMini byte = 4
)

// NitrokeyModelWarning is set by DecodeNitrokeyModel when it hits the
// known-odd firmware==(1,0,0) case: such devices are classified NK3A even
// though the firmware looks like an early NK3C batch, and the decoder
// surfaces that fact instead of silently guessing.
type NitrokeyModelWarning struct {
	Firmware FirmwareVersion
	Message  string
}

// DecodeNitrokeyModel derives a DeviceModel for a Nitrokey 3 token. mini
// indicates the caller could not distinguish a Mini chassis from
// form-factor alone (true only when neither ports nor NFC hints are
// available). NFC support is derived here, not passed in: it is assumed
// when firmware.Minor >= 5 && !mini.
func DecodeNitrokeyModel(firmware FirmwareVersion, mini bool) (DeviceModel, *NitrokeyModelWarning) {
	var warn *NitrokeyModelWarning

	nk3c := firmware.Minor >= 6 // kept intentionally: firmware.Minor>=6 => NK3C
	if firmware == (FirmwareVersion{Major: 1, Minor: 0, Patch: 0}) {
		// 1.0.0 predates the versioning scheme the >=6 heuristic assumes;
		// classify as NK3A but let the caller log that the guess is weak.
		nk3c = false
		warn = &NitrokeyModelWarning{
			Firmware: firmware,
			Message:  "firmware 1.0.0 predates the NK3 variant-detection scheme; assuming NK3A",
		}
	}

	variant := nk3VariantA
	ports := byte(PortUSBA)
	modelString := "Nitrokey 3A"
	if nk3c {
		variant = nk3VariantC
		ports = PortUSBC
		modelString = "Nitrokey 3C"
	}
	nfcSupported := firmware.Minor >= 5 && !mini
	if nfcSupported {
		ports |= PortNFC
	}
	if mini {
		if nk3c {
			variant = nk3VariantCMini
		} else {
			variant = nk3VariantAMini
		}
		modelString += " Mini"
	}

	caps := byte(CapOATH | CapFIDO2 | CapU2F)
	capNames := []string{"FIDO2", "U2F", "OATH-HOTP/TOTP"}

	return DeviceModel{
		Brand:        BrandNitrokey,
		ModelCode:    packModel(nitrokeyGeneration3, variant, ports, caps),
		ModelString:  modelString,
		FormFactor:   FormFactorUnknown,
		Capabilities: capNames,
	}, warn
}

// SPDX-FileCopyrightText: 2023 Joern Barthel
// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

// Package apdu implements the ISO 7816-4 short-form APDU encoding, BER-TLV
// parsing, status-word interpretation and the small numeric/string helpers
// the OATH applet's wire format needs (TOTP counters, code formatting,
// Base32 secrets and ykman-style credential IDs).
package apdu

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command is a short-form command APDU: CLA INS P1 P2 [Lc data] [Le].
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	// HasLe requests a trailing Le byte (always 0x00 in this protocol, used
	// by the CCID transport some Nitrokey firmwares require).
	HasLe bool
}

// Bytes encodes the command into its wire representation.
func (c Command) Bytes() []byte {
	out := make([]byte, 0, 5+len(c.Data))
	out = append(out, c.CLA, c.INS, c.P1, c.P2)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.HasLe {
		out = append(out, 0x00)
	}
	return out
}

// TLV is one tag-length-value entry: tag(1) len(1) value(len).
type TLV struct {
	Tag   byte
	Value []byte
}

// ParseTLVs walks a BER-TLV encoded buffer, returning every well-formed
// entry found before either the buffer ends or a trailing success status
// word (0x90 0x00) is encountered. It never panics: if a declared length
// would overrun the remaining buffer, parsing stops and whatever was
// accumulated so far is returned.
func ParseTLVs(b []byte) []TLV {
	var out []TLV
	for len(b) > 0 {
		if len(b) >= 2 && b[0] == 0x90 && b[1] == 0x00 {
			break
		}
		if len(b) < 2 {
			break
		}
		tag := b[0]
		length := int(b[1])
		if length > len(b)-2 {
			break
		}
		value := b[2 : 2+length]
		out = append(out, TLV{Tag: tag, Value: value})
		b = b[2+length:]
	}
	return out
}

// Find returns the value of the first entry matching tag, and whether it
// was present.
func Find(tlvs []TLV, tag byte) ([]byte, bool) {
	for _, tv := range tlvs {
		if tv.Tag == tag {
			return tv.Value, true
		}
	}
	return nil, false
}

// StatusWord extracts the final two bytes of a response APDU. It returns 0
// if the response is shorter than 2 bytes.
func StatusWord(resp []byte) uint16 {
	if len(resp) < 2 {
		return 0
	}
	n := len(resp)
	return uint16(resp[n-2])<<8 | uint16(resp[n-1])
}

// IsSuccess reports whether sw is the success status word 0x9000.
func IsSuccess(sw uint16) bool {
	return sw == 0x9000
}

// HasMoreData reports whether sw indicates a chained response (0x61xx). The
// low byte is the number of additional bytes available via SEND_REMAINING
// (0 meaning 256 or more).
func HasMoreData(sw uint16) bool {
	return sw&0xFF00 == 0x6100
}

// TOTPCounter computes floor(unix_time_seconds / period) and serializes it
// as an 8-byte big-endian unsigned integer, as required by CALCULATE and
// CALCULATE_ALL challenges.
func TOTPCounter(t time.Time, period time.Duration) []byte {
	if period <= 0 {
		period = 30 * time.Second
	}
	counter := uint64(t.Unix()) / uint64(period/time.Second)
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(counter)
		counter >>= 8
	}
	return out
}

// FormatCode renders a CALCULATE truncated-response body as a displayed
// code: value mod 10^digits, zero-padded to digits characters. digits must
// be 6, 7 or 8; any other value is treated as a parse failure and yields an
// empty string with ok=false.
func FormatCode(digits byte, truncatedValue uint32) (code string, ok bool) {
	switch digits {
	case 6, 7, 8:
	default:
		return "", false
	}
	mod := uint32(1)
	for i := byte(0); i < digits; i++ {
		mod *= 10
	}
	v := truncatedValue % mod
	return fmt.Sprintf("%0*d", int(digits), v), true
}

const base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// DecodeBase32 decodes an RFC 4648 Base32 string (A-Z2-7, case-insensitive,
// optional '=' padding). Any character outside the alphabet (padding aside)
// causes decoding to fail, returning nil, false.
func DecodeBase32(s string) ([]byte, bool) {
	s = strings.ToUpper(strings.TrimRight(s, "="))
	if s == "" {
		return []byte{}, true
	}

	var bits uint64
	var nbits uint
	out := make([]byte, 0, len(s)*5/8+1)
	for _, c := range s {
		idx := strings.IndexRune(base32Alphabet, c)
		if idx < 0 {
			return nil, false
		}
		bits = bits<<5 | uint64(idx)
		nbits += 5
		if nbits >= 8 {
			nbits -= 8
			out = append(out, byte(bits>>nbits))
		}
	}
	return out, true
}

// ParseCredentialID splits a ykman-style credential identifier of the form
// "[period/][issuer:]account" (TOTP) or "[issuer:]account" (HOTP). The
// period prefix is only honored for TOTP credentials; its absence defaults
// to 30 seconds.
func ParseCredentialID(id string, isTOTP bool) (period uint16, issuer, account string) {
	period = 30
	rest := id

	if isTOTP {
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			if n, err := strconv.ParseUint(rest[:idx], 10, 16); err == nil {
				period = uint16(n)
				rest = rest[idx+1:]
			}
		}
	}

	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		issuer = rest[:idx]
		account = rest[idx+1:]
	} else {
		account = rest
	}

	return period, issuer, account
}

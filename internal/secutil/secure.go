// SPDX-License-Identifier: Apache-2.0

// Package secutil holds the secret-handling helpers: a wipe-on-drop byte
// buffer for device passwords and PBKDF2 key material, and the masking
// rules the logging paths must apply so raw APDU bytes, HMAC responses and
// full serial numbers never reach a log line.
package secutil

import (
	"crypto/subtle"
	"fmt"
)

// SecureBytes holds sensitive material (a device password, a derived PBKDF2
// key) that must be wiped as soon as it is no longer needed. Callers must
// call Wipe when done; it is idempotent and safe to defer.
type SecureBytes struct {
	b []byte
}

// NewSecureBytes copies src into a new SecureBytes. The caller remains
// responsible for wiping src itself if it originated from, e.g., a UI
// text field.
func NewSecureBytes(src []byte) *SecureBytes {
	b := make([]byte, len(src))
	copy(b, src)
	return &SecureBytes{b: b}
}

// Bytes returns the underlying slice. The returned slice aliases the
// SecureBytes' storage and must not be retained past a Wipe call.
func (s *SecureBytes) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Wipe overwrites the buffer with zeroes. Safe to call multiple times and
// on a nil receiver.
func (s *SecureBytes) Wipe() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
}

// Equal performs a constant-time comparison against other, to avoid timing
// side channels when verifying HMAC responses.
func (s *SecureBytes) Equal(other []byte) bool {
	if s == nil {
		return len(other) == 0
	}
	return subtle.ConstantTimeCompare(s.b, other) == 1
}

// MaskSerial renders a serial number for logging as only its last two
// decimal digits, e.g. 7654321 -> "***21". A zero serial (unknown) logs as
// "unknown" rather than "***00", since zero is not sensitive.
func MaskSerial(serial uint32) string {
	if serial == 0 {
		return "unknown"
	}
	return fmt.Sprintf("***%02d", serial%100)
}

// MaskAPDU never returns the APDU bytes themselves — only the class and
// instruction bytes and the length, which is the most detail a log line is allowed to
// carry (the data field may hold credential names or key material).
func MaskAPDU(cla, ins byte, length int) string {
	return fmt.Sprintf("APDU{CLA=%#02x,INS=%#02x,len=%d}", cla, ins, length)
}

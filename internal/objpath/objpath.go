// SPDX-License-Identifier: Apache-2.0

// Package objpath implements the stable object-path naming convention the
// IPC layer publishes devices and credentials under: one object per
// device, one sub-object per credential. Credential names are encoded
// into the [A-Za-z0-9_] alphabet with a transliteration table for common
// Latin accents, a _uXXXX escape for everything else, and a hashed tail for
// names that would exceed the path-element length limit.
package objpath

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// maxElementLen is the longest encoded credential-name element published on
// the bus. Longer encodings keep their prefix and replace the tail with
// "cred_" plus 16 hex characters of the name's SHA-256, so the element stays
// unique and stable across sessions.
const maxElementLen = 200

const hashTailPrefix = "cred_"
const hashTailHexLen = 16

// translit maps the common Latin accents to ASCII. Anything not in this
// table and not already in [A-Za-z0-9_] falls through to the _uXXXX escape.
var translit = map[rune]string{
	'à': "a", 'á': "a", 'â': "a", 'ã': "a", 'å': "a", 'ä': "ae",
	'è': "e", 'é': "e", 'ê': "e", 'ë': "e",
	'ì': "i", 'í': "i", 'î': "i", 'ï': "i",
	'ò': "o", 'ó': "o", 'ô': "o", 'õ': "o", 'ö': "oe", 'ø': "o",
	'ù': "u", 'ú': "u", 'û': "u", 'ü': "ue",
	'ý': "y", 'ÿ': "y",
	'ç': "c", 'ñ': "n", 'ß': "ss",
	'À': "A", 'Á': "A", 'Â': "A", 'Ã': "A", 'Å': "A", 'Ä': "Ae",
	'È': "E", 'É': "E", 'Ê': "E", 'Ë': "E",
	'Ì': "I", 'Í': "I", 'Î': "I", 'Ï': "I",
	'Ò': "O", 'Ó': "O", 'Ô': "O", 'Õ': "O", 'Ö': "Oe", 'Ø': "O",
	'Ù': "U", 'Ú': "U", 'Û': "U", 'Ü': "Ue",
	'Ý': "Y",
	'Ç': "C", 'Ñ': "N",
}

func isAllowed(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_':
		return true
	}
	return false
}

// EncodeName encodes an on-card credential name into the bus-safe
// [A-Za-z0-9_] alphabet. The encoding is deterministic: the same name always
// yields the same element, which is what keeps the published object
// hierarchy stable across reconnects.
func EncodeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case isAllowed(r):
			b.WriteRune(r)
		default:
			if t, ok := translit[r]; ok {
				b.WriteString(t)
			} else {
				fmt.Fprintf(&b, "_u%04X", r)
			}
		}
	}
	encoded := b.String()

	if len(encoded) <= maxElementLen {
		return encoded
	}
	sum := sha256.Sum256([]byte(name))
	tail := hashTailPrefix + hex.EncodeToString(sum[:])[:hashTailHexLen]
	return encoded[:maxElementLen-len(tail)] + tail
}

// DevicePath returns the object path for one device under base (e.g.
// "/org/oathd" + device id).
func DevicePath(base string, deviceID string) string {
	return strings.TrimRight(base, "/") + "/" + EncodeName(deviceID)
}

// CredentialPath returns the object path for one credential under its
// device's object.
func CredentialPath(base string, deviceID string, credentialName string) string {
	return DevicePath(base, deviceID) + "/" + EncodeName(credentialName)
}

// SPDX-License-Identifier: Apache-2.0

// Package codeverify holds nothing but a test: a cross-check that this
// module's own HOTP dynamic-truncation and formatCode math (internal/apdu)
// agrees with an independent implementation, github.com/pquerna/otp/hotp,
// over a short counter sweep. Nothing here is imported by production code.
package codeverify

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // HOTP is specified over HMAC-SHA1.
	"encoding/base32"
	"encoding/binary"
	"testing"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/stretchr/testify/require"

	"github.com/jkolo/oathd/internal/apdu"
)

// dynamicTruncate reproduces RFC 4226 §5.3's truncation step: the step the
// card performs before returning a CALCULATE truncated response (which this
// module only formats) and that pquerna/otp performs, computed here directly
// from the shared secret and counter.
func dynamicTruncate(secret []byte, counter uint64) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	mac := hmac.New(sha1.New, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	return (uint32(sum[offset])&0x7f)<<24 | uint32(sum[offset+1])<<16 | uint32(sum[offset+2])<<8 | uint32(sum[offset+3])
}

func TestFormatCodeAgreesWithPquernaOTP(t *testing.T) {
	secretB32 := "JBSWY3DPEHPK3PXP" // arbitrary RFC 4648 test secret
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretB32)
	require.NoError(t, err)

	for counter := uint64(0); counter < 8; counter++ {
		want, err := hotp.GenerateCodeCustom(secretB32, counter, hotp.ValidateOpts{
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		require.NoError(t, err)

		truncated := dynamicTruncate(secret, counter)
		got, ok := apdu.FormatCode(6, truncated)
		require.True(t, ok)
		require.Equal(t, want, got, "counter=%d", counter)
	}
}

func TestFormatCodeEightDigitsAgreesWithPquernaOTP(t *testing.T) {
	secretB32 := "JBSWY3DPEHPK3PXP"
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretB32)
	require.NoError(t, err)

	for counter := uint64(0); counter < 4; counter++ {
		want, err := hotp.GenerateCodeCustom(secretB32, counter, hotp.ValidateOpts{
			Digits:    otp.DigitsEight,
			Algorithm: otp.AlgorithmSHA1,
		})
		require.NoError(t, err)

		truncated := dynamicTruncate(secret, counter)
		got, ok := apdu.FormatCode(8, truncated)
		require.True(t, ok)
		require.Equal(t, want, got, "counter=%d", counter)
	}
}

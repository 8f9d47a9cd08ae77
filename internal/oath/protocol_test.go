// SPDX-License-Identifier: Apache-2.0

package oath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkolo/oathd/internal/oatherr"
	"github.com/jkolo/oathd/internal/oathtypes"
)

func TestCreateSelectCommand(t *testing.T) {
	c := CreateSelectCommand()
	assert.Equal(t, byte(InsSelect), c.INS)
	assert.Equal(t, p1Select, c.P1)
	assert.True(t, c.HasLe)
	assert.Equal(t, OATHAID, c.Data)
}

func TestParseSelectResponseYubiKeyNoPassword(t *testing.T) {
	// VERSION=5.4.3, NAME=41424344, no CHALLENGE.
	resp := append(writeTLV(TagVersion, []byte{5, 4, 3}), writeTLV(TagName, []byte{0x41, 0x42, 0x43, 0x44})...)
	resp = append(resp, 0x90, 0x00)

	r := YubiKey{}.ParseSelect(resp)
	assert.Equal(t, oathtypes.DeviceID("41424344"), r.DeviceID)
	assert.False(t, r.RequiresPassword)
	assert.Equal(t, oathtypes.FirmwareVersion{Major: 5, Minor: 4, Patch: 3}, r.FirmwareVersion)
}

func TestParseSelectResponseNitrokeySerial(t *testing.T) {
	resp := append(writeTLV(TagVersion, []byte{1, 6, 0}), writeTLV(TagSerial, []byte{0x21, 0x85, 0x2D, 0x9F})...)
	resp = append(resp, 0x90, 0x00)

	r := Nitrokey{}.ParseSelect(resp)
	assert.Equal(t, oathtypes.DeviceID("21852d9f"), r.DeviceID)
	assert.True(t, r.HasSerial)
	assert.Equal(t, uint32(0x21852D9F), r.SerialNumber)
}

func TestParseSelectResponseWithChallenge(t *testing.T) {
	challenge := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	resp := append(writeTLV(TagVersion, []byte{5, 2, 7}), writeTLV(TagName, []byte{0xDE, 0xAD, 0xBE, 0xEF})...)
	resp = append(resp, writeTLV(TagChallenge, challenge)...)
	resp = append(resp, 0x90, 0x00)

	r := YubiKey{}.ParseSelect(resp)
	assert.True(t, r.RequiresPassword)
	assert.Equal(t, challenge, r.Challenge)
	assert.Equal(t, oathtypes.DeviceID("deadbeef"), r.DeviceID)
}

func TestParseListResponse(t *testing.T) {
	entry := append([]byte{0x21}, []byte("Google:alice")...) // high nibble 2=TOTP, low nibble 1=SHA1
	resp := append(writeTLV(TagNameList, entry), 0x90, 0x00)

	creds := ParseListResponse(resp, "dev1")
	require.Len(t, creds, 1)
	assert.True(t, creds[0].IsTOTP)
	assert.Equal(t, oathtypes.AlgorithmSHA1, creds[0].Algorithm)
	assert.Equal(t, "Google", creds[0].Issuer)
	assert.Equal(t, "alice", creds[0].Account)
	assert.False(t, creds[0].RequiresTouch)
}

func TestParseListV1ResponseTouchFlag(t *testing.T) {
	entry1 := append(append([]byte{0x21}, []byte("Google:alice")...), 0x00)
	entry2 := append(append([]byte{0x21}, []byte("GitHub:bob")...), 0x01)
	resp := append(writeTLV(TagNameList, entry1), writeTLV(TagNameList, entry2)...)
	resp = append(resp, 0x90, 0x00)

	creds := ParseListV1Response(resp, "dev1")
	require.Len(t, creds, 2)
	assert.False(t, creds[0].RequiresTouch)
	assert.True(t, creds[1].RequiresTouch)
}

func TestYubiKeyCalculateAllParsesTouchAndHOTP(t *testing.T) {
	var resp []byte
	resp = append(resp, writeTLV(TagName, []byte("Google:alice"))...)
	resp = append(resp, writeTLV(TagTruncated, []byte{6, 0x00, 0x00, 0x0F, 0x42})...)
	resp = append(resp, writeTLV(TagName, []byte("Steam:login"))...)
	resp = append(resp, writeTLV(TagTouch, nil)...)
	resp = append(resp, writeTLV(TagName, []byte("HOTP:counter"))...)
	resp = append(resp, writeTLV(TagHOTP, []byte{6})...)
	resp = append(resp, 0x90, 0x00)

	creds, err := YubiKey{}.ParseCalculateAllResponse(resp, "dev1")
	require.NoError(t, err)
	require.Len(t, creds, 3)
	assert.Equal(t, "003906", creds[0].Code)
	assert.True(t, creds[0].HasCode)
	assert.True(t, creds[1].RequiresTouch)
	assert.False(t, creds[1].HasCode)
	assert.False(t, creds[2].IsTOTP)
}

func TestYubiKeyParseCodeTouchRequired(t *testing.T) {
	resp := []byte{0x69, 0x85}
	_, err := YubiKey{}.ParseCode(resp)
	assert.ErrorIs(t, err, oatherr.ErrTouchRequired)
}

func TestNitrokeyParseCodeTouchRequired(t *testing.T) {
	resp := []byte{0x69, 0x82}
	_, err := Nitrokey{}.ParseCode(resp)
	assert.ErrorIs(t, err, oatherr.ErrTouchRequired)
}

func TestNitrokeyListV1UnsupportedFallback(t *testing.T) {
	resp := []byte{0x69, 0x85}
	_, err := Nitrokey{}.ParseCalculateAllResponse(resp, "dev1")
	assert.ErrorIs(t, err, ErrListV1Unsupported)
}

func TestCreateCalculateTrailingLe(t *testing.T) {
	assert.False(t, YubiKey{}.CreateCalculate("x", nil).HasLe)
	assert.True(t, Nitrokey{}.CreateCalculate("x", nil).HasLe)
}

func TestCreatePutCommandShape(t *testing.T) {
	c := CreatePutCommand(PutParams{
		Name:     "Issuer:acct",
		AlgoByte: 0x21,
		Digits:   6,
		Key:      make([]byte, 14),
	})
	assert.Equal(t, byte(InsPut), c.INS)
	assert.Contains(t, string(c.Data), "Issuer:acct")
}

// SPDX-License-Identifier: Apache-2.0

package oathprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkolo/oathd/internal/apdu"
	"github.com/jkolo/oathd/internal/oath"
	"github.com/jkolo/oathd/internal/oathtypes"
)

// fakeTransmitter replays canned responses in call order, mimicking the
// sequence of SELECT(AID)/command/SELECT(OATH) a real probe issues.
type fakeTransmitter struct {
	responses [][]byte
	calls     []apdu.Command
}

func (f *fakeTransmitter) SendAPDU(cmd apdu.Command) ([]byte, error) {
	f.calls = append(f.calls, cmd)
	i := len(f.calls) - 1
	if i >= len(f.responses) {
		return []byte{0x90, 0x00}, nil
	}
	return f.responses[i], nil
}

func success(body ...byte) []byte { return append(body, 0x90, 0x00) }

func TestProbeSkipsWhenSelectHasSerial(t *testing.T) {
	ft := &fakeTransmitter{}
	info, ok := Probe(ft, "Nitrokey 3", true, 0x21852D9F, oathtypes.FirmwareVersion{Major: 1, Minor: 6, Patch: 0})
	require.True(t, ok)
	assert.Equal(t, uint32(0x21852D9F), info.SerialNumber)
	assert.Empty(t, ft.calls, "strategies 2-4 must not run when SELECT already carried a serial")
}

func TestProbeManagementSucceeds(t *testing.T) {
	ft := &fakeTransmitter{
		responses: [][]byte{
			success(), // SELECT Management AID
			success(0x02, 0x04, 0x00, 0x00, 0x13, 0x37, 0x05, 0x03, 0x05, 0x04, 0x07, 0x04, 0x01, 0x04, 0x0D, 0x01, 0x01), // GET DEVICE INFO
			success(), // re-SELECT OATH
		},
	}
	info, ok := Probe(ft, "Yubico YubiKey", false, 0, oathtypes.FirmwareVersion{})
	require.True(t, ok)
	assert.Equal(t, uint32(0x00001337), info.SerialNumber)
	assert.Equal(t, oathtypes.FirmwareVersion{Major: 5, Minor: 4, Patch: 7}, info.FirmwareVersion)
	assert.Equal(t, byte(0x04), info.FormFactor)
	assert.Equal(t, oath.ManagementAID, ft.calls[0].Data)
	assert.Equal(t, oath.OATHAID, ft.calls[len(ft.calls)-1].Data, "must re-SELECT OATH before returning")
}

func TestProbeFallsBackToOTPWhenManagementFails(t *testing.T) {
	ft := &fakeTransmitter{
		responses: [][]byte{
			success(),                     // SELECT Management AID
			{0x6D, 0x00},                  // GET DEVICE INFO unsupported
			success(),                     // re-SELECT OATH after Management
			success(),                     // SELECT OTP AID
			success(0x00, 0x00, 0x13, 0x37), // GET_SERIAL
			success(),                     // re-SELECT OATH after OTP
		},
	}
	info, ok := Probe(ft, "Yubico YubiKey OTP", false, 0, oathtypes.FirmwareVersion{})
	require.True(t, ok)
	assert.Equal(t, uint32(0x00001337), info.SerialNumber)
}

func TestProbeNeoHeuristic(t *testing.T) {
	ft := &fakeTransmitter{
		responses: [][]byte{
			success(),                      // SELECT Management AID
			{0x6D, 0x00},                   // GET DEVICE INFO unsupported
			success(),                      // re-SELECT OATH
			success(),                      // SELECT OTP AID
			success(0x00, 0x12, 0x34, 0x56), // GET_SERIAL
			success(),                      // re-SELECT OATH
		},
	}
	info, ok := Probe(ft, "Yubico Yubikey NEO (1234567890)", false, 0, oathtypes.FirmwareVersion{})
	require.True(t, ok)
	assert.Equal(t, oathtypes.FirmwareVersion{Major: 3, Minor: 4, Patch: 0}, info.FirmwareVersion)
	assert.Equal(t, oathtypes.FormFactorUSBAKeychain, info.FormFactor)
}

func TestProbeFinalFallback(t *testing.T) {
	ft := &fakeTransmitter{
		responses: [][]byte{
			{0x6A, 0x82}, // SELECT Management AID fails
			success(),    // re-SELECT OATH
			{0x6A, 0x82}, // SELECT OTP AID fails
			success(),    // re-SELECT OATH
			{0x6A, 0x82}, // SELECT PIV AID fails
			success(),    // re-SELECT OATH
		},
	}
	info, ok := Probe(ft, "some reader", false, 0, oathtypes.FirmwareVersion{Major: 5})
	assert.False(t, ok)
	assert.Equal(t, uint32(0), info.SerialNumber)
	assert.Equal(t, oathtypes.FirmwareVersion{Major: 5}, info.FirmwareVersion)
}

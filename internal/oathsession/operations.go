// SPDX-License-Identifier: Apache-2.0

package oathsession

import (
	"errors"
	"time"

	"github.com/ebfe/scard"

	"github.com/jkolo/oathd/internal/apdu"
	"github.com/jkolo/oathd/internal/oath"
	"github.com/jkolo/oathd/internal/oatherr"
	"github.com/jkolo/oathd/internal/oathprobe"
	"github.com/jkolo/oathd/internal/oathtypes"
	"github.com/jkolo/oathd/internal/pcsc"
	"github.com/jkolo/oathd/internal/secutil"
)

// CalculateCode generates a single credential's code. period defaults to
// 30s when zero. A touch-required status word is surfaced as
// ErrTouchRequired and also raises the TouchRequired callback; a
// password-required status word is surfaced as ErrPasswordRequired.
func (s *Session) CalculateCode(name string, period time.Duration) (string, error) {
	if period <= 0 {
		period = 30 * time.Second
	}

	tx, err := s.beginOp()
	defer closeTx(tx)
	if err != nil {
		return "", err
	}

	challenge := apdu.TOTPCounter(time.Now(), period)
	cmd := s.variant.CreateCalculate(name, challenge)

	code, err := s.calculateOnce(cmd)
	if err == nil {
		return code, nil
	}

	sw := s.lastStatusWord
	if sw == oath.SWInsNotSupported || sw == oath.SWClaNotSupported {
		// Another application deselected the applet; retry once after
		// forcing a fresh session. If it fails again the internal
		// session-lost signal must not escape.
		s.sessionActive = false
		if err2 := s.ensureSessionActive(); err2 != nil {
			return "", err2
		}
		code, err := s.calculateOnce(cmd)
		if err != nil && oatherr.ErrSessionLost(err) {
			return "", oatherr.ErrCommunication
		}
		return code, err
	}
	return "", err
}

// lastStatusWord is set by calculateOnce so CalculateCode's retry branch can
// inspect the status word that ParseCode already consumed.
func (s *Session) calculateOnce(cmd apdu.Command) (string, error) {
	s.lastStatusWord = 0
	resp, err := s.sendApdu(cmd)
	if err != nil {
		return "", err
	}
	s.lastStatusWord = apdu.StatusWord(resp)
	code, err := s.variant.ParseCode(resp)
	if err != nil {
		if errors.Is(err, oatherr.ErrTouchRequired) {
			// 0x6982 is ambiguous on Nitrokey: on an authenticated session
			// it means "touch required", but on a session that still owes a
			// password it is plain "security status not satisfied". Only
			// trust the touch reading when no password is outstanding.
			if s.lastStatusWord == oath.SWSecurityStatusNotSatisfied &&
				s.requiresPassword && s.cachedPassword == nil {
				return "", oatherr.ErrPasswordRequired
			}
			if s.callbacks.TouchRequired != nil {
				s.callbacks.TouchRequired()
			}
		}
		return "", err
	}
	return code, nil
}

// CalculateAll fetches codes (or touch/HOTP placeholders) for every stored
// credential. YubiKey issues a single CALCULATE_ALL; Nitrokey prefers LIST
// v1 and falls back to a standard LIST (no per-entry touch flags) when the
// firmware doesn't support it.
func (s *Session) CalculateAll() ([]oathtypes.OathCredential, error) {
	tx, err := s.beginOp()
	defer closeTx(tx)
	if err != nil {
		return nil, err
	}

	if s.variant.Brand() == oathtypes.BrandNitrokey {
		return s.calculateAllNitrokey()
	}

	challenge := apdu.TOTPCounter(time.Now(), 30*time.Second)
	resp, err := s.sendApdu(oath.CreateCalculateAllCommand(challenge))
	if err != nil {
		return nil, err
	}
	if !apdu.IsSuccess(apdu.StatusWord(resp)) {
		return nil, statusError(apdu.StatusWord(resp))
	}
	return s.variant.ParseCalculateAllResponse(resp, s.deviceID)
}

func (s *Session) calculateAllNitrokey() ([]oathtypes.OathCredential, error) {
	resp, err := s.sendApdu(oath.CreateListV1Command())
	if err != nil {
		return nil, err
	}
	creds, err := s.variant.ParseCalculateAllResponse(resp, s.deviceID)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, oath.ErrListV1Unsupported) {
		if oatherr.ErrSessionLost(err) {
			return nil, oatherr.ErrCommunication
		}
		return nil, err
	}

	// LIST v1 unsupported on this firmware: fall back to the standard LIST.
	// No touch flags are available on this path; the on-demand CALCULATE
	// surfaces touch-required correctly instead.
	resp, err = s.sendApdu(oath.CreateListCommand())
	if err != nil {
		return nil, err
	}
	if !apdu.IsSuccess(apdu.StatusWord(resp)) {
		return nil, statusError(apdu.StatusWord(resp))
	}
	return oath.ParseListResponse(resp, s.deviceID), nil
}

// PutCredential adds or updates a credential. The HMAC key is left-padded
// with zeros to the applet's 14-byte minimum if shorter.
func (s *Session) PutCredential(data oathtypes.OathCredentialData) error {
	tx, err := s.beginOp()
	defer closeTx(tx)
	if err != nil {
		return err
	}

	key, ok := apdu.DecodeBase32(data.Secret)
	if !ok {
		return oatherr.ErrInvalidData
	}
	const hmacMinimumKeySize = 14
	if len(key) < hmacMinimumKeySize {
		padded := make([]byte, hmacMinimumKeySize)
		copy(padded[hmacMinimumKeySize-len(key):], key)
		key = padded
	}

	typeNibble := byte(0x1)
	if data.IsTOTP {
		typeNibble = 0x2
	}
	algoByte := typeNibble<<4 | byte(data.Algorithm)

	name := credentialName(data.OathCredential)
	params := oath.PutParams{
		Name:          name,
		AlgoByte:      algoByte,
		Digits:        data.Digits,
		Key:           key,
		RequireTouch:  data.RequiresTouch,
		IsHOTP:        !data.IsTOTP,
		InitialMoving: data.Counter,
	}

	resp, err := s.sendApdu(oath.CreatePutCommand(params))
	if err != nil {
		return err
	}
	sw := apdu.StatusWord(resp)
	if !apdu.IsSuccess(sw) {
		return statusError(sw)
	}
	return nil
}

// credentialName reconstructs the on-card name from issuer/account (and,
// for TOTP with a non-default period, the "N/" prefix), matching the
// inverse of ParseCredentialID.
func credentialName(c oathtypes.OathCredential) string {
	name := c.Account
	if c.Issuer != "" {
		name = c.Issuer + ":" + c.Account
	}
	if c.IsTOTP && c.Period != 0 && c.Period != 30 {
		name = itoa(int(c.Period)) + "/" + name
	}
	return name
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// DeleteCredential removes a named credential.
func (s *Session) DeleteCredential(name string) error {
	tx, err := s.beginOp()
	defer closeTx(tx)
	if err != nil {
		return err
	}
	resp, err := s.sendApdu(oath.CreateDeleteCommand(name))
	if err != nil {
		return err
	}
	sw := apdu.StatusWord(resp)
	if !apdu.IsSuccess(sw) {
		return statusError(sw)
	}
	return nil
}

// SetPassword sets a new device password via SET_CODE.
func (s *Session) SetPassword(newPassword string) error {
	tx, err := pcsc.BeginTransaction(s.card, s, false)
	defer closeTx(tx)
	if err != nil {
		return err
	}

	key := s.deriveKey([]byte(newPassword))
	ourChallenge, err := randomChallenge()
	if err != nil {
		return oatherr.ErrCommunication
	}
	ourResponse := hmacSHA1(key, ourChallenge)

	const algoHMACSHA1 = 0x01
	resp, err := s.sendApdu(oath.CreateSetCodeCommand(algoHMACSHA1, key, ourChallenge, ourResponse))
	if err != nil {
		return err
	}
	if !apdu.IsSuccess(apdu.StatusWord(resp)) {
		return statusError(apdu.StatusWord(resp))
	}

	if s.cachedPassword != nil {
		s.cachedPassword.Wipe()
	}
	s.cachedPassword = secutil.NewSecureBytes([]byte(newPassword))
	s.requiresPassword = true
	return nil
}

// RemovePassword clears the device password via a zero-length SET_CODE body.
func (s *Session) RemovePassword() error {
	tx, err := pcsc.BeginTransaction(s.card, s, false)
	defer closeTx(tx)
	if err != nil {
		return err
	}
	resp, err := s.sendApdu(oath.CreateRemoveCodeCommand())
	if err != nil {
		return err
	}
	if !apdu.IsSuccess(apdu.StatusWord(resp)) {
		return statusError(apdu.StatusWord(resp))
	}
	if s.cachedPassword != nil {
		s.cachedPassword.Wipe()
		s.cachedPassword = nil
	}
	s.requiresPassword = false
	return nil
}

// ChangePassword authenticates with old, then sets new (or removes the
// password entirely if new is empty).
func (s *Session) ChangePassword(oldPassword, newPassword string) error {
	if err := s.Authenticate(oldPassword); err != nil {
		return err
	}
	if newPassword == "" {
		return s.RemovePassword()
	}
	return s.SetPassword(newPassword)
}

// CancelOperation aborts a pending touch prompt by re-sending SELECT.
func (s *Session) CancelOperation() error {
	return s.SelectOathApplication()
}

// UpdateCardHandle swaps in a new card handle and protocol after a
// reconnect, invalidating the session (a fresh handle has no SELECT state).
func (s *Session) UpdateCardHandle(card pcsc.Card, protocol scard.Protocol) {
	s.card = card
	s.protocol = protocol
	s.sessionActive = false
}

// GetExtendedDeviceInfo runs the serial/model probe strategies. It must be
// called with OATH already selected and leaves OATH selected on return.
func (s *Session) GetExtendedDeviceInfo(readerName string) (oathtypes.ExtendedDeviceInfo, bool) {
	return oathprobe.Probe(s, readerName, s.selectSerialNumber != 0, s.selectSerialNumber, s.firmwareVersion)
}

func closeTx(tx *pcsc.Transaction) {
	_ = tx.Close()
}

// statusError maps sw through oatherr.FromStatusWord and translates the
// internal session-lost signal into ErrCommunication, since none of this
// function's call sites implement their own retry-and-reselect (only
// CalculateCode does, by inspecting lastStatusWord directly).
func statusError(sw uint16) error {
	err := oatherr.FromStatusWord(sw)
	if oatherr.ErrSessionLost(err) {
		return oatherr.ErrCommunication
	}
	return err
}

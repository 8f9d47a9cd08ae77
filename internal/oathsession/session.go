// SPDX-License-Identifier: Apache-2.0

// Package oathsession implements the per-device OATH session: the
// serialized transmit loop with chained-response reassembly and card-reset
// retry, rate limiting, and the high-level operations
// (select/list/calculate/calculate-all/authenticate/put/delete/password
// management) that sit on top of it. The command set follows the YKOATH
// protocol, https://developers.yubico.com/OATH/YKOATH_Protocol.html.
package oathsession

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // OATH password authentication is specified as HMAC-SHA1.
	"encoding/hex"
	"time"

	"github.com/ebfe/scard"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/time/rate"

	"github.com/jkolo/oathd/internal/apdu"
	"github.com/jkolo/oathd/internal/oath"
	"github.com/jkolo/oathd/internal/oatherr"
	"github.com/jkolo/oathd/internal/oathtypes"
	"github.com/jkolo/oathd/internal/pcsc"
	"github.com/jkolo/oathd/internal/secutil"
)

// pbkdf2Iterations and pbkdf2KeyLen are fixed by the YKOATH password
// authentication scheme: RFC 8018 PBKDF2 over HMAC-SHA1, 1000 rounds,
// 16-byte access key.
const (
	pbkdf2Iterations = 1000
	pbkdf2KeyLen     = 16

	// maxCardResetRetries bounds the reset-retry loop in sendApdu: a second
	// reset on the retry attempt gives up instead of looping forever.
	maxCardResetRetries = 1

	// reconnectWaitTimeout bounds how long sendApdu blocks waiting for the
	// reconnect coordinator's rendezvous before giving up.
	reconnectWaitTimeout = 6 * time.Second
)

// Callbacks wires the signals a Session emits outward. Every field is
// optional; nil callbacks are simply not invoked.
type Callbacks struct {
	TouchRequired    func()
	ErrorOccurred    func(error)
	CardResetDetected func(cmd apdu.Command)
}

// Session is one authenticated (or authenticating) OATH session over a
// single card handle. Not safe for concurrent use by multiple goroutines at
// once — the owning Device serializes access with its own per-card mutex;
// the one exception is NotifyReconnectReady/Failed, which are called from
// the reconnect coordinator on a different goroutine than the blocked
// sendApdu call and are safe to call concurrently with it.
type Session struct {
	card     pcsc.Card
	protocol scard.Protocol
	variant  oath.Variant

	deviceID           oathtypes.DeviceID
	firmwareVersion    oathtypes.FirmwareVersion
	lastChallenge      []byte
	requiresPassword   bool
	sessionActive      bool
	selectSerialNumber uint32
	lastStatusWord     uint16

	cachedPassword *secutil.SecureBytes

	limiter *rate.Limiter

	resetCh chan bool // set by awaitReconnect, consumed by NotifyReconnect{Ready,Failed}

	callbacks Callbacks
}

// New constructs a Session over an already-connected card handle. rateLimit
// of zero disables rate limiting.
func New(card pcsc.Card, variant oath.Variant, rateLimit time.Duration, cb Callbacks) *Session {
	var limiter *rate.Limiter
	if rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(rateLimit), 1)
	}
	return &Session{card: card, variant: variant, limiter: limiter, callbacks: cb}
}

// DeviceID returns the DeviceID captured by the last SELECT.
func (s *Session) DeviceID() oathtypes.DeviceID { return s.deviceID }

// FirmwareVersion returns the firmware captured by the last SELECT.
func (s *Session) FirmwareVersion() oathtypes.FirmwareVersion { return s.firmwareVersion }

// RequiresPassword reports whether the last SELECT's CHALLENGE TLV was
// present.
func (s *Session) RequiresPassword() bool { return s.requiresPassword }

// HasCachedPassword reports whether a password has been cached for silent
// re-authentication after a forced reselect.
func (s *Session) HasCachedPassword() bool { return s.cachedPassword != nil }

// SelectSerialNumber reports the TAG_SERIAL_NUMBER the last SELECT carried,
// if any — a Nitrokey marker the manager's brand detection keys on.
func (s *Session) SelectSerialNumber() (uint32, bool) {
	return s.selectSerialNumber, s.selectSerialNumber != 0
}

// SendAPDU implements oathprobe.Transmitter, exposing the transmit loop
// (rate limiting, chained-response reassembly, reset retry) to the probe.
func (s *Session) SendAPDU(cmd apdu.Command) ([]byte, error) {
	return s.sendApdu(cmd)
}

// sendApdu is the transmit loop: rate limit, transmit, card-reset
// rendezvous and retry, then chained-response reassembly.
func (s *Session) sendApdu(cmd apdu.Command) ([]byte, error) {
	if s.limiter != nil {
		_ = s.limiter.Wait(context.Background())
	}
	return s.transmitWithRetry(cmd, 0)
}

func (s *Session) transmitWithRetry(cmd apdu.Command, retries int) ([]byte, error) {
	resp, err := pcsc.Transmit(s.card, cmd.Bytes())
	if err != nil {
		if pcsc.IsCardReset(err) {
			if retries >= maxCardResetRetries {
				return nil, oatherr.ErrCommunication
			}
			if !s.awaitReconnect(cmd) {
				return nil, oatherr.ErrCommunication
			}
			return s.transmitWithRetry(cmd, retries+1)
		}
		if s.callbacks.ErrorOccurred != nil {
			s.callbacks.ErrorOccurred(err)
		}
		return nil, oatherr.ErrCommunication
	}
	return s.reassembleChain(resp)
}

// reassembleChain follows SW 0x61xx ("more data") by issuing
// SEND_REMAINING until the card reports success or a hard failure,
// returning the concatenated data plus the final status word.
func (s *Session) reassembleChain(resp []byte) ([]byte, error) {
	var data []byte
	for {
		if len(resp) < 2 {
			return nil, oatherr.ErrCommunication
		}
		sw := apdu.StatusWord(resp)
		data = append(data, resp[:len(resp)-2]...)
		if !apdu.HasMoreData(sw) {
			return append(data, resp[len(resp)-2:]...), nil
		}
		next, err := pcsc.Transmit(s.card, oath.CreateSendRemainingCommand().Bytes())
		if err != nil {
			return nil, oatherr.ErrCommunication
		}
		resp = next
	}
}

// awaitReconnect emits cardResetDetected and blocks, with a bounded
// deadline, for the reconnect coordinator (driven by the Device/manager
// layers) to call NotifyReconnectReady or NotifyReconnectFailed.
func (s *Session) awaitReconnect(cmd apdu.Command) bool {
	ch := make(chan bool, 1)
	s.resetCh = ch
	if s.callbacks.CardResetDetected != nil {
		s.callbacks.CardResetDetected(cmd)
	}
	select {
	case ok := <-ch:
		return ok
	case <-time.After(reconnectWaitTimeout):
		return false
	}
}

// NotifyReconnectReady unblocks a pending sendApdu call after the reconnect
// coordinator successfully reconnected the card handle (via UpdateCardHandle).
func (s *Session) NotifyReconnectReady() {
	if s.resetCh != nil {
		s.resetCh <- true
		s.resetCh = nil
	}
}

// NotifyReconnectFailed unblocks a pending sendApdu call with failure after
// the reconnect coordinator exhausted its attempt.
func (s *Session) NotifyReconnectFailed() {
	if s.resetCh != nil {
		s.resetCh <- false
		s.resetCh = nil
	}
}

// SelectOathApplication implements pcsc.OathSelector: an unconditional
// SELECT that refreshes the challenge/firmware/deviceId and invalidates the
// prior authentication (a fresh challenge makes any earlier VALIDATE
// meaningless), then silently re-authenticates if a password is cached.
// Every CardTransaction calls this, which is what defends against another
// application having reselected a different applet between transactions.
func (s *Session) SelectOathApplication() error {
	resp, err := s.sendApdu(oath.CreateSelectCommand())
	if err != nil {
		return err
	}
	sw := apdu.StatusWord(resp)
	if !apdu.IsSuccess(sw) {
		return oatherr.ErrInvalidResponse
	}

	result := s.variant.ParseSelect(resp)
	s.deviceID = result.DeviceID
	s.lastChallenge = result.Challenge
	s.requiresPassword = result.RequiresPassword
	if !result.FirmwareVersion.IsUnknown() {
		s.firmwareVersion = result.FirmwareVersion
	}
	if result.HasSerial {
		s.selectSerialNumber = result.SerialNumber
	}
	s.sessionActive = false

	if s.requiresPassword && s.cachedPassword != nil {
		if err := s.authenticateWithKey(s.deriveKey(s.cachedPassword.Bytes())); err != nil {
			return err
		}
	}
	s.sessionActive = true
	return nil
}

// ensureSessionActive is the no-op fast path for callers that haven't just
// forced a reselect via BeginTransaction: if the session believes itself
// active it does nothing, otherwise it runs the same SELECT-and-maybe-
// authenticate sequence as SelectOathApplication.
func (s *Session) ensureSessionActive() error {
	if s.sessionActive {
		return nil
	}
	return s.SelectOathApplication()
}

// beginOp opens a CardTransaction for one public operation: begin
// transaction, unconditional re-SELECT (see SelectOathApplication), then
// ensureSessionActive, which is a no-op after a successful SELECT because
// SelectOathApplication already marks the session active (also when a
// password is required but none is cached; the card then refuses the
// operation itself).
func (s *Session) beginOp() (*pcsc.Transaction, error) {
	tx, err := pcsc.BeginTransaction(s.card, s, false)
	if err != nil {
		return tx, err
	}
	if err := s.ensureSessionActive(); err != nil {
		return tx, err
	}
	return tx, nil
}

func (s *Session) deriveKey(password []byte) []byte {
	salt, _ := hex.DecodeString(string(s.deviceID))
	return pbkdf2.Key(password, salt, pbkdf2Iterations, pbkdf2KeyLen, sha1.New)
}

// DeriveKey exposes the raw PBKDF2 key derivation so tests can check it
// against the RFC 6070 golden vectors directly.
func DeriveKey(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha1.New)
}

func hmacSHA1(key, msg []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func randomChallenge() ([]byte, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// authenticateWithKey runs VALIDATE using an already-derived key against the
// session's last SELECT challenge, verifying the device's RESPONSE.
func (s *Session) authenticateWithKey(key []byte) error {
	ourChallenge, err := randomChallenge()
	if err != nil {
		return oatherr.ErrCommunication
	}
	ourResponse := hmacSHA1(key, s.lastChallenge)

	resp, err := s.sendApdu(oath.CreateValidateCommand(ourResponse, ourChallenge))
	if err != nil {
		return err
	}
	sw := apdu.StatusWord(resp)
	if !apdu.IsSuccess(sw) {
		return oatherr.ErrAuthenticationFailed
	}
	tlvs := apdu.ParseTLVs(resp)
	deviceResponse, ok := apdu.Find(tlvs, oath.TagResponse)
	if !ok {
		return oatherr.ErrInvalidResponse
	}
	expected := hmacSHA1(key, ourChallenge)
	if !hmac.Equal(deviceResponse, expected) {
		return oatherr.ErrAuthenticationFailed
	}
	return nil
}

// Authenticate derives the PBKDF2 key from password and the last SELECT's
// salt (the DeviceID) and runs VALIDATE, caching the password for silent
// reauthentication on future forced reselects on success.
func (s *Session) Authenticate(password string) error {
	tx, err := pcsc.BeginTransaction(s.card, s, false)
	defer closeTx(tx)
	if err != nil {
		return err
	}

	key := s.deriveKey([]byte(password))
	if err := s.authenticateWithKey(key); err != nil {
		return err
	}
	if s.cachedPassword != nil {
		s.cachedPassword.Wipe()
	}
	s.cachedPassword = secutil.NewSecureBytes([]byte(password))
	s.sessionActive = true
	return nil
}

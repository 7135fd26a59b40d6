// Package kerkey implements the session protocol for the Kerkey-style
// Secure Element: a minimalistic, length-prefixed command/response
// framing over I²C, grounded on kerkey.c.
package kerkey

import (
	"errors"
	"syscall"
	"time"

	"github.com/cmuellner/libifdse/gpioctl"
	"github.com/cmuellner/libifdse/halerr"
	"github.com/cmuellner/libifdse/i2cbus"
	"github.com/cmuellner/libifdse/logx"
)

const (
	cmdTimeout = 0x75
	cmdATR     = 0x76

	powerSettleDelay = 200 * time.Millisecond
	wtxPollDelay     = time.Millisecond
	maxChunk         = 254

	defaultTimeoutMs = 10000
)

// Session drives a single Kerkey Secure Element.
type Session struct {
	i2c  i2cbus.Device
	gpio gpioctl.Device

	atr       []byte
	timeoutMs int

	sleep func(time.Duration)
	log   *logx.Logger
}

// Open power-cycles the chip via gpio, fetches its ATR, and negotiates
// its advertised timeout, mirroring kerkey_open's sequence of
// open_kerkey_gpio + kerkey_warm_reset_dev + kerkey_get_timeout_dev.
func Open(i2c i2cbus.Device, gpio gpioctl.Device, log *logx.Logger) (*Session, error) {
	if log == nil {
		log = logx.Default
	}
	s := &Session{
		i2c:       i2c,
		gpio:      gpio,
		timeoutMs: defaultTimeoutMs,
		sleep:     time.Sleep,
		log:       log,
	}

	if err := s.gpio.Disable(); err != nil {
		return nil, halerr.Wrap(halerr.BusOpenFailed, err, "kerkey: power down")
	}
	s.sleep(powerSettleDelay)
	if err := s.gpio.Enable(); err != nil {
		return nil, halerr.Wrap(halerr.BusOpenFailed, err, "kerkey: power up")
	}
	s.sleep(powerSettleDelay)

	if err := s.warmReset(); err != nil {
		return nil, err
	}
	if err := s.fetchTimeout(); err != nil {
		return nil, err
	}

	return s, nil
}

// Close releases the I²C and GPIO handles. Idempotent.
func (s *Session) Close() error {
	var i2cErr, gpioErr error
	if s.i2c != nil {
		i2cErr = s.i2c.Close()
		s.i2c = nil
	}
	if s.gpio != nil {
		gpioErr = s.gpio.Close()
		s.gpio = nil
	}
	if i2cErr != nil {
		return i2cErr
	}
	return gpioErr
}

// PowerUp implements se.Session.
func (s *Session) PowerUp() error { return s.gpio.Enable() }

// PowerDown implements se.Session.
func (s *Session) PowerDown() error { return s.gpio.Disable() }

// WarmReset implements se.Session.
func (s *Session) WarmReset() error { return s.warmReset() }

// GetATR implements se.Session.
func (s *Session) GetATR() ([]byte, error) {
	atr := make([]byte, len(s.atr))
	copy(atr, s.atr)
	return atr, nil
}

func (s *Session) warmReset() error {
	if err := s.writeExact([]byte{cmdATR}); err != nil {
		return err
	}

	var res [2]byte
	if err := s.readExact(res[:]); err != nil {
		return err
	}
	chain, rlen := decodeHeader(res)
	if chain || rlen == 0 {
		return halerr.New(halerr.ProtocolError, "kerkey: could not trigger warm reset")
	}

	atr := make([]byte, rlen)
	if err := s.readExact(atr); err != nil {
		return err
	}
	s.atr = atr

	// CMD_ATR triggers a warm reset, which takes some time.
	s.sleep(powerSettleDelay)
	return nil
}

func (s *Session) fetchTimeout() error {
	if err := s.writeExact([]byte{cmdTimeout}); err != nil {
		return err
	}

	var res [2]byte
	if err := s.readExact(res[:]); err != nil {
		return err
	}
	chain, rlen := decodeHeader(res)
	if chain || rlen != 2 {
		return halerr.New(halerr.ProtocolError, "kerkey: could not get timeout")
	}

	if err := s.readExact(res[:]); err != nil {
		return err
	}
	s.timeoutMs = int(res[0])<<8 | int(res[1])
	s.log.Debugf("kerkey: card timeout set to %d ms", s.timeoutMs)
	return nil
}

// Xfer implements se.Session: it slices tx into 254-byte chunks,
// handles WTX and chained responses, and appends payload bytes into
// rx, mirroring kerkey_xfer's send/read_res goto loop.
func (s *Session) Xfer(tx []byte, rx []byte) (int, error) {
	s.log.Debugf("kerkey: xfer tx_len=%d", len(tx))

	txOff := 0
	rxOff := 0
	remaining := len(tx)

	for {
		chunk := remaining
		if chunk > maxChunk {
			chunk = maxChunk
		}
		if err := s.writeExact(tx[txOff : txOff+chunk]); err != nil {
			return 0, err
		}
		txOff += chunk
		remaining -= chunk

	readRes:
		var res [2]byte
		if err := s.readExact(res[:]); err != nil {
			return 0, err
		}
		chain, rlen := decodeHeader(res)

		if !chain && rlen == 0 {
			// Waiting time extension.
			s.sleep(wtxPollDelay)
			goto readRes
		}

		if remaining != 0 {
			if !chain || rlen != 0 {
				return 0, halerr.New(halerr.ProtocolError, "kerkey: communication error")
			}
			continue
		}

		if rxOff+rlen > len(rx) {
			return 0, halerr.New(halerr.BufferTooSmall, "kerkey: receive buffer too small")
		}
		if err := s.readExact(rx[rxOff : rxOff+rlen]); err != nil {
			return 0, err
		}
		rxOff += rlen

		if chain {
			goto readRes
		}
		return rxOff, nil
	}
}

// decodeHeader preserves the original, deliberately masked length
// computation verbatim: (res[0]<<8 | res[1]) & 0x00FF discards res[0]
// entirely once the chain bit is extracted from it.
func decodeHeader(res [2]byte) (chain bool, rlen int) {
	chain = res[0]&0x80 != 0
	rlen = int((uint16(res[0])<<8 | uint16(res[1])) & 0x00FF)
	return chain, rlen
}

func (s *Session) writeExact(buf []byte) error {
	n, err := s.i2c.Write(buf)
	if err != nil {
		return halerr.Wrap(halerr.BusOpenFailed, err, "kerkey: i2c write failed")
	}
	if n != len(buf) {
		return halerr.New(halerr.ShortTransfer, "kerkey: wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

// readExact loops on ENXIO ("not ready yet") with a 1 ms poll delay,
// bounded by the card-advertised timeout in milliseconds — grounded on
// kerkey_read_i2c. Any other I/O error fails immediately.
func (s *Session) readExact(buf []byte) error {
	maxAttempts := s.timeoutMs
	if maxAttempts <= 0 {
		maxAttempts = defaultTimeoutMs
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		n, err := s.i2c.Read(buf)
		switch {
		case err == nil && n == len(buf):
			return nil
		case isNotReady(err):
			s.sleep(time.Millisecond)
			continue
		case err != nil:
			return halerr.Wrap(halerr.BusOpenFailed, err, "kerkey: i2c read failed")
		default:
			return halerr.New(halerr.ShortTransfer, "kerkey: read %d of %d bytes", n, len(buf))
		}
	}
	return halerr.New(halerr.Timeout, "kerkey: read timed out after %d attempts", maxAttempts)
}

func isNotReady(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ENXIO
}

// Package se05x implements the T=1-over-I2C block transport used to
// talk to NXP SE05x-family Secure Elements: block framing, CRC-16,
// sequence-number bookkeeping, the S-Block control conversation, and
// non-conforming ATR synthesis — grounded on halse_se05x.c.
package se05x

import (
	"time"

	"github.com/cmuellner/libifdse/gpioctl"
	"github.com/cmuellner/libifdse/halerr"
	"github.com/cmuellner/libifdse/logx"
)

// Timing constants from spec.md §4.3, named after the original's
// SEGT/MPOT/BWT/PWT macros.
const (
	segt = 10 * time.Microsecond // guard time between I2C transactions
	mpot = 1 * time.Millisecond  // minimum polling time / retry guard delay
	bwt  = 1000 * time.Millisecond
	pwt  = 5 * time.Millisecond // power-wakeup settling delay

	maxRetries = int(bwt / mpot)
)

// I2CTransfer is the minimal contract the block engine needs from the
// retrying I2C transport (satisfied by *i2cbus.Retrying).
type I2CTransfer interface {
	Read(buf []byte) error
	Write(buf []byte) error
}

// Session drives a single SE05x over I2C, optionally power-controlled
// by a GPIO reset line.
type Session struct {
	i2c     I2CTransfer
	gpio    gpioctl.Device
	hasGPIO bool

	atr []byte
	nS  int

	txbuf         []byte
	txLen         int
	txRetransmit  bool
	rxbuf         []byte

	sleep func(time.Duration)
	log   *logx.Logger
}

// Open prepares a session against an already-opened I2C transport and
// (optionally) GPIO reset line, power-cycles the chip, and fetches its
// ATR — grounded on halse_se05x_open.
func Open(i2c I2CTransfer, gpio gpioctl.Device, hasGPIO bool, log *logx.Logger) (*Session, error) {
	if log == nil {
		log = logx.Default
	}
	s := &Session{
		i2c:     i2c,
		gpio:    gpio,
		hasGPIO: hasGPIO,
		txbuf:   make([]byte, sizePrologue+sizeInfMax+sizeEpilogue),
		rxbuf:   make([]byte, sizePrologue+sizeInfMax+sizeEpilogue),
		sleep:   time.Sleep,
		log:     log,
	}

	if err := s.PowerDown(); err != nil {
		return nil, halerr.Wrap(halerr.BusOpenFailed, err, "se05x: power down")
	}
	s.sleep(pwt)
	if err := s.PowerUp(); err != nil {
		return nil, halerr.Wrap(halerr.BusOpenFailed, err, "se05x: power up")
	}

	if err := s.WarmReset(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying I2C and GPIO handles.
func (s *Session) Close() error {
	var i2cErr, gpioErr error
	if closer, ok := s.i2c.(interface{ Close() error }); ok && s.i2c != nil {
		i2cErr = closer.Close()
	}
	s.i2c = nil
	if s.gpio != nil {
		gpioErr = s.gpio.Close()
		s.gpio = nil
	}
	if i2cErr != nil {
		return i2cErr
	}
	return gpioErr
}

// PowerUp implements se.Session. With a configured GPIO it asserts the
// reset line; without one it issues an S-Block RESET over I2C instead
// — grounded on halse_se05x_power_up.
func (s *Session) PowerUp() error {
	if s.hasGPIO {
		if err := s.gpio.Enable(); err != nil {
			return halerr.Wrap(halerr.BusOpenFailed, err, "se05x: gpio enable failed")
		}
	} else {
		if err := s.hardReset(); err != nil {
			return err
		}
	}
	s.clearState()
	s.sleep(pwt)
	return nil
}

// PowerDown implements se.Session.
func (s *Session) PowerDown() error {
	if !s.hasGPIO {
		return nil
	}
	if err := s.gpio.Disable(); err != nil {
		return halerr.Wrap(halerr.BusOpenFailed, err, "se05x: gpio disable failed")
	}
	return nil
}

// WarmReset implements se.Session: send S-Block(REQ, SOFT_RESET),
// expect the matching response, and cache its INF as the new ATR.
func (s *Session) WarmReset() error {
	s.clearState()
	return s.warmResetDev()
}

func (s *Session) warmResetDev() error {
	if err := s.sendSBlockNoInf(cmdReq, cmdSoftReset); err != nil {
		return halerr.Wrap(halerr.ProtocolError, err, "se05x: sending SOFT_RESET failed")
	}

	pcb, inf, err := s.recvBlock()
	if err != nil {
		return err
	}
	if pcb != byte(sBlock)|byte(cmdRes)|byte(cmdSoftReset) {
		return halerr.New(halerr.ProtocolError, "se05x: unexpected PCB 0x%02x for SOFT_RESET response", pcb)
	}

	atr := make([]byte, len(inf))
	copy(atr, inf)
	s.atr = atr
	return nil
}

func (s *Session) hardReset() error {
	if err := s.sendSBlockNoInf(cmdReq, cmdReset); err != nil {
		return halerr.Wrap(halerr.ProtocolError, err, "se05x: sending RESET failed")
	}

	pcb, inf, err := s.recvBlock()
	if err != nil {
		return err
	}
	if pcb != byte(sBlock)|byte(cmdRes)|byte(cmdReset) {
		return halerr.New(halerr.ProtocolError, "se05x: unexpected PCB 0x%02x for RESET response", pcb)
	}

	// Supplemented from the original (spec.md §9 Open Questions):
	// cache the hard-reset response's INF as the raw ATR just like a
	// warm reset, rather than discarding it, since PowerICC(POWER_UP)
	// always calls GetATR immediately afterwards.
	atr := make([]byte, len(inf))
	copy(atr, inf)
	s.atr = atr
	return nil
}

// GetATR implements se.Session: synthesizes a conforming ATR from the
// cached raw SE05x ATR.
func (s *Session) GetATR() ([]byte, error) {
	s.log.Debugf("se05x: synthesizing ATR from %d raw bytes", len(s.atr))
	return synthesizeATR(s.atr)
}

func (s *Session) clearState() {
	s.nS = 0
}

func (s *Session) clearBuf() {
	for i := range s.txbuf {
		s.txbuf[i] = 0
	}
	s.txLen = 0
	s.txRetransmit = false
	for i := range s.rxbuf {
		s.rxbuf[i] = 0
	}
}

// Xfer implements se.Session: the 1 ms pre-delay, chunked write loop,
// and chained read loop of halse_se05x_xfer.
func (s *Session) Xfer(tx []byte, rx []byte) (int, error) {
	// Unspecified delay: under high load some chips latch into a state
	// reachable only by reset; this empirically clears it.
	s.sleep(time.Millisecond)

	if len(tx) == 0 || len(rx) == 0 {
		return 0, halerr.New(halerr.ProtocolError, "se05x: empty tx/rx buffer")
	}

	n, err := s.xferLocked(tx, rx)
	s.clearBuf()
	return n, err
}

func (s *Session) xferLocked(tx []byte, rx []byte) (int, error) {
	txOff := 0
	for {
		left := len(tx) - txOff
		n := sizeInfMax
		if n > left {
			n = left
		}
		chain := left-n > 0
		if err := s.sendIBlock(tx[txOff:txOff+n], chain); err != nil {
			return 0, err
		}
		txOff += n
		if !chain {
			break
		}
	}

	rxOff := 0
	for {
		pcb, inf, err := s.recvBlock()
		if err != nil {
			return 0, err
		}
		if !isIBlock(pcb) {
			return 0, halerr.New(halerr.ProtocolError, "se05x: received block is not an I-Block (PCB 0x%02x)", pcb)
		}

		n := len(inf)
		if rxOff+n > len(rx) {
			s.log.Errorf("se05x: receive buffer too small (have %d, need %d) -> truncating", len(rx), rxOff+n)
			n = len(rx) - rxOff
		}
		copy(rx[rxOff:rxOff+n], inf[:n])
		rxOff += n

		chain := (pcb>>5)&0x01 != 0
		if !chain {
			return rxOff, nil
		}

		peerNS := (pcb >> 6) & 1
		nR := peerNS ^ 1
		if err := s.sendRBlock(nR, eeNoError); err != nil {
			return 0, err
		}
	}
}

func (s *Session) readI2C(buf []byte) error {
	s.sleep(segt)
	return s.i2c.Read(buf)
}

func (s *Session) writeI2C(buf []byte) error {
	s.sleep(segt)
	return s.i2c.Write(buf)
}

func (s *Session) crcAndSend(plen int) error {
	crc := calculateCRC(s.txbuf[:plen])
	s.txbuf[plen] = byte(crc >> 8)
	s.txbuf[plen+1] = byte(crc)
	s.txLen = plen + sizeEpilogue
	return s.writeI2C(s.txbuf[:s.txLen])
}

// resend retransmits the cached last-sent block, armed at most once
// per Xfer call (the flag is cleared by clearBuf, matching
// halse_se05x_resend/halse_se05x_clear_buf verbatim -- see DESIGN.md).
func (s *Session) resend() error {
	if s.txRetransmit {
		return halerr.New(halerr.Timeout, "se05x: retransmit already used")
	}
	s.txRetransmit = true
	return s.writeI2C(s.txbuf[:s.txLen])
}

func (s *Session) sendSBlock(d cmdDir, t cmdType, inf []byte) error {
	if len(inf) > sizeInfMax {
		return halerr.New(halerr.ProtocolError, "se05x: S-Block payload too large: %d", len(inf))
	}
	s.txbuf[0] = se05xNAD
	s.txbuf[1] = sBlock | byte(d) | byte(t)
	s.txbuf[2] = byte(len(inf))
	copy(s.txbuf[3:], inf)
	if err := s.crcAndSend(sizePrologue + len(inf)); err != nil {
		return halerr.Wrap(halerr.BusOpenFailed, err, "se05x: sending S-Block failed")
	}
	return nil
}

func (s *Session) sendSBlockNoInf(d cmdDir, t cmdType) error {
	return s.sendSBlock(d, t, nil)
}

// sendIBlock composes and sends an I-Block, toggling N(S); when chain
// is set it then consumes the expected chaining-acknowledgement
// R-Block, whose N(R) must equal the newly toggled N(S) — grounded
// verbatim on halse_se05x_send_i_block.
func (s *Session) sendIBlock(buf []byte, chain bool) error {
	if len(buf) > sizeInfMax {
		return halerr.New(halerr.ProtocolError, "se05x: I-Block payload too large: %d", len(buf))
	}

	nsField := 0
	if s.nS != 0 {
		nsField = 1 << 6
	}
	chainField := 0
	if chain {
		chainField = 1 << 5
	}
	s.txbuf[0] = se05xNAD
	s.txbuf[1] = byte(iBlock | nsField | chainField)
	s.txbuf[2] = byte(len(buf))
	s.nS ^= 1
	copy(s.txbuf[3:], buf)

	if err := s.crcAndSend(sizePrologue + len(buf)); err != nil {
		return halerr.Wrap(halerr.BusOpenFailed, err, "se05x: sending I-Block failed")
	}

	if !chain {
		return nil
	}

	pcb, _, err := s.recvBlock()
	if err != nil {
		return err
	}
	if !isRBlock(pcb) {
		return halerr.New(halerr.ProtocolError, "se05x: expected R-Block ack, got PCB 0x%02x", pcb)
	}
	if ee := pcb & cmdErrorMask; ee != 0 {
		return halerr.New(halerr.ProtocolError, "se05x: R-Block ack carries error 0x%02x", ee)
	}
	nR := (pcb >> 4) & 0x01
	if int(nR) != s.nS {
		return halerr.New(halerr.ProtocolError, "se05x: R-Block ack has wrong N(R) 0x%02x", nR)
	}
	return nil
}

func (s *Session) sendRBlock(nR, ee byte) error {
	nrField := nR << 4
	s.txbuf[0] = se05xNAD
	s.txbuf[1] = rBlock | nrField | ee
	s.txbuf[2] = 0
	if err := s.crcAndSend(sizePrologue); err != nil {
		return halerr.Wrap(halerr.BusOpenFailed, err, "se05x: sending R-Block failed")
	}
	return nil
}

// recvBlock reads one block, transparently acknowledging WTX requests
// and retransmitting once on an error R-Block, re-expressing the
// original's recursive tail calls as a bounded loop (spec.md §9
// Design Notes).
func (s *Session) recvBlock() (pcb byte, inf []byte, err error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := s.readI2C(s.rxbuf[:sizePrologue+sizeEpilogue]); err != nil {
			return 0, nil, halerr.Wrap(halerr.BusOpenFailed, err, "se05x: reading block prologue failed")
		}

		length := int(s.rxbuf[2])
		if length > sizeInfMax {
			return 0, nil, halerr.New(halerr.ProtocolError, "se05x: invalid LEN received (%d > %d)", length, sizeInfMax)
		}
		if length > 0 {
			off := sizePrologue + sizeEpilogue
			if err := s.readI2C(s.rxbuf[off : off+length]); err != nil {
				return 0, nil, halerr.Wrap(halerr.BusOpenFailed, err, "se05x: reading block INF failed")
			}
		}

		if s.rxbuf[0] != hostNAD {
			s.log.Errorf("se05x: invalid NAD received: 0x%02x", s.rxbuf[0])
		}

		expCRC := calculateCRC(s.rxbuf[:sizePrologue+length])
		actCRC := uint16(s.rxbuf[sizePrologue+length])<<8 | uint16(s.rxbuf[sizePrologue+length+1])
		if expCRC != actCRC {
			return 0, nil, halerr.New(halerr.ProtocolError, "se05x: CRC mismatch (got 0x%04x, want 0x%04x)", actCRC, expCRC)
		}

		p := s.rxbuf[1]

		if isSBlockRequest(p) {
			switch cmdType(p & cmdTypeMask) {
			case cmdWTX:
				if err := s.sendSBlock(cmdRes, cmdWTX, s.rxbuf[3:4]); err != nil {
					return 0, nil, err
				}
				continue
			default:
				return 0, nil, halerr.New(halerr.ProtocolError, "se05x: unsupported S-Block request 0x%02x", p)
			}
		}

		if isRBlockWithError(p) {
			if err := s.resend(); err != nil {
				return 0, nil, err
			}
			continue
		}

		return p, s.rxbuf[3 : 3+length], nil
	}
	return 0, nil, halerr.New(halerr.Timeout, "se05x: block receive retry budget exhausted")
}

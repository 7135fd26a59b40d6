package i2cbus

import (
	"errors"
	"syscall"
	"time"

	"github.com/cmuellner/libifdse/halerr"
)

// Retrying wraps a Device with bounded-retry read/write using a
// caller-supplied guard delay on NACK-class errors (spec §4.1).
//
// Real I²C slave firmware signals "not ready" by NACK; drivers
// disagree on which of three kernel-level errno values reaches
// userspace, so all three are collapsed into one retry class —
// grounded on hali2c.c's is_nack().
type Retrying struct {
	Device      Device
	MaxAttempts int
	GuardDelay  time.Duration

	// Sleep defaults to time.Sleep; overridable for tests.
	Sleep func(time.Duration)
}

func (r *Retrying) sleep(d time.Duration) {
	if r.Sleep != nil {
		r.Sleep(d)
		return
	}
	time.Sleep(d)
}

func isNack(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ENXIO || errno == syscall.ETIMEDOUT || errno == syscall.EREMOTEIO
}

// Read performs a bounded-retry read of len(buf) bytes.
func (r *Retrying) Read(buf []byte) error {
	return r.transfer(buf, r.Device.Read)
}

// Write performs a bounded-retry write of buf.
func (r *Retrying) Write(buf []byte) error {
	return r.transfer(buf, r.Device.Write)
}

// Close forwards to the wrapped Device's Close.
func (r *Retrying) Close() error {
	return r.Device.Close()
}

func (r *Retrying) transfer(buf []byte, op func([]byte) (int, error)) error {
	want := len(buf)
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		n, err := op(buf)
		switch {
		case err == nil && n == want:
			return nil
		case isNack(err):
			r.sleep(r.GuardDelay)
			continue
		case err != nil:
			// Not a NACK-class error: treat the bus itself as faulted
			// rather than retrying, per spec §4.1.
			return halerr.Wrap(halerr.BusOpenFailed, err, "i2c transfer failed")
		default:
			return halerr.New(halerr.ShortTransfer, "transferred %d of %d bytes", n, want)
		}
	}
	return halerr.New(halerr.Timeout, "i2c retry budget exhausted after %d attempts", r.MaxAttempts)
}

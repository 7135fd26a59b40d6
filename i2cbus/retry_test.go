package i2cbus

import (
	"syscall"
	"testing"
	"time"

	"github.com/cmuellner/libifdse/halerr"
)

// fakeDevice replays scripted Read/Write results so Retrying's retry
// loop and Close forwarding can be driven without a real /dev/i2c-N.
type fakeDevice struct {
	reads    []ioResult
	readIdx  int
	writes   []ioResult
	writeIdx int

	closeCalls int
	closeErr   error
}

type ioResult struct {
	n   int
	err error
}

func (d *fakeDevice) Read(buf []byte) (int, error) {
	r := d.reads[d.readIdx]
	d.readIdx++
	return r.n, r.err
}

func (d *fakeDevice) Write(buf []byte) (int, error) {
	w := d.writes[d.writeIdx]
	d.writeIdx++
	return w.n, w.err
}

func (d *fakeDevice) Close() error {
	d.closeCalls++
	return d.closeErr
}

var _ Device = (*fakeDevice)(nil)

func noSleep(time.Duration) {}

func TestRetryingReadRetriesOnNackThenSucceeds(t *testing.T) {
	dev := &fakeDevice{
		reads: []ioResult{
			{0, syscall.ENXIO},
			{0, syscall.EREMOTEIO},
			{4, nil},
		},
	}
	var slept []time.Duration
	r := &Retrying{
		Device:      dev,
		MaxAttempts: 5,
		GuardDelay:  time.Millisecond,
		Sleep:       func(d time.Duration) { slept = append(slept, d) },
	}

	if err := r.Read(make([]byte, 4)); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if dev.readIdx != 3 {
		t.Errorf("reads attempted = %d, want 3", dev.readIdx)
	}
	if len(slept) != 2 {
		t.Errorf("guard-delay sleeps = %d, want 2", len(slept))
	}
}

func TestRetryingReadExhaustsBudget(t *testing.T) {
	dev := &fakeDevice{
		reads: []ioResult{
			{0, syscall.ETIMEDOUT},
			{0, syscall.ETIMEDOUT},
			{0, syscall.ETIMEDOUT},
		},
	}
	r := &Retrying{Device: dev, MaxAttempts: 3, GuardDelay: time.Microsecond, Sleep: noSleep}

	err := r.Read(make([]byte, 4))
	if !halerr.Is(err, halerr.Timeout) {
		t.Fatalf("Read = %v, want Timeout", err)
	}
	if dev.readIdx != 3 {
		t.Errorf("reads attempted = %d, want 3 (MaxAttempts)", dev.readIdx)
	}
}

func TestRetryingNonNackErrorFailsWithoutRetry(t *testing.T) {
	dev := &fakeDevice{writes: []ioResult{{0, syscall.EIO}}}
	r := &Retrying{Device: dev, MaxAttempts: 5, GuardDelay: time.Microsecond, Sleep: noSleep}

	err := r.Write(make([]byte, 4))
	if !halerr.Is(err, halerr.BusOpenFailed) {
		t.Fatalf("Write = %v, want BusOpenFailed", err)
	}
	if dev.writeIdx != 1 {
		t.Errorf("writes attempted = %d, want 1 (EIO is not NACK-class)", dev.writeIdx)
	}
}

func TestRetryingShortTransferWithoutErrorIsReported(t *testing.T) {
	dev := &fakeDevice{writes: []ioResult{{2, nil}}}
	r := &Retrying{Device: dev, MaxAttempts: 5, GuardDelay: time.Microsecond, Sleep: noSleep}

	err := r.Write(make([]byte, 4))
	if !halerr.Is(err, halerr.ShortTransfer) {
		t.Fatalf("Write = %v, want ShortTransfer", err)
	}
}

func TestRetryingCloseForwardsToDevice(t *testing.T) {
	dev := &fakeDevice{}
	r := &Retrying{Device: dev}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if dev.closeCalls != 1 {
		t.Errorf("Device.Close calls = %d, want 1", dev.closeCalls)
	}

	dev.closeErr = halerr.New(halerr.BusOpenFailed, "fake close failure")
	if err := r.Close(); err == nil {
		t.Error("Close should propagate the wrapped Device's error")
	}
}

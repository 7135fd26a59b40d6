//go:build !linux

package i2cbus

import "errors"

const isLinux = false

// KernelDevice is unavailable outside Linux; the i2c-dev character
// device interface this backend drives is Linux-specific.
type KernelDevice struct{}

// OpenKernel always fails on non-Linux platforms.
func OpenKernel(path string, addr int) (*KernelDevice, error) {
	return nil, errors.New("i2cbus: kernel i2c backend is not supported on this platform")
}

func (d *KernelDevice) Read(buf []byte) (int, error)  { return 0, errors.New("i2cbus: not supported") }
func (d *KernelDevice) Write(buf []byte) (int, error) { return 0, errors.New("i2cbus: not supported") }
func (d *KernelDevice) Close() error                  { return nil }

// Package i2cbus implements the byte I/O adapter for an I²C bus (spec
// §4.1) plus the bounded-retry transport wrapping it.
//
// The kernel backend is grounded on the original driver's
// hali2c_kernel.c (O_RDWR open of /dev/i2c-N, ioctl(I2C_SLAVE, addr)
// to bind the 7-bit slave address, then plain Read/Write) and on the
// Go idiom used by the retrieved corpus's own I²C drivers
// (other_examples' idahoakl/swdee go-i2c packages), which bind the
// slave address the same way via a raw ioctl syscall.
package i2cbus

// Device is a byte I/O adapter to an I²C bus, bound to a single slave
// address for its lifetime.
type Device interface {
	// Read reads up to len(buf) bytes, returning the number of bytes
	// transferred or a negative error kind encoded as a Go error.
	Read(buf []byte) (int, error)
	// Write writes buf, returning the number of bytes transferred.
	Write(buf []byte) (int, error)
	Close() error
}

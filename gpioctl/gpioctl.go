// Package gpioctl implements the GPIO byte I/O adapter used to drive a
// Secure Element's reset/power line (spec §4.1).
//
// Two backends are supported, selected by a leading tag in the config
// string: "kernel:<chip>:[n]<line>" drives the line via the GPIO
// character-device line-request ioctl interface, grounded on
// periph-host's gpioioctl package; "sysfs:[n]<num>" drives it via the
// /sys/class/gpio pseudo-files, grounded on periph-host's sysfs
// package. Both are narrowed from the teacher's general-purpose,
// multi-pin abstraction down to the single fixed output line this
// driver ever needs (see DESIGN.md).
package gpioctl

// Device is a GPIO byte I/O adapter driving a single output line.
type Device interface {
	// Enable drives the line to its logical "on" value.
	Enable() error
	// Disable drives the line to its logical "off" value.
	Disable() error
	Close() error
}

// Noop is the Device used when a session has no GPIO configured
// (spec §4.1: "If no GPIO is configured for a session, enable/disable
// are no-ops returning success.").
type Noop struct{}

func (Noop) Enable() error  { return nil }
func (Noop) Disable() error { return nil }
func (Noop) Close() error   { return nil }

var _ Device = Noop{}

package gpioctl

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// SysfsDevice drives a single GPIO line through /sys/class/gpio,
// grounded on kerkey.c's open_kerkey_gpio (export, set direction,
// open the value file) and on periph-host/sysfs/gpio.go's file-layout
// conventions.
type SysfsDevice struct {
	value *os.File
}

const gpioSysfsRoot = "/sys/class/gpio"

// OpenSysfs exports line (if not already exported), sets its hardware
// active_low attribute, configures it as an output, and opens its
// value file for subsequent Enable/Disable writes. The active_low
// file lets the kernel do the logical/electrical inversion, same as
// halgpio_sysfs.c, rather than flipping bytes in software.
func OpenSysfs(line int, activeLow bool) (*SysfsDevice, error) {
	if err := exportLine(line); err != nil {
		return nil, err
	}

	activeLowValue := "0"
	if activeLow {
		activeLowValue = "1"
	}
	if err := writeSysfsFile(fmt.Sprintf("%s/gpio%d/active_low", gpioSysfsRoot, line), activeLowValue); err != nil {
		return nil, err
	}
	if err := writeSysfsFile(fmt.Sprintf("%s/gpio%d/direction", gpioSysfsRoot, line), "out"); err != nil {
		return nil, err
	}

	valuePath := fmt.Sprintf("%s/gpio%d/value", gpioSysfsRoot, line)
	vf, err := os.OpenFile(valuePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("gpioctl: open %s: %w", valuePath, err)
	}

	dev := &SysfsDevice{value: vf}
	if err := dev.writeValue('0'); err != nil {
		_ = vf.Close()
		return nil, err
	}
	return dev, nil
}

func writeSysfsFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("gpioctl: open %s: %w", path, err)
	}
	_, werr := f.WriteString(content)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("gpioctl: write %s: %w", path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("gpioctl: close %s: %w", path, cerr)
	}
	return nil
}

func exportLine(line int) error {
	exportPath := gpioSysfsRoot + "/export"
	f, err := os.OpenFile(exportPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("gpioctl: open %s: %w", exportPath, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d", line); err != nil {
		if os.IsExist(err) || errors.Is(err, syscall.EBUSY) {
			// Already exported, not an error (kerkey.c treats EBUSY the
			// same way).
			return nil
		}
		return fmt.Errorf("gpioctl: export gpio%d: %w", line, err)
	}
	return nil
}

func (d *SysfsDevice) writeValue(b byte) error {
	if _, err := d.value.WriteAt([]byte{b}, 0); err != nil {
		return fmt.Errorf("gpioctl: write gpio value: %w", err)
	}
	return nil
}

// Enable implements Device.
func (d *SysfsDevice) Enable() error { return d.writeValue('1') }

// Disable implements Device.
func (d *SysfsDevice) Disable() error { return d.writeValue('0') }

// Close implements Device.
func (d *SysfsDevice) Close() error {
	if d.value == nil {
		return nil
	}
	err := d.value.Close()
	d.value = nil
	return err
}

var _ Device = (*SysfsDevice)(nil)

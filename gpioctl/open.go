package gpioctl

import (
	"strconv"
	"strings"

	"github.com/cmuellner/libifdse/halerr"
)

// Open dispatches a GPIO config string to the kernel or sysfs backend
// by its leading tag, mirroring halgpio.c's halgpio_open prefix
// dispatch ("kernel:..." / "sysfs:...").
func Open(config string) (Device, error) {
	if config == "" {
		return nil, halerr.New(halerr.NotConfigured, "gpioctl: empty config")
	}

	tag, args, ok := strings.Cut(config, ":")
	if !ok {
		return nil, halerr.New(halerr.NotConfigured, "gpioctl: malformed config %q", config)
	}

	switch tag {
	case "kernel":
		chip, line, activeLow, err := parseKernelArgs(args)
		if err != nil {
			return nil, err
		}
		return OpenKernel(chip, line, activeLow)
	case "sysfs":
		line, activeLow, err := parseSysfsArgs(args)
		if err != nil {
			return nil, err
		}
		return OpenSysfs(line, activeLow)
	default:
		return nil, halerr.New(halerr.NotConfigured, "gpioctl: unknown provider %q", tag)
	}
}

// parseKernelArgs parses "<gpiochip>:<[n]gpioline>" per
// halgpio_kernel.c's halgpio_kernel_parse.
func parseKernelArgs(args string) (chip, line int, activeLow bool, err error) {
	chipStr, lineStr, ok := strings.Cut(args, ":")
	if !ok {
		return 0, 0, false, halerr.New(halerr.NotConfigured, "gpioctl: malformed kernel config %q", args)
	}
	chip, convErr := parseInt(chipStr)
	if convErr != nil {
		return 0, 0, false, halerr.New(halerr.NotConfigured, "gpioctl: invalid gpiochip %q", chipStr)
	}
	line, activeLow, perr := parseActiveLowLine(lineStr)
	if perr != nil {
		return 0, 0, false, perr
	}
	return chip, line, activeLow, nil
}

// parseSysfsArgs parses "<[n]gpionum>" per halgpio_sysfs.c's
// halgpio_sysfs_parse.
func parseSysfsArgs(args string) (line int, activeLow bool, err error) {
	return parseActiveLowLine(args)
}

func parseActiveLowLine(s string) (line int, activeLow bool, err error) {
	if s == "" {
		return 0, false, halerr.New(halerr.NotConfigured, "gpioctl: missing gpio line")
	}
	if s[0] == 'n' || s[0] == 'N' {
		activeLow = true
		s = s[1:]
	}
	line, convErr := parseInt(s)
	if convErr != nil {
		return 0, false, halerr.New(halerr.NotConfigured, "gpioctl: invalid gpio line %q", s)
	}
	return line, activeLow, nil
}

// parseInt parses the "int = decimal | \"0x\" hex" grammar shared by
// every int in the "se:" config EBNF (spec.md §6); se.parseInt is the
// same logic, duplicated here since gpioctl must not import se.
func parseInt(s string) (int, error) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		n, err := strconv.ParseInt(rest, 16, 64)
		return int(n), err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return int(n), err
}

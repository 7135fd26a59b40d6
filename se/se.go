// Package se is the registry and config-string dispatcher that turns
// an IFD LUN and a "se:..." configuration string into an open Session,
// grounded on halse.c's lun_se_array and halse_parse.
package se

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cmuellner/libifdse/gpioctl"
	"github.com/cmuellner/libifdse/halerr"
	"github.com/cmuellner/libifdse/i2cbus"
	"github.com/cmuellner/libifdse/kerkey"
	"github.com/cmuellner/libifdse/logx"
	"github.com/cmuellner/libifdse/se05x"
)

// Session is the common operation set both driver packages implement,
// letting Registry dispatch on the driver tag once, at open time, and
// never again — re-expressing halse_dev's function-pointer table
// (dev->close, dev->get_atr, dev->power_up, ...) as a Go interface.
type Session interface {
	Close() error
	PowerUp() error
	PowerDown() error
	WarmReset() error
	GetATR() ([]byte, error)
	Xfer(tx []byte, rx []byte) (int, error)
}

// maxDevices mirrors halse.h's MAX_SE_DEVICES.
const maxDevices = 16

// se05x's retry parameters, derived from its BWT/MPOT timing constants
// (halse_open_se05x: max_retries = BWT_ms*1000/timeout_us).
const (
	se05xRetryAttempts = 1000
	se05xGuardDelay    = time.Millisecond
)

// openI2CFunc/openGPIOFunc are the real subdevice openers, indirected
// through package vars so tests can substitute fakes without touching
// actual character devices or sysfs files.
var (
	openI2CFunc  = openI2C
	openGPIOFunc = gpioctl.Open
)

type slot struct {
	inUse   bool
	lun     uint32
	session Session
}

// Registry is the fixed-capacity, mutex-guarded LUN->Session table,
// grounded on halse.c's static lun_se_array (spec.md §5: "A production
// implementation must guard the table with a mutual-exclusion
// primitive").
type Registry struct {
	mu    sync.Mutex
	slots [maxDevices]slot
	log   *logx.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *logx.Logger) *Registry {
	if log == nil {
		log = logx.Default
	}
	return &Registry{log: log}
}

// Open parses config, opens the requested driver's session, and binds
// it to lun in the first free slot. On any failure the
// partially-constructed session is torn down and the slot released
// (spec.md §4.4).
func (r *Registry) Open(lun uint32, config string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i := range r.slots {
		if !r.slots[i].inUse {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, halerr.New(halerr.NotConfigured, "se: registry full (max %d devices)", maxDevices)
	}

	session, err := r.parse(config)
	if err != nil {
		return nil, err
	}

	r.slots[idx] = slot{inUse: true, lun: lun, session: session}
	return session, nil
}

// Get returns the session bound to lun, or nil if none exists.
func (r *Registry) Get(lun uint32) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i].inUse && r.slots[i].lun == lun {
			return r.slots[i].session
		}
	}
	return nil
}

// Exists reports whether lun is bound to an open session.
func (r *Registry) Exists(lun uint32) bool {
	return r.Get(lun) != nil
}

// Free releases lun's slot without closing its session (the caller is
// expected to Close it first, matching halse_free's plain
// "in_use = 0").
func (r *Registry) Free(lun uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i].lun == lun {
			r.slots[i].inUse = false
			r.slots[i].session = nil
			return
		}
	}
}

// parse implements the "se:" configuration grammar (spec.md §6 EBNF):
//
//	config = "se:" driver "@" subdev { "@" subdev }
//	driver = "kerkey" | "se05x"
//	subdev = ("i2c:" i2c_spec) | ("gpio:" gpio_spec)
func (r *Registry) parse(config string) (Session, error) {
	rest, ok := strings.CutPrefix(config, "se:")
	if !ok {
		return nil, halerr.New(halerr.NotConfigured, "se: config must start with \"se:\": %q", config)
	}

	tokens := strings.Split(rest, "@")
	if len(tokens) < 2 {
		return nil, halerr.New(halerr.NotConfigured, "se: missing subdevice list: %q", config)
	}
	driver := tokens[0]
	if driver != "kerkey" && driver != "se05x" {
		return nil, halerr.New(halerr.NotConfigured, "se: unknown driver %q", driver)
	}

	var i2cDev i2cbus.Device
	var gpioDev gpioctl.Device
	hasGPIO := false

	teardown := func() {
		if gpioDev != nil {
			_ = gpioDev.Close()
		}
		if i2cDev != nil {
			_ = i2cDev.Close()
		}
	}

	for _, tok := range tokens[1:] {
		switch {
		case strings.HasPrefix(tok, "i2c:"):
			dev, err := openI2CFunc(strings.TrimPrefix(tok, "i2c:"))
			if err != nil {
				teardown()
				return nil, halerr.Wrap(halerr.BusOpenFailed, err, "se: opening i2c subdevice failed")
			}
			i2cDev = dev
		case strings.HasPrefix(tok, "gpio:"):
			dev, err := openGPIOFunc(strings.TrimPrefix(tok, "gpio:"))
			if err != nil {
				teardown()
				return nil, halerr.Wrap(halerr.BusOpenFailed, err, "se: opening gpio subdevice failed")
			}
			gpioDev = dev
			hasGPIO = true
		default:
			teardown()
			return nil, halerr.New(halerr.NotConfigured, "se: invalid subdevice token: %q", tok)
		}
	}

	if i2cDev == nil {
		teardown()
		return nil, halerr.New(halerr.NotConfigured, "se: missing i2c subdevice in config: %q", config)
	}
	if !hasGPIO {
		gpioDev = gpioctl.Noop{}
	}

	switch driver {
	case "kerkey":
		s, err := kerkey.Open(i2cDev, gpioDev, r.log)
		if err != nil {
			teardown()
			return nil, err
		}
		return s, nil
	case "se05x":
		retrying := &i2cbus.Retrying{
			Device:      i2cDev,
			MaxAttempts: se05xRetryAttempts,
			GuardDelay:  se05xGuardDelay,
		}
		s, err := se05x.Open(retrying, gpioDev, hasGPIO, r.log)
		if err != nil {
			teardown()
			return nil, err
		}
		return s, nil
	default:
		teardown()
		return nil, halerr.New(halerr.NotConfigured, "se: unknown driver %q", driver)
	}
}

// i2c_spec = "kernel:" device_path ":" int
func openI2C(spec string) (i2cbus.Device, error) {
	rest, ok := strings.CutPrefix(spec, "kernel:")
	if !ok {
		return nil, fmt.Errorf("se: unsupported i2c backend in %q (only \"kernel:\" is defined)", spec)
	}
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return nil, fmt.Errorf("se: malformed i2c spec %q (want \"kernel:<path>:<addr>\")", spec)
	}
	path, addrStr := rest[:idx], rest[idx+1:]
	addr, err := parseInt(addrStr)
	if err != nil {
		return nil, fmt.Errorf("se: invalid i2c slave address %q: %w", addrStr, err)
	}
	return i2cbus.OpenKernel(path, addr)
}

// int = decimal | "0x" hex
func parseInt(s string) (int, error) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		n, err := strconv.ParseInt(rest, 16, 64)
		return int(n), err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return int(n), err
}

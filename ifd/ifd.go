// Package ifd is a thin Go-native facade over se.Registry implementing
// the IFD handler v3 operation set (spec.md §6), grounded directly on
// original_source/src/ifdhandler.c: one method per IFDH* function,
// identical branching and response-code mapping.
package ifd

import (
	"github.com/cmuellner/libifdse/halerr"
	"github.com/cmuellner/libifdse/se"
)

// ResponseCode mirrors the handful of PC/SC IFD response codes this
// driver ever returns.
type ResponseCode int

const (
	Success ResponseCode = iota
	NoSuchDevice
	CommunicationError
	ErrorPowerAction
	ErrorTag
	NotSupported
	UnsupportedFeature
)

// Capability tags accepted by GetCapabilities (spec.md §6).
type Tag int

const (
	TagATR Tag = iota
	TagSimultaneousAccess
	TagThreadSafe
	TagSlotsNumber
	TagSlotThreadSafe
)

// PowerAction selects the PowerICC operation (spec.md §6).
type PowerAction int

const (
	PowerUp PowerAction = iota
	PowerDown
	Reset
)

// maxSimultaneousAccess mirrors halse.h's MAX_SE_DEVICES, reused by
// IFDHGetCapabilities' TAG_IFD_SIMULTANEOUS_ACCESS as in ifdhandler.c.
const maxSimultaneousAccess = 16

// registry is the subset of *se.Registry's method set Handler needs.
// Accepting the interface rather than the concrete type lets tests
// drive Handler against canned sessions without opening real I2C/GPIO
// hardware through se.Registry.Open.
type registry interface {
	Open(lun uint32, config string) (se.Session, error)
	Get(lun uint32) se.Session
	Exists(lun uint32) bool
	Free(lun uint32)
}

// Handler dispatches IFD operations to sessions held in a se.Registry.
type Handler struct {
	registry registry
}

// New returns a Handler backed by registry.
func New(registry *se.Registry) *Handler {
	return &Handler{registry: registry}
}

// CreateChannelByName implements IFDHCreateChannelByName.
func (h *Handler) CreateChannelByName(lun uint32, config string) ResponseCode {
	if h.registry.Exists(lun) {
		return NoSuchDevice
	}
	if _, err := h.registry.Open(lun, config); err != nil {
		return NoSuchDevice
	}
	return Success
}

// CreateChannel implements IFDHCreateChannel: channel IDs are never
// supported, matching the original's unconditional IFD_NO_SUCH_DEVICE.
func (h *Handler) CreateChannel(lun uint32, channel uint32) ResponseCode {
	return NoSuchDevice
}

// CloseChannel implements IFDHCloseChannel.
func (h *Handler) CloseChannel(lun uint32) ResponseCode {
	s := h.registry.Get(lun)
	if s == nil {
		return NoSuchDevice
	}
	_ = s.Close()
	h.registry.Free(lun)
	return Success
}

// GetCapabilities implements IFDHGetCapabilities.
func (h *Handler) GetCapabilities(lun uint32, tag Tag) (ResponseCode, []byte) {
	s := h.registry.Get(lun)
	if s == nil {
		return NoSuchDevice, nil
	}

	switch tag {
	case TagATR:
		atr, err := s.GetATR()
		if err != nil {
			return CommunicationError, nil
		}
		return Success, atr
	case TagSimultaneousAccess:
		return Success, []byte{maxSimultaneousAccess}
	case TagThreadSafe:
		return Success, []byte{0}
	case TagSlotsNumber:
		return Success, []byte{1}
	case TagSlotThreadSafe:
		return Success, []byte{0}
	default:
		return ErrorTag, nil
	}
}

// SetCapabilities implements IFDHSetCapabilities: always declined.
func (h *Handler) SetCapabilities(lun uint32, tag Tag, value []byte) ResponseCode {
	return ErrorTag
}

// SetProtocolParameters implements IFDHSetProtocolParameters: always
// declined.
func (h *Handler) SetProtocolParameters(lun uint32, protocol uint32, flags byte, pts1, pts2, pts3 byte) ResponseCode {
	return NotSupported
}

// PowerICC implements IFDHPowerICC.
func (h *Handler) PowerICC(lun uint32, action PowerAction) (ResponseCode, []byte) {
	s := h.registry.Get(lun)
	if s == nil {
		return NoSuchDevice, nil
	}

	switch action {
	case PowerUp:
		if err := s.PowerUp(); err != nil {
			return ErrorPowerAction, nil
		}
		atr, err := s.GetATR()
		if err != nil {
			return CommunicationError, nil
		}
		return Success, atr
	case PowerDown:
		if err := s.PowerDown(); err != nil {
			return ErrorPowerAction, nil
		}
		return Success, nil
	case Reset:
		if err := s.WarmReset(); err != nil {
			return ErrorPowerAction, nil
		}
		atr, err := s.GetATR()
		if err != nil {
			return CommunicationError, nil
		}
		return Success, atr
	default:
		return NotSupported, nil
	}
}

// TransmitToICC implements IFDHTransmitToICC.
func (h *Handler) TransmitToICC(lun uint32, tx []byte, rx []byte) (ResponseCode, int) {
	s := h.registry.Get(lun)
	if s == nil {
		return NoSuchDevice, 0
	}

	n, err := s.Xfer(tx, rx)
	if err != nil {
		return CommunicationError, 0
	}
	return Success, n
}

// ICCPresence implements IFDHICCPresence: a Secure Element is never
// removable.
func (h *Handler) ICCPresence(lun uint32) ResponseCode {
	if h.registry.Get(lun) == nil {
		return NoSuchDevice
	}
	return Success
}

// Control implements IFDHControl: custom control codes are never
// supported.
func (h *Handler) Control(lun uint32, controlCode uint32, tx []byte, rx []byte) (ResponseCode, int, error) {
	return UnsupportedFeature, 0, halerr.New(halerr.NotSupported, "ifd: control codes are not supported")
}

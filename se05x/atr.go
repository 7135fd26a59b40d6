package se05x

import "github.com/cmuellner/libifdse/halerr"

// atrPrologue is the fixed, artificial ISO 7816-3 prologue the engine
// presents in place of the SE05x's non-conforming raw ATR (UM11225),
// grounded verbatim on halse_se05x_get_atr.
var atrPrologue = []byte{
	0x3B, // TS: direct convention
	0xF0, // T0: Y(1)=1111, K=0 (historical bytes, patched below)
	0x96, // TA(1): Fi=512, Di=32, 16 cycles/ETU
	0x00, // TB(1): VPP not electrically connected
	0x00, // TC(1): extra guard time 0
	0x80, // TD(1): Y(i+1)=1000, protocol T=0
	0x11, // TD(2): Y(i+1)=0001, protocol T=1
	0xFE, // TA(3): IFSC 254
}

// maxHistoricalBytes is the ISO 7816-3 limit on historical bytes (the
// low nibble of T0), enforced against the raw ATR's HB_LEN field.
const maxHistoricalBytes = 15

// synthesizeATR rebuilds a conforming ATR from the raw SE05x ATR,
// which is laid out as PVER(1) VID(5) DLLP_LEN(1) DLLP(n) PLID(1)
// PLP_LEN(1) PLP(n) HB_LEN(1) HB(n). The prologue is fixed, the
// historical bytes are copied from the raw ATR's tail, T0's low
// nibble is patched to HB_LEN, and a TCK trailer XORs everything from
// T0 through the last historical byte.
func synthesizeATR(raw []byte) ([]byte, error) {
	offset := 1 + 5 // PVER, VID
	if offset >= len(raw) {
		return nil, halerr.New(halerr.ProtocolError, "se05x: raw ATR too short for DLLP_LEN")
	}
	offset += 1 + int(raw[offset]) // DLLP_LEN + DLLP
	offset += 1                    // PLID
	if offset >= len(raw) {
		return nil, halerr.New(halerr.ProtocolError, "se05x: raw ATR too short for PLP_LEN")
	}
	offset += 1 + int(raw[offset]) // PLP_LEN + PLP
	if offset >= len(raw) {
		return nil, halerr.New(halerr.ProtocolError, "se05x: raw ATR too short for HB_LEN")
	}
	hbLen := int(raw[offset])
	offset++ // HB_LEN

	if hbLen > maxHistoricalBytes {
		return nil, halerr.New(halerr.ProtocolError, "se05x: ATR has %d historical bytes, max %d", hbLen, maxHistoricalBytes)
	}
	if offset+hbLen > len(raw) {
		return nil, halerr.New(halerr.ProtocolError, "se05x: raw ATR too short for %d historical bytes", hbLen)
	}

	out := make([]byte, 0, len(atrPrologue)+hbLen+1)
	out = append(out, atrPrologue...)
	out[1] |= byte(hbLen) // T0 low nibble fixup (K)
	out = append(out, raw[offset:offset+hbLen]...)
	out = append(out, calculateXOR(out[1:]))
	return out, nil
}

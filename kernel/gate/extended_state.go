package gate

import "encoding/binary"

// FXSAVE image offsets of the control words that are reset when a thread
// starts with a clean FPU.
const (
	fxsaveFCWOffset   = 0
	fxsaveMXCSROffset = 24

	defaultFCW   = uint16(0x037f)
	defaultMXCSR = uint32(0x1f80)
)

// ExtendedState holds the per-thread CPU state that is not part of the trap
// frame: the FXSAVE area and the FS/GS segment base MSRs.
type ExtendedState struct {
	FPU    [512]byte
	FSBase uint64
	GSBase uint64
}

// Reset loads the power-on FPU/SSE control words and clears everything else.
// Segment bases are preserved.
func (s *ExtendedState) Reset() {
	s.FPU = [512]byte{}
	binary.LittleEndian.PutUint16(s.FPU[fxsaveFCWOffset:], defaultFCW)
	binary.LittleEndian.PutUint32(s.FPU[fxsaveMXCSROffset:], defaultMXCSR)
}

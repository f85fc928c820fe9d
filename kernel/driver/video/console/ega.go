package console

import (
	"encoding/binary"

	"gopherkern/kernel"
	"gopherkern/kernel/mm"
)

const (
	clearColor = Black
	clearChar  = byte(' ')

	// cellSize is the number of framebuffer bytes per character: the
	// char in the low byte and the attribute in the high byte.
	cellSize = 2
)

var errFramebufferTooSmall = &kernel.Error{Module: "console", Message: "framebuffer too small for console dimensions"}

// Ega implements an EGA-compatible text console on top of a framebuffer
// made of one or more physical frames.
type Ega struct {
	width  uint16
	height uint16

	fb []byte
}

// FramebufferPages returns the number of pages needed by a console with the
// given dimensions.
func FramebufferPages(width, height uint16) uintptr {
	return mm.PagesForSize(uintptr(width) * uintptr(height) * cellSize)
}

// NewEga returns a console that renders into fb.
func NewEga(width, height uint16, fb []byte) (*Ega, *kernel.Error) {
	if len(fb) < int(width)*int(height)*cellSize {
		return nil, errFramebufferTooSmall
	}

	return &Ega{width: width, height: height, fb: fb}, nil
}

func (cons *Ega) cell(offset uint32) uint16 {
	return binary.LittleEndian.Uint16(cons.fb[offset*cellSize:])
}

func (cons *Ega) setCell(offset uint32, value uint16) {
	binary.LittleEndian.PutUint16(cons.fb[offset*cellSize:], value)
}

// Clear clears the specified rectangular region
func (cons *Ega) Clear(x, y, width, height uint16) {
	var (
		attr                 = uint16((clearColor << 4) | clearColor)
		clr                  = (attr << 8) | uint16(clearChar)
		rowOffset, colOffset uint32
	)

	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = uint32(y)*uint32(cons.width) + uint32(x)
	for ; height > 0; height, rowOffset = height-1, rowOffset+uint32(cons.width) {
		for colOffset = rowOffset; colOffset < rowOffset+uint32(width); colOffset++ {
			cons.setCell(colOffset, clr)
		}
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Scroll a particular number of lines to the specified direction.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	var (
		rowBytes = int(cons.width) * cellSize
		shift    = int(lines) * rowBytes
		end      = int(cons.height) * rowBytes
	)

	switch dir {
	case Up:
		copy(cons.fb[:end-shift], cons.fb[shift:end])
	case Down:
		copy(cons.fb[shift:end], cons.fb[:end-shift])
	}
}

// Write a char to the specified location.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.setCell(uint32(y)*uint32(cons.width)+uint32(x), (uint16(attr)<<8)|uint16(ch))
}

// Read returns the char and attribute at the specified location.
func (cons *Ega) Read(x, y uint16) (byte, Attr) {
	if x >= cons.width || y >= cons.height {
		return 0, 0
	}

	v := cons.cell(uint32(y)*uint32(cons.width) + uint32(x))
	return byte(v), Attr(v >> 8)
}

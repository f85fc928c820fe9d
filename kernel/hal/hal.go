// Package hal wires the kernel's output devices.
package hal

import (
	"gopherkern/kernel"
	"gopherkern/kernel/driver/tty"
	"gopherkern/kernel/driver/video/console"
	"gopherkern/kernel/mm"
)

var (
	// ActiveTerminal points to the currently active terminal.
	ActiveTerminal = &tty.Vt{}

	errConsoleTooLarge = &kernel.Error{Module: "hal", Message: "console framebuffer does not fit in a single frame"}
)

// InitTerminal provides a basic terminal to allow the kernel to emit some
// output till everything is properly setup. The console framebuffer is a
// frame obtained from frames.
func InitTerminal(frames mm.FrameAllocator, width, height uint16) *kernel.Error {
	if console.FramebufferPages(width, height) != 1 {
		return errConsoleTooLarge
	}

	frame, err := frames.AllocFrame()
	if err != nil {
		return err
	}

	cons, err := console.NewEga(width, height, frames.Dmap(frame))
	if err != nil {
		_ = frames.FreeFrame(frame)
		return err
	}

	ActiveTerminal.AttachTo(cons)
	ActiveTerminal.Clear()
	return nil
}

package kmain

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/sched"
)

var errInvalidBootOption = &kernel.Error{Module: "kmain", Message: "invalid boot option", Errno: unix.EINVAL}

// Config describes the machine and kernel settings used by Boot.
type Config struct {
	// MaxMemory caps the amount of physical memory managed by the kernel.
	// A zero value uses every available region of the memory map.
	MaxMemory uintptr

	// KernelBase and KernelSize define the kernel's virtual memory
	// window which hosts the kernel stacks.
	KernelBase      uintptr
	KernelSize      uintptr
	KernelStackSize uintptr

	// ConsoleWidth and ConsoleHeight are the dimensions of the text
	// console in characters.
	ConsoleWidth  uint16
	ConsoleHeight uint16

	// AttachConsole redirects kernel output to the terminal.
	AttachConsole bool

	// InitEntry is the entry point of the init process.
	InitEntry uintptr

	// BootTicks is the number of timer ticks delivered to each core by
	// Run.
	BootTicks int

	Sched sched.Config
}

// DefaultConfig returns the settings used when the command line does not
// override them.
func DefaultConfig() Config {
	return Config{
		KernelBase:      0xffff800000000000,
		KernelSize:      uintptr(64 * mm.Mb),
		KernelStackSize: 4 * mm.PageSize,
		ConsoleWidth:    80,
		ConsoleHeight:   25,
		InitEntry:       0x401000,
		BootTicks:       100,
		Sched:           sched.DefaultConfig(),
	}
}

// Apply overrides the settings named by the supplied boot command line
// options. Unknown options are ignored.
//
// Recognized options: mem=<size>, cores=<n>, boot_ticks=<n>,
// stack_limit=<size>, console=<w>x<h> and console=vt.
func (c *Config) Apply(opts map[string]string) *kernel.Error {
	for key, value := range opts {
		var err *kernel.Error
		switch key {
		case "mem":
			c.MaxMemory, err = parseSize(value)
		case "stack_limit":
			c.Sched.StackLimit, err = parseSize(value)
		case "cores":
			c.Sched.Cores, err = parseInt(value)
		case "boot_ticks":
			c.BootTicks, err = parseInt(value)
		case "console":
			err = c.applyConsole(value)
		default:
			continue
		}

		if err != nil {
			log.Printf("bad value for boot option %q: %q", key, value)
			return err
		}
	}
	return nil
}

func (c *Config) applyConsole(value string) *kernel.Error {
	if value == "vt" {
		c.AttachConsole = true
		return nil
	}

	w, h, found := strings.Cut(value, "x")
	if !found {
		return errInvalidBootOption
	}

	width, err1 := strconv.ParseUint(w, 10, 16)
	height, err2 := strconv.ParseUint(h, 10, 16)
	if err1 != nil || err2 != nil || width == 0 || height == 0 {
		return errInvalidBootOption
	}

	c.ConsoleWidth, c.ConsoleHeight = uint16(width), uint16(height)
	return nil
}

func parseInt(value string) (int, *kernel.Error) {
	v, err := strconv.Atoi(value)
	if err != nil || v < 0 {
		return 0, errInvalidBootOption
	}
	return v, nil
}

// parseSize parses a byte count with an optional K, M or G suffix.
func parseSize(value string) (uintptr, *kernel.Error) {
	unit := mm.Byte
	switch {
	case strings.HasSuffix(value, "K"):
		unit = mm.Kb
	case strings.HasSuffix(value, "M"):
		unit = mm.Mb
	case strings.HasSuffix(value, "G"):
		unit = mm.Gb
	}
	if unit != mm.Byte {
		value = value[:len(value)-1]
	}

	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, errInvalidBootOption
	}
	return uintptr(v) * uintptr(unit), nil
}

// Package kmain contains the kernel entrypoint that brings up memory
// management, the scheduler and the interrupt tables on the boot cores.
package kmain

import (
	"sync"

	"gopherkern/kernel"
	"gopherkern/kernel/gate"
	"gopherkern/kernel/hal"
	"gopherkern/kernel/hal/multiboot"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/pmm"
	"gopherkern/kernel/mm/vma"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/sched"
	"gopherkern/kernel/task"
	"gopherkern/kernel/trap"
)

var (
	log = kfmt.NewLogger("kmain")

	errNoMemory = &kernel.Error{Module: "kmain", Message: "memory map does not contain any available regions"}
)

// lowMemoryEnd is the end of the legacy region below 1M that is never
// handed to the frame allocator.
const lowMemoryEnd = uintptr(0x100000)

// Kernel holds the subsystems brought up by Boot.
type Kernel struct {
	// Config holds the settings after applying the boot command line.
	Config Config

	Memory *mm.PhysicalMemory
	Frames *pmm.BitmapAllocator

	KernelTable  *vmm.PageTable
	KernelMemory *vma.VirtualMemoryArea
	Stacks       *task.KernelStackPool

	Sched *sched.Context

	// Interrupts holds one interrupt table per core.
	Interrupts []*gate.InterruptTable

	Init *sched.Process
}

// Boot initializes the kernel using the multiboot information block
// bootInfo. Options on the boot command line override cfg.
func Boot(bootInfo []byte, cfg Config) (*Kernel, *kernel.Error) {
	multiboot.SetInfo(bootInfo)
	if err := cfg.Apply(multiboot.GetBootCmdLine()); err != nil {
		return nil, err
	}

	var (
		k       = &Kernel{Config: cfg}
		regions []multiboot.MemoryMapEntry
		err     *kernel.Error
	)

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		regions = append(regions, *entry)
		return true
	})

	base, size := physicalWindow(regions, cfg.MaxMemory)
	if size == 0 {
		return nil, errNoMemory
	}

	if k.Memory, err = mm.NewPhysicalMemory(base, size); err != nil {
		return nil, err
	}
	k.Frames = pmm.NewBitmapAllocator(k.Memory, regions)

	if err = hal.InitTerminal(k.Frames, cfg.ConsoleWidth, cfg.ConsoleHeight); err != nil {
		return nil, err
	}
	if cfg.AttachConsole {
		kfmt.SetOutputSink(hal.ActiveTerminal)
	}

	if name := multiboot.GetBootLoaderName(); name != "" {
		log.Printf("booted by %s", name)
	}

	if k.KernelTable, err = vmm.NewPageTable(vmm.ModeAmd64, k.Frames); err != nil {
		return nil, err
	}
	if k.KernelMemory, err = vma.New(k.KernelTable, k.Frames, vma.Layout{Base: cfg.KernelBase, Size: cfg.KernelSize}); err != nil {
		return nil, err
	}
	if k.Stacks, err = task.NewKernelStackPool(k.KernelMemory, cfg.KernelStackSize); err != nil {
		return nil, err
	}

	if k.Sched, err = sched.NewContext(cfg.Sched, k.Frames, k.Stacks); err != nil {
		return nil, err
	}

	for _, s := range k.Sched.Schedulers() {
		k.KernelTable.Activate(s.Core())

		table := &gate.InterruptTable{}
		trap.Install(table, s)
		k.Interrupts = append(k.Interrupts, table)
	}

	if k.Init, _, err = k.Sched.CreateProcess(0, cfg.InitEntry); err != nil {
		return nil, err
	}

	log.Printf("%d core(s) online; init process %d", len(k.Interrupts), k.Init.ID)
	return k, nil
}

// physicalWindow returns the page-aligned range spanning every available
// region of the memory map above lowMemoryEnd, truncated to maxMemory bytes if maxMemory is
// not zero.
func physicalWindow(regions []multiboot.MemoryMapEntry, maxMemory uintptr) (uintptr, uintptr) {
	var start, end uintptr
	for _, region := range regions {
		if region.Type != multiboot.MemAvailable {
			continue
		}

		regionStart := mm.PageAlignUp(uintptr(region.PhysAddress))
		if regionStart < lowMemoryEnd {
			regionStart = lowMemoryEnd
		}
		regionEnd := mm.PageAlignDown(uintptr(region.PhysAddress + region.Length))
		if regionEnd <= regionStart {
			continue
		}

		if end == 0 || regionStart < start {
			start = regionStart
		}
		if regionEnd > end {
			end = regionEnd
		}
	}

	if maxMemory != 0 && end-start > maxMemory {
		end = start + mm.PageAlignDown(maxMemory)
	}
	return start, end - start
}

// Run delivers ticks timer interrupts to every core. Cores run in parallel
// and each one starts from its idle frame. A kernel panic on any core halts
// it and Run never returns.
func (k *Kernel) Run(ticks int) {
	var wg sync.WaitGroup
	for _, table := range k.Interrupts {
		wg.Add(1)
		go func(table *gate.InterruptTable) {
			defer wg.Done()
			defer func() {
				// Unrecoverable faults halt the core.
				if r := recover(); r != nil {
					kfmt.Panic(r)
				}
			}()

			regs := gate.KernelFrame(0, 0)
			for i := 0; i < ticks; i++ {
				table.Dispatch(gate.TimerInterrupt, &regs)
			}
		}(table)
	}
	wg.Wait()

	if reaped := k.Sched.CleanupTerminated(); reaped != 0 {
		log.Printf("reaped %d terminated thread(s)", reaped)
	}
}

// Kmain boots the kernel, runs the configured number of timer ticks and
// reports the final memory usage.
func Kmain(bootInfo []byte, cfg Config) (*Kernel, *kernel.Error) {
	k, err := Boot(bootInfo, cfg)
	if err != nil {
		log.Printf("boot failed: %s", err.Message)
		return nil, err
	}

	k.Run(k.Config.BootTicks)

	log.Printf(
		"clock: %d ticks, processes: %d, memory used: %dKb / %dKb",
		k.Sched.Clock(),
		len(k.Sched.Processes()),
		k.Frames.UsedMemory()/uint64(mm.Kb),
		k.Frames.TotalMemory()/uint64(mm.Kb),
	)
	return k, nil
}

package kmain

import (
	"bytes"
	"testing"

	"gopherkern/kernel/hal"
	"gopherkern/kernel/hal/multiboot"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/sched"
)

func bootInfo(cmdLine string, regions ...multiboot.MemoryMapEntry) []byte {
	b := &multiboot.Builder{}
	b.SetBootLoaderName("test loader").SetCmdLine(cmdLine)
	if len(regions) != 0 {
		b.SetMemoryMap(regions...)
	}
	return b.Bytes()
}

var testRegions = []multiboot.MemoryMapEntry{
	{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
	{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
	{PhysAddress: 0x100000, Length: uint64(8 * mm.Mb), Type: multiboot.MemAvailable},
}

func captureOutput(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })
	return &buf
}

func TestConfigApply(t *testing.T) {
	specs := []struct {
		opts   map[string]string
		check  func(Config) bool
		expErr bool
	}{
		{map[string]string{"mem": "16M"}, func(c Config) bool { return c.MaxMemory == uintptr(16*mm.Mb) }, false},
		{map[string]string{"mem": "4096"}, func(c Config) bool { return c.MaxMemory == 4096 }, false},
		{map[string]string{"stack_limit": "64K"}, func(c Config) bool { return c.Sched.StackLimit == uintptr(64*mm.Kb) }, false},
		{map[string]string{"cores": "4"}, func(c Config) bool { return c.Sched.Cores == 4 }, false},
		{map[string]string{"boot_ticks": "7"}, func(c Config) bool { return c.BootTicks == 7 }, false},
		{map[string]string{"console": "100x40"}, func(c Config) bool { return c.ConsoleWidth == 100 && c.ConsoleHeight == 40 }, false},
		{map[string]string{"console": "vt"}, func(c Config) bool { return c.AttachConsole }, false},
		{map[string]string{"quiet": "quiet"}, func(c Config) bool { return c.BootTicks == DefaultConfig().BootTicks }, false},
		{map[string]string{"cores": "-1"}, nil, true},
		{map[string]string{"mem": "lots"}, nil, true},
		{map[string]string{"mem": "1T"}, nil, true},
		{map[string]string{"console": "80"}, nil, true},
		{map[string]string{"console": "0x25"}, nil, true},
	}

	captureOutput(t)
	for specIndex, spec := range specs {
		cfg := DefaultConfig()
		err := cfg.Apply(spec.opts)
		if spec.expErr {
			if err != errInvalidBootOption {
				t.Errorf("[spec %d] expected errInvalidBootOption; got %v", specIndex, err)
			}
			continue
		}

		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if !spec.check(cfg) {
			t.Errorf("[spec %d] option %v was not applied", specIndex, spec.opts)
		}
	}
}

func TestPhysicalWindow(t *testing.T) {
	specs := []struct {
		regions   []multiboot.MemoryMapEntry
		maxMemory uintptr
		expBase   uintptr
		expSize   uintptr
	}{
		{nil, 0, 0, 0},
		{
			[]multiboot.MemoryMapEntry{{PhysAddress: 0x1000, Length: 0x800, Type: multiboot.MemAvailable}},
			0, 0, 0,
		},
		{testRegions, 0, 0x100000, uintptr(8 * mm.Mb)},
		{testRegions, uintptr(mm.Mb) + 123, 0x100000, uintptr(mm.Mb)},
		{testRegions[1:], 0, 0x100000, uintptr(8 * mm.Mb)},
		{
			[]multiboot.MemoryMapEntry{
				{PhysAddress: 0x200800, Length: 0x2000, Type: multiboot.MemAvailable},
				{PhysAddress: 0x80000, Length: 0x81000, Type: multiboot.MemAvailable},
			},
			0, 0x100000, 0x102000,
		},
	}

	for specIndex, spec := range specs {
		base, size := physicalWindow(spec.regions, spec.maxMemory)
		if base != spec.expBase || size != spec.expSize {
			t.Errorf("[spec %d] expected window (0x%x, 0x%x); got (0x%x, 0x%x)", specIndex, spec.expBase, spec.expSize, base, size)
		}
	}
}

func TestBootErrors(t *testing.T) {
	captureOutput(t)

	specs := []struct {
		info   []byte
		expErr bool
	}{
		{bootInfo(""), true},
		{bootInfo("cores=lots", testRegions...), true},
		{bootInfo("console=200x200", testRegions...), true},
		{bootInfo("cores=0", testRegions...), true},
		{bootInfo("", testRegions...), false},
	}

	for specIndex, spec := range specs {
		k, err := Boot(spec.info, DefaultConfig())
		if spec.expErr {
			if err == nil {
				t.Errorf("[spec %d] expected Boot to fail", specIndex)
			}
			continue
		}
		if err != nil || k == nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}
	}

	if _, err := Boot(bootInfo(""), DefaultConfig()); err != errNoMemory {
		t.Fatalf("expected errNoMemory; got %v", err)
	}
}

func TestKmain(t *testing.T) {
	buf := captureOutput(t)

	k, err := Kmain(bootInfo("cores=2 boot_ticks=10 mem=4M", testRegions...), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := uint64(4*mm.Mb), k.Frames.TotalMemory(); got != exp {
		t.Errorf("expected total memory to be %d; got %d", exp, got)
	}
	if exp, got := 2, len(k.Interrupts); got != exp {
		t.Errorf("expected %d interrupt tables; got %d", exp, got)
	}
	if exp, got := uint64(10), k.Sched.Clock(); got != exp {
		t.Errorf("expected clock to be %d; got %d", exp, got)
	}

	initProc, err := k.Sched.Process(k.Sched.InitProcess())
	if err != nil {
		t.Fatal(err)
	}
	if initProc != k.Init {
		t.Error("expected the init process to be registered with the scheduler")
	}
	initThread, err := k.Sched.Thread(initProc.Threads[0])
	if err != nil {
		t.Fatal(err)
	}
	if state := k.Sched.StateOf(initThread); state != sched.Running {
		t.Errorf("expected init thread to be running; got %s", state)
	}

	var running int
	for _, s := range k.Sched.Schedulers() {
		if s.Current() != nil {
			running++
		}
		if s.Core().ActivePDT() != initProc.Table.Root().Address() && s.Current() != nil {
			t.Errorf("expected core %d to run on the init page table", s.Core().ID)
		}
	}
	if running != 1 {
		t.Errorf("expected init to run on exactly one core; got %d", running)
	}

	if !bytes.Contains(buf.Bytes(), []byte("[kmain] booted by test loader")) {
		t.Errorf("expected boot loader name to be logged; got:\n%s", buf.String())
	}
}

func TestKmainConsoleOutput(t *testing.T) {
	captureOutput(t)

	if _, err := Kmain(bootInfo("console=vt boot_ticks=1", testRegions...), DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	if _, y := hal.ActiveTerminal.Position(); y == 0 {
		t.Error("expected kernel output to be rendered on the terminal")
	}
}

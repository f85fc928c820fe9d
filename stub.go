package main

import (
	"flag"
	"os"

	"gopherkern/kernel/hal/multiboot"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/kmain"
	"gopherkern/kernel/mm"
)

// main plays the role of the boot loader: it assembles a multiboot
// information block describing a single region of available memory and
// passes it to the kernel entrypoint.
func main() {
	var (
		memSize = flag.Uint("mem-mb", 64, "size of the available memory region in megabytes")
		cmdLine = flag.String("cmdline", "", "kernel command line, e.g. \"cores=2 boot_ticks=500\"")
	)
	flag.Parse()

	info := (&multiboot.Builder{}).
		SetBootLoaderName("gopherkern hosted loader").
		SetCmdLine(*cmdLine).
		SetMemoryMap(
			multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
			multiboot.MemoryMapEntry{PhysAddress: 0x9fc00, Length: 0x60400, Type: multiboot.MemReserved},
			multiboot.MemoryMapEntry{PhysAddress: 0x100000, Length: uint64(*memSize) * uint64(mm.Mb), Type: multiboot.MemAvailable},
		).
		Bytes()

	kfmt.SetOutputSink(os.Stdout)
	if _, err := kmain.Kmain(info, kmain.DefaultConfig()); err != nil {
		os.Exit(1)
	}
}

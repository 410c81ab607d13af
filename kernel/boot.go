// Package kernel wires the memory managers and the scheduler into a bootable
// kernel on a simulated machine: boot-time memory setup, trap dispatch, the
// console, system calls and the monitor surface.
package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kheap"
	"github.com/sisoputnfrba/tp-lithium-kernel/paging"
	"github.com/sisoputnfrba/tp-lithium-kernel/pmm"
	"github.com/sisoputnfrba/tp-lithium-kernel/sched"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
	"github.com/sisoputnfrba/tp-lithium-kernel/vmm"
)

// Physical and virtual layout set up by the boot stage.
const (
	BootDirectory = 0x00080000
	identityTable = 0x00081000
	kernelTable   = 0x00082000
	scratchTable  = 0x00083000

	kernelPhys = 0x01000000
	kernelSize = 0x00064000 // 400 KiB

	// KernelEnd is the first virtual address past the kernel image, where
	// the heap starts.
	KernelEnd = vmm.KernelBase + kernelSize

	VideoPhys  = 0x000B8000
	VideoAddr  = 0xFFBFA000
	videoPages = 4

	BitmapPhys  = 0x00100000
	BitmapAddr  = 0xFFBBA000
	bitmapPages = 64

	gdtPhys = 0x00000000
	GDTAddr = 0xFFBB9000

	bootStack = 0x0007F000

	directoryAddr = 0xFFFFF000

	biosEBDAPointer = 0x040E
	ebdaSegment     = 0x9FC0
	lowMemoryTop    = 0x000A0000
	romHoleSize     = 0x00060000
)

// Memory map region types reported by the firmware.
const (
	RegionUsable      = 1
	RegionReserved    = 2
	RegionACPIReclaim = 3
	RegionACPINVS     = 4
)

// MemoryRegion is one entry of the firmware memory map.
type MemoryRegion struct {
	Base   uint64 `json:"base"`
	Length uint64 `json:"length"`
	Type   uint32 `json:"type"`
}

// Kernel is one booted kernel and the machine it runs on.
type Kernel struct {
	cfg     Config
	machine *hal.Machine

	frames *pmm.Allocator
	vmm    *vmm.Manager
	heap   *kheap.Heap
	sched  *sched.Scheduler
	boot   *vmm.AddressSpace

	screen   *Screen
	keyboard Keyboard
	irq      [16]IRQHandler

	memoryMap []MemoryRegion
	ticks     uint64
	panicked  *PanicReport
}

// FirmwareMemoryMap is the map a PC BIOS reports for size bytes of RAM: low
// memory up to the EBDA, the EBDA and ROM hole, and everything above 1 MiB
// with the last 64 KiB left as ACPI reclaimable. A region above 4 GiB is
// reported too, as on machines with more memory than a 32-bit kernel sees.
func FirmwareMemoryMap(size uint32) []MemoryRegion {
	ebda := uint64(ebdaSegment) << 4
	top := uint64(size)
	return []MemoryRegion{
		{Base: 0, Length: ebda, Type: RegionUsable},
		{Base: ebda, Length: 0x100000 - ebda, Type: RegionReserved},
		{Base: 0x100000, Length: top - 0x110000, Type: RegionUsable},
		{Base: top - 0x10000, Length: 0x10000, Type: RegionACPIReclaim},
		{Base: 1 << 32, Length: 0x100000, Type: RegionUsable},
	}
}

// Boot brings a fresh machine up the way the boot stage and the kernel entry
// do on hardware and returns the running kernel with interrupts enabled.
func Boot(cfg Config) (*Kernel, error) {
	cfg = cfg.WithDefaults()
	if cfg.MemorySize < MinMemorySize {
		return nil, fmt.Errorf("memory size %#x below the minimum %#x", cfg.MemorySize, MinMemorySize)
	}
	if cfg.HeapEnd <= KernelEnd || cfg.HeapEnd > BitmapAddr&^(paging.TableReach-1) || cfg.HeapEnd%hal.PageSize != 0 {
		return nil, fmt.Errorf("heap end %#08x out of range", cfg.HeapEnd)
	}

	m := hal.NewMachine(cfg.MemorySize)
	k := &Kernel{
		cfg:       cfg,
		machine:   m,
		memoryMap: FirmwareMemoryMap(cfg.MemorySize),
	}

	if err := k.firmware(); err != nil {
		return nil, fmt.Errorf("preparing firmware tables: %w", err)
	}

	k.screen = NewScreen(m, m.Physical(), VideoPhys)
	k.screen.SetColour(BootColour)
	k.screen.Clear()
	k.screen.Print("Lithium OS - Loading...\n")

	k.remapPIC()
	k.screen.Print("IDT installed\n")
	k.installTimer(cfg.TimerHz)
	k.installKeyboard()

	if err := k.initMemory(); err != nil {
		return nil, err
	}

	k.sched = sched.New(k.vmm, k.frames, k.heap, m.Kernel(), k.boot)
	k.InstallIRQ(IRQSyscall, k.syscall)

	// interrupts are still disabled from the boot stage
	m.EnableInterrupts()

	utils.InfoLog.Info("Kernel booted",
		"memory", cfg.MemorySize,
		"free_frames", k.frames.FreeBlockCount(),
		"timer_hz", m.TimerHz(),
		"heap", fmt.Sprintf("%#08x-%#08x", k.heap.Start(), k.heap.End()))
	return k, nil
}

// firmware leaves behind what the BIOS and the boot stage hand over: the
// EBDA pointer in the BIOS data area and paging enabled on the boot
// directory, with the first 4 MiB identity mapped and the kernel image
// mapped at KernelBase.
func (k *Kernel) firmware() error {
	phys := k.machine.Physical()

	var ptr [2]byte
	binary.LittleEndian.PutUint16(ptr[:], ebdaSegment)
	if err := phys.Write(biosEBDAPointer, ptr[:]); err != nil {
		return err
	}

	rw := paging.FlagPresent | paging.FlagWritable
	for i := uint32(0); i < paging.EntryCount; i++ {
		pte := paging.TableEntry(rw)
		paging.SetFrame(&pte, i*hal.PageSize)
		if err := phys.WriteWord(identityTable+i*paging.EntrySize, uint32(pte)); err != nil {
			return err
		}
	}
	for i := uint32(0); i < kernelSize/hal.PageSize; i++ {
		pte := paging.TableEntry(rw)
		paging.SetFrame(&pte, kernelPhys+i*hal.PageSize)
		if err := phys.WriteWord(kernelTable+i*paging.EntrySize, uint32(pte)); err != nil {
			return err
		}
	}

	tables := []struct{ virt, table uint32 }{
		{0, identityTable},
		{vmm.KernelBase, kernelTable},
		{vmm.ScratchAddr, scratchTable},
	}
	for _, t := range tables {
		pde := paging.DirEntry(rw)
		paging.SetFrame(&pde, t.table)
		if err := phys.WriteWord(BootDirectory+paging.DirIndex(t.virt)*paging.EntrySize, uint32(pde)); err != nil {
			return err
		}
	}

	k.machine.LoadAddressSpace(BootDirectory)
	return nil
}

func (k *Kernel) initMemory() error {
	m := k.machine

	k.screen.Print("Parsing BIOS memory map... ")
	var memSize uint32
	for _, r := range k.memoryMap {
		// above 4 GiB is out of reach of a 32-bit kernel
		if r.Base>>32 == 0 {
			memSize += uint32(r.Length)
		}
	}
	k.screen.Print("done\n")

	k.frames = pmm.New(m)
	if err := k.frames.Init(memSize, BitmapPhys); err != nil {
		return fmt.Errorf("initialising physical memory manager: %w", err)
	}
	k.screen.Print("Physical memory manager initialised\n")

	for _, r := range k.memoryMap {
		if r.Base>>32 == 0 && (r.Type == RegionUsable || r.Type == RegionACPIReclaim) {
			k.frames.InitRegion(uint32(r.Base), uint32(r.Length))
		}
	}
	k.screen.Print(fmt.Sprintf("Initialised %d KiB of usable memory\n", k.frames.FreeBlockCount()*hal.PageSize/1024))

	ebdaBase, ebdaLength, err := k.ebda()
	if err != nil {
		return fmt.Errorf("reading the EBDA pointer: %w", err)
	}

	reserved := []struct {
		base, size uint32
		what       string
	}{
		{gdtPhys, hal.PageSize, "GDT"},
		{bootStack, hal.PageSize, "kernel stack"},
		{ebdaBase, ebdaLength, "EBDA"},
		{lowMemoryTop, romHoleSize, "video memory and ROM"},
		{BitmapPhys, bitmapPages * hal.PageSize, "frame bitmap"},
		{BootDirectory, 4 * hal.PageSize, "boot paging structures"},
		{kernelPhys, kernelSize, "kernel image"},
	}
	for _, r := range reserved {
		k.frames.DeinitRegion(r.base, r.size)
		utils.InfoLog.Debug("Region reserved", "what", r.what, "base", fmt.Sprintf("%#08x", r.base), "size", r.size)
	}

	if err := vmm.InstallRecursive(m.Physical(), BootDirectory); err != nil {
		return fmt.Errorf("installing the recursive mapping: %w", err)
	}
	k.vmm = vmm.New(m, m.Kernel(), k.frames)
	if err := k.vmm.Init(BootDirectory); err != nil {
		k.screen.Print("vmm init failed! System halted.")
		m.DisableInterrupts()
		m.Halt()
		return fmt.Errorf("initialising virtual memory manager: %w", err)
	}
	k.boot = k.vmm.Adopt(BootDirectory)
	k.screen.Print("Virtual memory manager initialised\n")

	if err := k.mapRange(VideoPhys, VideoAddr, videoPages); err != nil {
		return fmt.Errorf("mapping video memory: %w", err)
	}
	k.screen.SetMemory(m.Kernel(), VideoAddr)

	if err := k.mapRange(BitmapPhys, BitmapAddr, bitmapPages); err != nil {
		return fmt.Errorf("mapping the frame bitmap: %w", err)
	}

	if err := k.mapRange(gdtPhys, GDTAddr, 1); err != nil {
		return fmt.Errorf("mapping the GDT: %w", err)
	}
	if err := k.setupGDT(); err != nil {
		return fmt.Errorf("writing the GDT: %w", err)
	}
	k.screen.Print("GDT updated\n")

	// drop the identity map of the first 4 MiB and recycle its table
	raw, err := m.Kernel().ReadWord(directoryAddr)
	if err != nil {
		return err
	}
	pde := paging.DirEntry(raw)
	paging.DelAttrib(&pde, paging.FlagPresent)
	if err := m.Kernel().WriteWord(directoryAddr, uint32(pde)); err != nil {
		return err
	}
	if err := k.vmm.SwitchDirectory(BootDirectory); err != nil {
		return err
	}
	k.frames.InitRegion(identityTable, hal.PageSize)

	k.heap = kheap.New(m.Kernel(), k.vmm, KernelEnd, k.cfg.HeapEnd)
	if err := k.heap.Init(); err != nil {
		k.screen.Print("\nkmalloc init failed! System halted.\n")
		m.DisableInterrupts()
		m.Halt()
		return fmt.Errorf("initialising kernel heap: %w", err)
	}
	k.screen.Print("Kernel memory allocator initialised\n")
	return nil
}

// ebda locates the extended BIOS data area from the segment stored in the
// BIOS data area. Some firmware stores a linear address there instead.
func (k *Kernel) ebda() (base, length uint32, err error) {
	var ptr [2]byte
	if err := k.machine.Physical().Read(biosEBDAPointer, ptr[:]); err != nil {
		return 0, 0, err
	}
	base = uint32(binary.LittleEndian.Uint16(ptr[:])) << 4
	if base > lowMemoryTop {
		base >>= 4
	}
	return base, lowMemoryTop - base, nil
}

func (k *Kernel) mapRange(phys, virt, pages uint32) error {
	for i := uint32(0); i < pages; i++ {
		if err := k.vmm.MapPage(phys+i*hal.PageSize, virt+i*hal.PageSize); err != nil {
			return err
		}
	}
	return nil
}

// gdtEntry encodes a segment descriptor.
func gdtEntry(limit, base uint32, access, granularity uint8) uint64 {
	d := uint64(limit & 0xFFFF)
	d |= uint64(base&0xFFFFFF) << 16
	d |= uint64(access) << 40
	d |= uint64(limit>>16&0xF) << 48
	d |= uint64(granularity&0xF) << 52
	d |= uint64(base>>24&0xFF) << 56
	return d
}

// setupGDT writes the flat kernel and user descriptors behind the selectors
// in hal.
func (k *Kernel) setupGDT() error {
	entries := []uint64{
		0,
		gdtEntry(0xFFFFF, 0, 0x9A, 0xC), // kernel code
		gdtEntry(0xFFFFF, 0, 0x92, 0xC), // kernel data
		gdtEntry(0xFFFFF, 0, 0xFA, 0xC), // user code
		gdtEntry(0xFFFFF, 0, 0xF2, 0xC), // user data
	}
	buf := make([]byte, len(entries)*8)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[i*8:], e)
	}
	return k.machine.Kernel().Write(GDTAddr, buf)
}

func (k *Kernel) Config() Config { return k.cfg }

func (k *Kernel) Machine() *hal.Machine { return k.machine }

func (k *Kernel) Screen() *Screen { return k.screen }

func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

func (k *Kernel) Frames() *pmm.Allocator { return k.frames }

func (k *Kernel) Heap() *kheap.Heap { return k.heap }

// MemoryMap returns the firmware memory map the kernel booted with.
func (k *Kernel) MemoryMap() []MemoryRegion {
	return append([]MemoryRegion(nil), k.memoryMap...)
}

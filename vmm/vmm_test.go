package vmm

import (
	"errors"
	"testing"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kerrors"
	"github.com/sisoputnfrba/tp-lithium-kernel/paging"
	"github.com/sisoputnfrba/tp-lithium-kernel/pmm"
)

const (
	testMemory    = 4 << 20
	testBitmap    = 0x1000
	testBootPD    = 0x2000
	testScratchPT = 0x3000
	testFirstFree = 0x10000
)

// limited caps how many frames an allocator will still hand out.
type limited struct {
	*pmm.Allocator
	left int
}

func (l *limited) AllocBlock() uint32 {
	if l.left == 0 {
		return 0
	}
	l.left--
	return l.Allocator.AllocBlock()
}

type fixture struct {
	machine *hal.Machine
	frames  *pmm.Allocator
	vmm     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	m := hal.NewMachine(testMemory)
	frames := pmm.New(m)
	if err := frames.Init(testMemory, testBitmap); err != nil {
		t.Fatal(err)
	}
	frames.InitRegion(testFirstFree, testMemory-testFirstFree)

	phys := m.Physical()
	if err := InstallRecursive(phys, testBootPD); err != nil {
		t.Fatal(err)
	}
	pde := paging.DirEntry(paging.FlagPresent | paging.FlagWritable)
	paging.SetFrame(&pde, testScratchPT)
	phys.WriteWord(testBootPD+paging.DirIndex(ScratchAddr)*4, uint32(pde))
	m.LoadAddressSpace(testBootPD)

	v := New(m, m.Kernel(), frames)
	if err := v.Init(testBootPD); err != nil {
		t.Fatal(err)
	}
	return &fixture{machine: m, frames: frames, vmm: v}
}

func TestInitRejectsNull(t *testing.T) {
	v := New(hal.NewMachine(hal.PageSize), nil, nil)
	if err := v.Init(0); !errors.Is(err, ErrNullDirectory) {
		t.Errorf("Init(0) = %v", err)
	}
	if err := v.SwitchDirectory(0); !errors.Is(err, ErrNullDirectory) {
		t.Errorf("SwitchDirectory(0) = %v", err)
	}
}

func TestAllocPage(t *testing.T) {
	f := newFixture(t)
	before := f.frames.FreeBlockCount()

	const virt = 0x00400000
	if err := f.vmm.AllocPage(virt); err != nil {
		t.Fatal(err)
	}
	if used := before - f.frames.FreeBlockCount(); used != 2 {
		t.Errorf("first AllocPage used %d frames, want 2 (table + page)", used)
	}

	phys, err := f.vmm.PhysicalAddress(virt + 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.machine.Kernel().WriteWord(virt+0x10, 0x600DF00D); err != nil {
		t.Fatal(err)
	}
	got, _ := f.machine.Physical().ReadWord(phys)
	if got != 0x600DF00D {
		t.Errorf("physical word = %#x", got)
	}

	// idempotent
	if err := f.vmm.AllocPage(virt); err != nil {
		t.Fatal(err)
	}
	again, _ := f.vmm.PhysicalAddress(virt + 0x10)
	if again != phys {
		t.Errorf("second AllocPage remapped %#x to %#x", phys, again)
	}
	if used := before - f.frames.FreeBlockCount(); used != 2 {
		t.Errorf("second AllocPage allocated again")
	}

	// neighbour in the same table needs only one frame
	if err := f.vmm.AllocPage(virt + hal.PageSize); err != nil {
		t.Fatal(err)
	}
	if used := before - f.frames.FreeBlockCount(); used != 3 {
		t.Errorf("neighbour page used %d frames total, want 3", used)
	}
}

func TestAllocPageExhaustionLeavesState(t *testing.T) {
	f := newFixture(t)
	lim := &limited{Allocator: f.frames, left: 1}
	v := New(f.machine, f.machine.Kernel(), lim)
	v.Init(testBootPD)
	before := f.frames.FreeBlockCount()

	err := v.AllocPage(0x00800000)
	if !errors.Is(err, kerrors.ErrOutOfMemory) {
		t.Fatalf("AllocPage = %v, want out of memory", err)
	}
	if f.frames.FreeBlockCount() != before {
		t.Errorf("frames leaked: %d -> %d", before, f.frames.FreeBlockCount())
	}
	pde, _ := v.dirEntry(0x00800000)
	if paging.IsPresent(pde) {
		t.Error("table left installed after failure")
	}
}

func TestMapAndFreePage(t *testing.T) {
	f := newFixture(t)

	const video = 0xB8000
	const virt = 0xFFBFA000
	if err := f.vmm.MapPage(video, virt); err != nil {
		t.Fatal(err)
	}
	f.machine.Kernel().WriteWord(virt, 0x0F410F41)
	got, _ := f.machine.Physical().ReadWord(video)
	if got != 0x0F410F41 {
		t.Errorf("mapped write not visible: %#x", got)
	}

	const heap = 0xC0100000
	f.vmm.AllocPage(heap)
	phys, _ := f.vmm.PhysicalAddress(heap)
	free := f.frames.FreeBlockCount()

	f.vmm.FreePage(heap)
	if f.frames.FreeBlockCount() != free+1 {
		t.Error("FreePage did not return the frame")
	}
	if f.frames.Test(phys / hal.PageSize) {
		t.Error("frame still marked used")
	}
	if _, err := f.machine.Translate(heap, 0); err == nil {
		t.Error("page still translates after FreePage")
	}
}

func TestMarkUser(t *testing.T) {
	f := newFixture(t)

	const virt = 0x08048000
	f.vmm.AllocPage(virt)
	if err := f.machine.User().WriteWord(virt, 1); err == nil {
		t.Fatal("supervisor page writable from ring 3")
	}
	if err := f.vmm.MarkUser(virt); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.User().WriteWord(virt, 1); err != nil {
		t.Errorf("user write after MarkUser: %v", err)
	}
}

func TestAddressSpaces(t *testing.T) {
	f := newFixture(t)
	boot := f.vmm.Adopt(testBootPD)

	// a kernel page made before the switch must be visible after it
	const kernelVirt = 0xC0000000
	f.vmm.AllocPage(kernelVirt)
	f.machine.Kernel().WriteWord(kernelVirt, 0x12345678)

	free := f.frames.FreeBlockCount()
	space, err := f.vmm.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	if err := space.Map(0x20000, 0x1000); !errors.Is(err, ErrInactive) {
		t.Errorf("Map on inactive space = %v", err)
	}

	if err := space.Activate(); err != nil {
		t.Fatal(err)
	}
	if f.machine.CR3() != space.Directory() || f.vmm.Directory() != space.Directory() {
		t.Fatal("Activate did not switch CR3")
	}
	got, err := f.machine.Kernel().ReadWord(kernelVirt)
	if err != nil || got != 0x12345678 {
		t.Fatalf("kernel half missing after switch: %#x, %v", got, err)
	}

	const userVirt = 0x00400000
	frame, fresh, err := space.AllocUser(userVirt)
	if err != nil || !fresh {
		t.Fatalf("AllocUser = %#x, %v, %v", frame, fresh, err)
	}
	if _, fresh, _ := space.AllocUser(userVirt); fresh {
		t.Error("AllocUser reported an existing page as fresh")
	}
	if phys, _ := space.Translate(userVirt + 4); phys != frame+4 {
		t.Errorf("Translate = %#x, want %#x", phys, frame+4)
	}

	if err := space.Release(); !errors.Is(err, ErrActive) {
		t.Errorf("Release of active space = %v", err)
	}

	if err := boot.Activate(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.Translate(userVirt, 0); err == nil {
		t.Error("user page of another space visible from the boot directory")
	}

	if err := space.Release(); err != nil {
		t.Fatal(err)
	}
	f.frames.FreeBlock(frame)
	if f.frames.FreeBlockCount() != free {
		t.Errorf("FreeBlockCount = %d, want %d", f.frames.FreeBlockCount(), free)
	}
	if err := space.Activate(); !errors.Is(err, ErrReleased) {
		t.Errorf("Activate after Release = %v", err)
	}
}

func TestUnmapKeepsFrame(t *testing.T) {
	f := newFixture(t)
	space := f.vmm.Adopt(testBootPD)

	if err := space.Map(0x30000, 0x00C00000); err != nil {
		t.Fatal(err)
	}
	frame, err := space.Unmap(0x00C00000)
	if err != nil || frame != 0x30000 {
		t.Fatalf("Unmap = %#x, %v", frame, err)
	}
	if _, err := space.Unmap(0x00C00000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("second Unmap = %v", err)
	}
}

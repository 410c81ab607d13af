// Package proc holds process and thread records.
package proc

import (
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/vmm"
)

// State is the life-cycle stage of a thread.
type State int

const (
	// Uninitialized threads have no stack yet and, for the first thread of a
	// process, no loaded image. Their saved EIP is hal.SentinelEIP.
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Ready:
		return "READY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Thread is one schedulable context of a process.
type Thread struct {
	ID         uint32
	EntryPoint uint32 // 0 means the image entry point
	State      State
	Regs       hal.Registers
	Regions    []uint32 // stack frame indexes
}

// AddRegion records a frame index owned by the thread.
func (t *Thread) AddRegion(frame uint32) {
	t.Regions = append(t.Regions, frame)
}

// Process is an address space, its image and its threads.
type Process struct {
	ID      uint32
	Threads []*Thread
	Blocked []*Thread
	Space   *vmm.AddressSpace

	// BinaryAddr and BinarySize locate the image copy in the kernel heap
	// until the process is loaded.
	BinaryAddr uint32
	BinarySize uint32
	EntryPoint uint32

	Regions []uint32 // code and data frame indexes

	threadIDs uint32
}

// New creates a process with one uninitialized thread.
func New(id uint32, space *vmm.AddressSpace, binaryAddr, binarySize uint32) *Process {
	p := &Process{
		ID:         id,
		Space:      space,
		BinaryAddr: binaryAddr,
		BinarySize: binarySize,
	}
	p.AddThread(0)
	return p
}

// AddThread appends an uninitialized thread that will start at entryPoint.
func (p *Process) AddThread(entryPoint uint32) *Thread {
	p.threadIDs++
	t := &Thread{
		ID:         p.threadIDs,
		EntryPoint: entryPoint,
		State:      Uninitialized,
		Regs:       hal.UserRegisters(hal.SentinelEIP),
	}
	p.Threads = append(p.Threads, t)
	return t
}

// AddRegion records a frame index owned by the process.
func (p *Process) AddRegion(frame uint32) {
	p.Regions = append(p.Regions, frame)
}

// Loaded reports whether the image has been copied into the address space.
func (p *Process) Loaded() bool { return p.BinarySize == 0 }

// Thread returns the thread with the given id.
func (p *Process) Thread(id uint32) (*Thread, bool) {
	for _, t := range p.Threads {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// FrameFreer takes back physical frames.
type FrameFreer interface {
	FreeBlock(addr uint32)
}

// HeapFreer takes back kernel heap blocks.
type HeapFreer interface {
	Free(ptr uint32)
}

// Destroy frees every frame the process and its threads own, the image copy
// if it was never loaded, and finally the address space. The space must not
// be active.
func (p *Process) Destroy(frames FrameFreer, heap HeapFreer) error {
	for _, list := range [][]*Thread{p.Threads, p.Blocked} {
		for _, t := range list {
			for _, frame := range t.Regions {
				frames.FreeBlock(frame * hal.PageSize)
			}
			t.Regions = nil
		}
	}
	for _, frame := range p.Regions {
		frames.FreeBlock(frame * hal.PageSize)
	}
	p.Regions = nil

	if !p.Loaded() && p.BinaryAddr != 0 {
		heap.Free(p.BinaryAddr)
		p.BinaryAddr, p.BinarySize = 0, 0
	}

	if p.Space == nil {
		return nil
	}
	if err := p.Space.Release(); err != nil {
		return fmt.Errorf("releasing address space of process %d: %w", p.ID, err)
	}
	return nil
}

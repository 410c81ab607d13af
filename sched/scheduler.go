// Package sched is the round-robin scheduler. It owns the run queue, switches
// address spaces on every tick and brings threads up lazily on their first
// fault.
package sched

import (
	"errors"
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kerrors"
	"github.com/sisoputnfrba/tp-lithium-kernel/loader"
	"github.com/sisoputnfrba/tp-lithium-kernel/paging"
	"github.com/sisoputnfrba/tp-lithium-kernel/proc"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
	"github.com/sisoputnfrba/tp-lithium-kernel/vmm"
)

// StackSize is the user stack of every thread. Thread t gets
// [KernelBase - StackSize*t, KernelBase - StackSize*(t-1)).
const StackSize = 2 * hal.PageSize

var (
	ErrNoCurrent     = errors.New("sched: no current process")
	ErrNoProcess     = errors.New("sched: no such process")
	ErrInitialized   = errors.New("sched: thread already initialized")
	errEmptyBinary   = fmt.Errorf("empty binary: %w", kerrors.ErrInvalidImage)
	errHeapExhausted = fmt.Errorf("copying binary to the kernel heap: %w", kerrors.ErrOutOfMemory)
)

// Heap is the kernel heap the scheduler keeps image copies in.
type Heap interface {
	Alloc(bytes uint32) uint32
	Free(ptr uint32)
}

// Scheduler is the single run queue of the machine.
type Scheduler struct {
	vmm    *vmm.Manager
	frames vmm.FrameAllocator
	heap   Heap
	mem    hal.Memory
	boot   *vmm.AddressSpace

	queue   []*proc.Process
	cur     int // index into queue, -1 before the first tick
	thread  int // index into queue[cur].Threads
	nextPID uint32
}

// New creates an empty scheduler. mem is the supervisor view of virtual
// memory; boot is the directory to return to when the queue empties.
func New(v *vmm.Manager, frames vmm.FrameAllocator, heap Heap, mem hal.Memory, boot *vmm.AddressSpace) *Scheduler {
	return &Scheduler{
		vmm:    v,
		frames: frames,
		heap:   heap,
		mem:    mem,
		boot:   boot,
		cur:    -1,
	}
}

// Current returns the running process and thread, or nils when idle.
func (s *Scheduler) Current() (*proc.Process, *proc.Thread) {
	if s.cur < 0 || s.cur >= len(s.queue) {
		return nil, nil
	}
	p := s.queue[s.cur]
	return p, p.Threads[s.thread]
}

// Processes returns a snapshot of the run queue in scheduling order.
func (s *Scheduler) Processes() []*proc.Process {
	return append([]*proc.Process(nil), s.queue...)
}

// Tick saves regs into the outgoing thread, picks the next thread (threads of
// the same process first, then the next process) and loads its registers
// into regs. An empty queue is a no-op.
func (s *Scheduler) Tick(regs *hal.Registers) error {
	if len(s.queue) == 0 {
		return nil
	}
	if s.cur < 0 {
		s.cur, s.thread = 0, 0
		return s.dispatch(regs)
	}
	s.advance(regs, true)
	return s.dispatch(regs)
}

func (s *Scheduler) advance(regs *hal.Registers, save bool) {
	p := s.queue[s.cur]
	if save {
		p.Threads[s.thread].Regs = *regs
	}
	if s.thread+1 < len(p.Threads) {
		s.thread++
		return
	}
	s.cur = (s.cur + 1) % len(s.queue)
	s.thread = 0
}

// dispatch loads the current thread and activates its address space.
func (s *Scheduler) dispatch(regs *hal.Registers) error {
	p, t := s.Current()
	*regs = t.Regs

	if err := p.Space.Activate(); err != nil {
		return fmt.Errorf("switching to process %d: %w", p.ID, err)
	}
	utils.InfoLog.Debug("Dispatched", "pid", p.ID, "tid", t.ID, "eip", fmt.Sprintf("%#08x", regs.EIP))
	return nil
}

// AddProcess copies image into the kernel heap and queues a new process for
// it. The image is only parsed when the process first runs.
func (s *Scheduler) AddProcess(image []byte) (uint32, error) {
	if len(image) == 0 {
		return 0, errEmptyBinary
	}

	space, err := s.vmm.NewAddressSpace()
	if err != nil {
		return 0, fmt.Errorf("creating address space: %w", err)
	}

	addr := s.heap.Alloc(uint32(len(image)))
	if addr == 0 {
		space.Release()
		return 0, errHeapExhausted
	}
	if err := s.mem.Write(addr, image); err != nil {
		s.heap.Free(addr)
		space.Release()
		return 0, fmt.Errorf("copying binary to the kernel heap: %w", err)
	}

	s.nextPID++
	p := proc.New(s.nextPID, space, addr, uint32(len(image)))
	s.queue = append(s.queue, p)

	utils.InfoLog.Info("Process created", "pid", p.ID, "binary_size", len(image), "directory", fmt.Sprintf("%#08x", space.Directory()))
	return p.ID, nil
}

// AddThread adds a thread starting at entryPoint to process pid.
func (s *Scheduler) AddThread(pid, entryPoint uint32) (uint32, error) {
	for _, p := range s.queue {
		if p.ID == pid {
			t := p.AddThread(entryPoint)
			utils.InfoLog.Info("Thread created", "pid", pid, "tid", t.ID, "entry", fmt.Sprintf("%#08x", entryPoint))
			return t.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrNoProcess, pid)
}

// SetupCurrentThread brings up the current thread after it faulted on its
// first fetch: it loads the process image if that has not happened yet, maps
// the thread's stack and points frame at the entry point and stack top.
func (s *Scheduler) SetupCurrentThread(frame *hal.TrapFrame) error {
	p, t := s.Current()
	if p == nil {
		return ErrNoCurrent
	}
	if t.State != proc.Uninitialized {
		return ErrInitialized
	}

	if !p.Loaded() {
		if err := s.loadProcess(p); err != nil {
			return fmt.Errorf("loading process %d: %w", p.ID, err)
		}
	}

	top, err := s.initStack(p, t)
	if err != nil {
		return fmt.Errorf("stack of thread %d.%d: %w", p.ID, t.ID, err)
	}

	frame.UserESP = top
	frame.EIP = p.EntryPoint
	if t.EntryPoint != 0 {
		frame.EIP = t.EntryPoint
	}
	t.State = proc.Ready

	utils.InfoLog.Info("Thread initialized", "pid", p.ID, "tid", t.ID,
		"eip", fmt.Sprintf("%#08x", frame.EIP), "esp", fmt.Sprintf("%#08x", frame.UserESP))
	return nil
}

// mapUser backs [from, to) in the active space with zeroed user pages and
// reports each new frame to record.
func (s *Scheduler) mapUser(space *vmm.AddressSpace, from, to uint32, record func(frame uint32)) error {
	for addr := paging.PageAlign(from); addr < to; addr += hal.PageSize {
		frame, fresh, err := space.AllocUser(addr)
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}
		record(frame / hal.PageSize)
		if err := s.mem.Write(addr, make([]byte, hal.PageSize)); err != nil {
			return err
		}
	}
	return nil
}

// VirtualAlloc backs pages pages from start in the running process with
// zeroed user memory. Pages already mapped are kept. The new frames belong to
// the process and are freed when it is destroyed.
func (s *Scheduler) VirtualAlloc(start, pages uint32) error {
	p, _ := s.Current()
	if p == nil {
		return ErrNoCurrent
	}
	from := paging.PageAlign(start)
	end := uint64(from) + uint64(pages)*hal.PageSize
	if end > vmm.KernelBase {
		return fmt.Errorf("%d pages at %#08x reach into the kernel: %w", pages, start, kerrors.ErrOutOfMemory)
	}
	if err := s.mapUser(p.Space, from, uint32(end), p.AddRegion); err != nil {
		return fmt.Errorf("allocating %d pages at %#08x for process %d: %w", pages, start, p.ID, err)
	}
	return nil
}

func (s *Scheduler) loadProcess(p *proc.Process) error {
	image := make([]byte, p.BinarySize)
	if err := s.mem.Read(p.BinaryAddr, image); err != nil {
		return err
	}

	var li loader.LoadInfo
	if err := loader.Parse(image, &li); err != nil {
		return err
	}

	for _, seg := range li.Loadable() {
		end := paging.PageRoundUp(seg.VirtAddr + seg.MemSize)
		if end == 0 || end > vmm.KernelBase || seg.VirtAddr+seg.MemSize < seg.VirtAddr {
			return fmt.Errorf("segment at %#08x reaches into the kernel: %w", seg.VirtAddr, kerrors.ErrInvalidImage)
		}
		if err := s.mapUser(p.Space, seg.VirtAddr, end, p.AddRegion); err != nil {
			return err
		}
		if err := s.mem.Write(seg.VirtAddr, image[seg.Offset:seg.Offset+seg.FileSize]); err != nil {
			return err
		}
		// pages are zeroed when mapped; a tail on a page shared with an
		// earlier segment still needs clearing
		if seg.MemSize > seg.FileSize {
			if err := s.mem.Write(seg.VirtAddr+seg.FileSize, make([]byte, seg.MemSize-seg.FileSize)); err != nil {
				return err
			}
		}
	}

	p.EntryPoint = li.Entry
	s.heap.Free(p.BinaryAddr)
	p.BinaryAddr, p.BinarySize = 0, 0

	utils.InfoLog.Info("Process loaded", "pid", p.ID, "segments", li.Count, "frames", len(p.Regions),
		"entry", fmt.Sprintf("%#08x", li.Entry))
	return nil
}

// Bases are unique within one address space; other processes reuse them.
func (s *Scheduler) initStack(p *proc.Process, t *proc.Thread) (uint32, error) {
	base := uint32(vmm.KernelBase) - StackSize*t.ID
	if t.ID == 0 || base >= vmm.KernelBase {
		return 0, fmt.Errorf("no stack slot for thread id %d: %w", t.ID, kerrors.ErrOutOfMemory)
	}
	if err := s.mapUser(p.Space, base, base+StackSize, t.AddRegion); err != nil {
		return 0, err
	}
	return base + StackSize, nil
}

// RemoveCurrentProcess unlinks the running process, dispatches the next one
// into regs and only then destroys the removed process, whose directory is
// no longer active. When the queue empties the boot directory is restored
// and the scheduler goes idle.
func (s *Scheduler) RemoveCurrentProcess(regs *hal.Registers) error {
	victim, _ := s.Current()
	if victim == nil {
		return ErrNoCurrent
	}

	i := s.cur
	s.queue = append(s.queue[:i], s.queue[i+1:]...)

	if len(s.queue) == 0 {
		s.cur, s.thread = -1, 0
		if err := s.boot.Activate(); err != nil {
			return fmt.Errorf("restoring boot directory: %w", err)
		}
	} else {
		// park on the predecessor's last thread so advancing lands on the
		// process that followed the victim
		s.cur = (i - 1 + len(s.queue)) % len(s.queue)
		s.thread = len(s.queue[s.cur].Threads) - 1
		s.advance(regs, false)
		if err := s.dispatch(regs); err != nil {
			return err
		}
	}

	if err := victim.Destroy(s.frames, s.heap); err != nil {
		return err
	}
	utils.InfoLog.Info("Process destroyed", "pid", victim.ID, "remaining", len(s.queue))
	return nil
}

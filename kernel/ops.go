package kernel

import (
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kerrors"
	"github.com/sisoputnfrba/tp-lithium-kernel/kheap"
	"github.com/sisoputnfrba/tp-lithium-kernel/loader"
	"github.com/sisoputnfrba/tp-lithium-kernel/proc"
	"github.com/sisoputnfrba/tp-lithium-kernel/sched"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

// The operations below run from outside trap context, so each one enters the
// interrupt gate first.

// Spawn validates image and queues a process for it.
func (k *Kernel) Spawn(image []byte) (uint32, error) {
	k.machine.Lock()
	defer k.machine.Unlock()

	if k.machine.Halted() {
		return 0, hal.ErrHalted
	}
	if !loader.Check(image) {
		return 0, fmt.Errorf("spawning a %d byte image: %w", len(image), kerrors.ErrInvalidImage)
	}
	pid, err := k.sched.AddProcess(image)
	if err != nil {
		return 0, err
	}
	k.screen.Print(fmt.Sprintf("Process with ID %d added\n", pid))
	return pid, nil
}

// AddThread adds a thread to process pid. entry 0 starts it at the image
// entry point.
func (k *Kernel) AddThread(pid, entry uint32) (uint32, error) {
	k.machine.Lock()
	defer k.machine.Unlock()

	if k.machine.Halted() {
		return 0, hal.ErrHalted
	}
	return k.sched.AddThread(pid, entry)
}

// Kill terminates the running process and resumes whatever runs next.
func (k *Kernel) Kill() (uint32, error) {
	k.machine.Lock()
	defer k.machine.Unlock()

	if k.machine.Halted() {
		return 0, hal.ErrHalted
	}
	p, _ := k.sched.Current()
	if p == nil {
		return 0, sched.ErrNoCurrent
	}

	frame := hal.TrapFrame{Registers: *k.machine.CPU()}
	if err := k.sched.RemoveCurrentProcess(&frame.Registers); err != nil {
		k.Panic(&frame, err)
		return 0, err
	}
	utils.InfoLog.Info("Process killed", "pid", p.ID)
	return p.ID, k.resume(&frame)
}

// Stats are the kernel-wide counters.
type Stats struct {
	MemorySize  uint32       `json:"memory_size"`
	TotalFrames uint32       `json:"total_frames"`
	UsedFrames  uint32       `json:"used_frames"`
	FreeFrames  uint32       `json:"free_frames"`
	Heap        kheap.Stats  `json:"heap"`
	Processes   int          `json:"processes"`
	Threads     int          `json:"threads"`
	UptimeMs    uint64       `json:"uptime_ms"`
	TimerHz     int          `json:"timer_hz"`
	Directory   uint32       `json:"directory"`
	Halted      bool         `json:"halted"`
	Panic       *PanicReport `json:"panic,omitempty"`
}

func (k *Kernel) Stats() (Stats, error) {
	k.machine.Lock()
	defer k.machine.Unlock()

	heap, err := k.heap.Stats()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		MemorySize:  k.frames.MemorySize(),
		TotalFrames: k.frames.BlockCount(),
		UsedFrames:  k.frames.UsedBlockCount(),
		FreeFrames:  k.frames.FreeBlockCount(),
		Heap:        heap,
		UptimeMs:    k.ticks,
		TimerHz:     k.machine.TimerHz(),
		Directory:   k.machine.CR3(),
		Halted:      k.machine.Halted(),
		Panic:       k.panicked,
	}
	for _, p := range k.sched.Processes() {
		s.Processes++
		s.Threads += len(p.Threads)
	}
	return s, nil
}

// ThreadInfo describes one thread in a process listing.
type ThreadInfo struct {
	ID          uint32 `json:"tid"`
	State       string `json:"state"`
	EIP         uint32 `json:"eip"`
	ESP         uint32 `json:"esp"`
	EntryPoint  uint32 `json:"entry_point"`
	StackFrames int    `json:"stack_frames"`
	Running     bool   `json:"running"`
}

// ProcessInfo describes one process in a process listing.
type ProcessInfo struct {
	ID         uint32       `json:"pid"`
	Directory  uint32       `json:"directory"`
	Loaded     bool         `json:"loaded"`
	EntryPoint uint32       `json:"entry_point"`
	Frames     int          `json:"frames"`
	Threads    []ThreadInfo `json:"threads"`
}

// Processes lists the run queue in scheduling order. The running thread
// reports the live CPU registers.
func (k *Kernel) Processes() []ProcessInfo {
	k.machine.Lock()
	defer k.machine.Unlock()

	_, running := k.sched.Current()
	var out []ProcessInfo
	for _, p := range k.sched.Processes() {
		info := ProcessInfo{
			ID:         p.ID,
			Directory:  p.Space.Directory(),
			Loaded:     p.Loaded(),
			EntryPoint: p.EntryPoint,
			Frames:     len(p.Regions),
		}
		for _, t := range p.Threads {
			info.Threads = append(info.Threads, threadInfo(t, t == running, k.machine.CPU()))
		}
		out = append(out, info)
	}
	return out
}

func threadInfo(t *proc.Thread, running bool, cpu *hal.Registers) ThreadInfo {
	regs := t.Regs
	if running {
		regs = *cpu
	}
	return ThreadInfo{
		ID:          t.ID,
		State:       t.State.String(),
		EIP:         regs.EIP,
		ESP:         regs.UserESP,
		EntryPoint:  t.EntryPoint,
		StackFrames: len(t.Regions),
		Running:     running,
	}
}

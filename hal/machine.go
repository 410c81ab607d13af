package hal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

var (
	ErrBusFault = errors.New("hal: physical address out of range")
	ErrHalted   = errors.New("hal: machine halted")
)

// Machine is a single-core i386-style machine simulated on the host.
type Machine struct {
	mem []byte

	cr2 uint32
	cr3 uint32
	tlb map[uint32]tlbEntry
	cpu Registers

	gate       *utils.Semaphore
	interrupts atomic.Bool
	halted     atomic.Bool

	portMu     sync.Mutex
	ports      map[uint16]uint8
	portLog    []PortWrite
	pitDivisor uint16
	pitHigh    bool
	eoi        [2]int
}

// PortWrite is one recorded OUT instruction.
type PortWrite struct {
	Port  uint16
	Value uint8
}

const portLogSize = 128

// NewMachine creates a machine with memSize bytes of zeroed physical memory.
// Paging is off until the first LoadAddressSpace.
func NewMachine(memSize uint32) *Machine {
	return &Machine{
		mem:   make([]byte, memSize),
		tlb:   make(map[uint32]tlbEntry),
		gate:  utils.NewSemaphore(1),
		ports: make(map[uint16]uint8),
	}
}

func (m *Machine) Size() uint32 { return uint32(len(m.mem)) }

// Slice returns the physical range [addr, addr+n) without copying.
func (m *Machine) Slice(addr, n uint32) ([]byte, error) {
	end := uint64(addr) + uint64(n)
	if end > uint64(len(m.mem)) {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrBusFault, addr, n)
	}
	return m.mem[addr:end:end], nil
}

// Lock enters the interrupt gate. Trap delivery and anything that touches
// kernel state from outside a trap hold it.
func (m *Machine) Lock() { m.gate.Wait() }

func (m *Machine) Unlock() { m.gate.Signal() }

func (m *Machine) EnableInterrupts() { m.interrupts.Store(true) }
func (m *Machine) DisableInterrupts() { m.interrupts.Store(false) }
func (m *Machine) InterruptsEnabled() bool { return m.interrupts.Load() }

func (m *Machine) Halt() {
	m.halted.Store(true)
}

func (m *Machine) Halted() bool { return m.halted.Load() }

// CPU exposes the register file of the running context.
func (m *Machine) CPU() *Registers { return &m.cpu }

// CR2 is the last faulting linear address.
func (m *Machine) CR2() uint32 { return m.cr2 }

// CR3 is the physical address of the active page directory.
func (m *Machine) CR3() uint32 { return m.cr3 }

func (m *Machine) LoadAddressSpace(pd uint32) {
	m.cr3 = pd
	clear(m.tlb)
}

func (m *Machine) Invalidate(virt uint32) {
	delete(m.tlb, virt>>PageShift)
}

// Fetch performs the instruction fetch at EIP that resumes the current
// context. A failed fetch latches CR2 and returns the *PageFault.
func (m *Machine) Fetch() error {
	if m.Halted() {
		return ErrHalted
	}
	access := AccessFetch
	if m.cpu.CS&3 == 3 {
		access |= AccessUser
	}
	if _, err := m.Translate(m.cpu.EIP, access); err != nil {
		var pf *PageFault
		if errors.As(err, &pf) {
			m.cr2 = pf.Addr
		}
		return err
	}
	return nil
}

// Physical is an untranslated view of memory.
func (m *Machine) Physical() Memory { return physView{m} }

// Kernel is a supervisor view translated through the active directory.
func (m *Machine) Kernel() Memory { return virtView{m: m} }

// User is a ring 3 view translated through the active directory.
func (m *Machine) User() Memory { return virtView{m: m, user: true} }

type physView struct{ m *Machine }

func (v physView) Read(addr uint32, p []byte) error {
	b, err := v.m.Slice(addr, uint32(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

func (v physView) Write(addr uint32, p []byte) error {
	b, err := v.m.Slice(addr, uint32(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

func (v physView) ReadWord(addr uint32) (uint32, error) {
	b, err := v.m.Slice(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (v physView) WriteWord(addr uint32, value uint32) error {
	b, err := v.m.Slice(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, value)
	return nil
}

type virtView struct {
	m    *Machine
	user bool
}

// each calls fn for every page-bounded chunk of [addr, addr+n).
func (v virtView) each(addr uint32, n int, write bool, fn func(b []byte, off int)) error {
	access := Access(0)
	if write {
		access |= AccessWrite
	}
	if v.user {
		access |= AccessUser
	}
	off := 0
	for off < n {
		virt := addr + uint32(off)
		chunk := PageSize - int(virt&(PageSize-1))
		if chunk > n-off {
			chunk = n - off
		}
		phys, err := v.m.Translate(virt, access)
		if err != nil {
			return err
		}
		b, err := v.m.Slice(phys, uint32(chunk))
		if err != nil {
			return err
		}
		fn(b, off)
		off += chunk
	}
	return nil
}

func (v virtView) Read(addr uint32, p []byte) error {
	return v.each(addr, len(p), false, func(b []byte, off int) { copy(p[off:], b) })
}

func (v virtView) Write(addr uint32, p []byte) error {
	return v.each(addr, len(p), true, func(b []byte, off int) { copy(b, p[off:]) })
}

func (v virtView) ReadWord(addr uint32) (uint32, error) {
	var b [4]byte
	if err := v.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (v virtView) WriteWord(addr uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return v.Write(addr, b[:])
}

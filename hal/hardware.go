// Package hal is the hardware boundary of the kernel core.
//
// The core never touches control registers, ports or the TLB directly; it goes
// through Hardware. Machine is a simulated single-core i386-style machine that
// implements Hardware on the host so the memory managers and the scheduler can
// run unmodified in tests and in the cmd/kernel simulator.
package hal

const (
	PageSize  = 4096
	PageShift = 12

	// SentinelEIP marks a thread whose address space and stack have not been
	// set up yet. Fetching from it faults and routes into lazy initialisation.
	SentinelEIP = 0xDEADBEEF

	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	UserCodeSelector   = 0x1B // ring 3
	UserDataSelector   = 0x23 // ring 3

	DefaultEFLAGS = 0x202 // IF set
)

// Hardware is the minimal set of privileged operations the core needs.
type Hardware interface {
	ReadPort(port uint16) uint8
	WritePort(port uint16, value uint8)

	// LoadAddressSpace loads a page directory physical address into the root
	// table register (CR3). It flushes every cached translation.
	LoadAddressSpace(pd uint32)

	// Invalidate drops the cached translation of one virtual page (invlpg).
	Invalidate(virt uint32)

	EnableInterrupts()
	DisableInterrupts()
	Halt()
}

// Memory is a byte-addressable view of memory. Virtual views translate
// through the MMU and report faults as *PageFault.
type Memory interface {
	ReadWord(addr uint32) (uint32, error)
	WriteWord(addr uint32, value uint32) error
	Read(addr uint32, p []byte) error
	Write(addr uint32, p []byte) error
}

// Bus exposes raw physical memory ranges. It is what the physical block
// allocator uses to install its bitmap.
type Bus interface {
	Slice(addr, n uint32) ([]byte, error)
	Size() uint32
}

// Registers is the saved register snapshot of a thread, in the order the
// trap stubs push them.
type Registers struct {
	GS, FS, ES, DS                         uint32
	EDI, ESI, EBP, ESP, EBX, EDX, ECX, EAX uint32
	EIP, CS, EFLAGS, UserESP, SS           uint32
}

// TrapFrame is what the trap dispatcher hands to a handler.
type TrapFrame struct {
	Registers
	IntNo   uint32
	ErrCode uint32
}

// UserRegisters returns a ring 3 register set with the given instruction
// pointer and the default flags.
func UserRegisters(eip uint32) Registers {
	return Registers{
		GS:     UserDataSelector,
		FS:     UserDataSelector,
		ES:     UserDataSelector,
		DS:     UserDataSelector,
		SS:     UserDataSelector,
		CS:     UserCodeSelector,
		EIP:    eip,
		EFLAGS: DefaultEFLAGS,
	}
}

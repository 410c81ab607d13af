package kernel

import (
	"errors"
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/proc"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

const (
	VectorPageFault = 14

	// IRQBase is where the PICs are remapped to, clear of the exceptions.
	IRQBase   = 32
	irqCount  = 16
	slaveBase = IRQBase + 8

	IRQTimer    = 0
	IRQKeyboard = 1
	IRQSyscall  = 2

	VectorTimer    = IRQBase + IRQTimer
	VectorKeyboard = IRQBase + IRQKeyboard
	VectorSyscall  = IRQBase + IRQSyscall // int 0x22
)

// IRQHandler services one hardware or software interrupt line. It may edit
// the frame; the edited registers are what the CPU resumes with.
type IRQHandler func(frame *hal.TrapFrame)

func (k *Kernel) InstallIRQ(irq int, h IRQHandler) {
	k.irq[irq] = h
}

// remapPIC moves IRQ 0-15 to vectors 32-47 and unmasks every line.
func (k *Kernel) remapPIC() {
	seq := []struct {
		port  uint16
		value uint8
	}{
		{hal.PortPIC1Command, 0x11},
		{hal.PortPIC2Command, 0x11},
		{hal.PortPIC1Data, IRQBase},
		{hal.PortPIC2Data, slaveBase},
		{hal.PortPIC1Data, 0x04},
		{hal.PortPIC2Data, 0x02},
		{hal.PortPIC1Data, 0x01},
		{hal.PortPIC2Data, 0x01},
		{hal.PortPIC1Data, 0x00},
		{hal.PortPIC2Data, 0x00},
	}
	for _, w := range seq {
		k.machine.WritePort(w.port, w.value)
	}
}

// idleRegisters is the context of the kernel idle loop.
func idleRegisters() hal.Registers {
	return hal.Registers{
		GS:     hal.KernelDataSelector,
		FS:     hal.KernelDataSelector,
		ES:     hal.KernelDataSelector,
		DS:     hal.KernelDataSelector,
		SS:     hal.KernelDataSelector,
		CS:     hal.KernelCodeSelector,
		EFLAGS: hal.DefaultEFLAGS,
	}
}

// Interrupt delivers vector to the kernel, as the CPU would on an exception,
// an IRQ or an int instruction, and resumes the interrupted context. Hardware
// IRQs are dropped while interrupts are disabled. Once the kernel has
// panicked every call returns hal.ErrHalted.
func (k *Kernel) Interrupt(vector uint32) error {
	m := k.machine
	m.Lock()
	defer m.Unlock()

	if m.Halted() {
		return hal.ErrHalted
	}
	if vector >= IRQBase && vector < IRQBase+irqCount && vector != VectorSyscall && !m.InterruptsEnabled() {
		return nil
	}

	frame := hal.TrapFrame{Registers: *m.CPU(), IntNo: vector}
	k.dispatch(&frame)
	return k.resume(&frame)
}

// resume loads frame into the CPU and fetches the next instruction. A fetch
// that faults is delivered as a page fault right away, which is how a thread
// that has never run gets set up.
func (k *Kernel) resume(frame *hal.TrapFrame) error {
	m := k.machine
	for {
		if m.Halted() {
			return hal.ErrHalted
		}
		if p, _ := k.sched.Current(); p == nil {
			*m.CPU() = idleRegisters()
			return nil
		}

		*m.CPU() = frame.Registers
		err := m.Fetch()
		if err == nil {
			return nil
		}
		var pf *hal.PageFault
		if !errors.As(err, &pf) {
			return err
		}
		*frame = hal.TrapFrame{Registers: frame.Registers, IntNo: VectorPageFault, ErrCode: pf.Code}
		k.dispatch(frame)
	}
}

func (k *Kernel) dispatch(frame *hal.TrapFrame) {
	m := k.machine
	switch {
	case frame.IntNo < IRQBase:
		if frame.IntNo != VectorPageFault {
			k.Panic(frame, nil)
			return
		}
		k.pageFault(frame)
		if m.Halted() {
			return
		}
		m.WritePort(hal.PortPIC1Command, hal.PICEndOfInterrupt)

	case frame.IntNo < IRQBase+irqCount:
		if h := k.irq[frame.IntNo-IRQBase]; h != nil {
			h(frame)
		}
		if m.Halted() {
			return
		}
		if frame.IntNo >= slaveBase {
			m.WritePort(hal.PortPIC2Command, hal.PICEndOfInterrupt)
		}
		m.WritePort(hal.PortPIC1Command, hal.PICEndOfInterrupt)

	default:
		utils.InfoLog.Warn("Unhandled interrupt", "vector", frame.IntNo)
	}
}

// pageFault handles vector 14. The only fault the kernel expects is the
// first fetch of a thread that has not been set up; anything else is fatal.
func (k *Kernel) pageFault(frame *hal.TrapFrame) {
	cr2 := k.machine.CR2()
	_, t := k.sched.Current()

	if frame.EIP == hal.SentinelEIP && cr2 == hal.SentinelEIP && t != nil && t.State == proc.Uninitialized {
		if err := k.sched.SetupCurrentThread(frame); err != nil {
			utils.ErrorLog.Error("Error setting up thread", "error", err)
			k.Panic(frame, err)
		}
		return
	}

	utils.ErrorLog.Error("Page fault",
		"addr", fmt.Sprintf("%#08x", cr2),
		"eip", fmt.Sprintf("%#08x", frame.EIP),
		"code", frame.ErrCode)
	k.Panic(frame, nil)
}

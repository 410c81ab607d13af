package kernel

import (
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kerrors"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

var exceptionMessages = [32]string{
	"Division by zero",
	"Debug",
	"Non maskable interrupt",
	"Breakpoint",
	"Into detected overflow",
	"Out of bounds",
	"Invalid opcode",
	"No coprocessor",
	"Double fault",
	"Coprocessor segment overrun",
	"Bad TSS",
	"Segment not present",
	"Stack fault",
	"General protection fault",
	"Page fault",
	"Unknown interrupt",
	"Coprocessor fault",
	"Alignment check",
	"Machine check",
	"Reserved", "Reserved", "Reserved", "Reserved", "Reserved", "Reserved", "Reserved",
	"Reserved", "Reserved", "Reserved", "Reserved", "Reserved", "Reserved",
}

// ExceptionMessage names an exception vector.
func ExceptionMessage(vector uint32) string {
	if vector < uint32(len(exceptionMessages)) {
		return exceptionMessages[vector]
	}
	return "Unknown interrupt"
}

// PanicReport is what the panic screen showed.
type PanicReport struct {
	Vector    uint32       `json:"vector"`
	Exception string       `json:"exception"`
	ErrCode   uint32       `json:"error_code"`
	EIP       uint32       `json:"eip"`
	Code      kerrors.Code `json:"kernel_code"`
	Cause     string       `json:"cause,omitempty"`
}

// Panic paints the panic screen for frame, disables interrupts and halts the
// machine. cause, when not nil, is the kernel error that made the fault
// unrecoverable.
func (k *Kernel) Panic(frame *hal.TrapFrame, cause error) {
	r := &PanicReport{
		Vector:    frame.IntNo,
		Exception: ExceptionMessage(frame.IntNo),
		ErrCode:   frame.ErrCode,
		EIP:       frame.EIP,
		Code:      kerrors.CodeOf(cause),
	}
	if cause != nil {
		r.Cause = cause.Error()
	}
	k.panicked = r

	s := k.screen
	s.SetColour(PanicColour)
	s.Clear()
	s.PrintAt("Lithium OS", 34, 5)
	s.PrintAt(r.Exception, 18, 8)
	s.Print(" exception. System halted.")
	s.PrintAt("Error code: ", 18, 10)
	s.Print(fmt.Sprintf("%x", r.ErrCode))
	s.PrintAt("EIP: ", 18, 11)
	s.Print(fmt.Sprintf("%x", r.EIP))
	if cause != nil {
		s.PrintAt("Kernel error: ", 18, 12)
		s.Print(fmt.Sprintf("%x (%s)", uint32(r.Code), r.Code))
	}
	s.HideCursor()

	utils.ErrorLog.Error("Kernel panic",
		"exception", r.Exception,
		"vector", r.Vector,
		"error_code", r.ErrCode,
		"eip", fmt.Sprintf("%#08x", r.EIP),
		"cause", cause)

	k.machine.DisableInterrupts()
	k.machine.Halt()
}

// Panicked returns the report of the panic that halted the kernel, or nil.
func (k *Kernel) Panicked() *PanicReport {
	return k.panicked
}

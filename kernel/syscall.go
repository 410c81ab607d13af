package kernel

import (
	"bytes"
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

// System call numbers, passed in EAX to int 0x22.
const (
	SyscallPrint        = 0 // EBX: NUL-terminated string
	SyscallVirtualAlloc = 1 // EBX: start address, ECX: pages; EAX <- 1 on success
	SyscallExit         = 2 // EBX: exit status
)

const maxPrintLength = 1024

func (k *Kernel) syscall(frame *hal.TrapFrame) {
	p, t := k.sched.Current()
	if p == nil {
		utils.InfoLog.Warn("System call with no process running", "eax", frame.EAX)
		return
	}

	switch frame.EAX {
	case SyscallPrint:
		s, err := k.userString(frame.EBX)
		if err != nil {
			utils.InfoLog.Warn("Bad string passed to print", "pid", p.ID, "addr", fmt.Sprintf("%#08x", frame.EBX), "error", err)
			return
		}
		k.screen.Print(s)

	case SyscallVirtualAlloc:
		frame.EAX = 0
		if err := k.sched.VirtualAlloc(frame.EBX, frame.ECX); err != nil {
			utils.InfoLog.Warn("Virtual alloc failed", "pid", p.ID, "error", err)
			return
		}
		frame.EAX = 1

	case SyscallExit:
		utils.InfoLog.Info("Process exiting", "pid", p.ID, "tid", t.ID, "status", int32(frame.EBX))
		if err := k.sched.RemoveCurrentProcess(&frame.Registers); err != nil {
			k.Panic(frame, err)
		}

	default:
		utils.InfoLog.Warn("Unknown system call", "pid", p.ID, "eax", frame.EAX)
	}
}

// userString reads a NUL-terminated string through the ring 3 view, so a
// process cannot make the kernel print kernel memory.
func (k *Kernel) userString(addr uint32) (string, error) {
	mem := k.machine.User()
	var out []byte
	for len(out) < maxPrintLength {
		n := hal.PageSize - addr%hal.PageSize
		if left := uint32(maxPrintLength - len(out)); n > left {
			n = left
		}
		buf := make([]byte, n)
		if err := mem.Read(addr, buf); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		addr += n
	}
	return string(out), nil
}

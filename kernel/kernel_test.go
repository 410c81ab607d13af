package kernel

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kerrors"
	"github.com/sisoputnfrba/tp-lithium-kernel/loader"
	"github.com/sisoputnfrba/tp-lithium-kernel/proc"
	"github.com/sisoputnfrba/tp-lithium-kernel/sched"
	"github.com/sisoputnfrba/tp-lithium-kernel/vmm"
)

const (
	codeAddr  = 0x08048000
	dataAddr  = 0x0804A000
	testEntry = 0x08048010
	dataFile  = 0x100
	dataMem   = 0x2000
)

func testImage() []byte {
	return loader.Build(testEntry, []loader.Section{
		{VirtAddr: codeAddr, Data: bytes.Repeat([]byte{0x90}, 64)},
		{VirtAddr: dataAddr, Data: bytes.Repeat([]byte{0xAA}, dataFile), MemSize: dataMem},
	})
}

func spawn(t *testing.T, k *Kernel) uint32 {
	t.Helper()
	pid, err := k.Spawn(testImage())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return pid
}

func interrupt(t *testing.T, k *Kernel, vector uint32) {
	t.Helper()
	if err := k.Interrupt(vector); err != nil {
		t.Fatalf("Interrupt(%d): %v", vector, err)
	}
}

// syscall loads the call registers into the running thread and traps.
func syscall(t *testing.T, k *Kernel, eax, ebx, ecx uint32) uint32 {
	t.Helper()
	cpu := k.Machine().CPU()
	cpu.EAX, cpu.EBX, cpu.ECX = eax, ebx, ecx
	interrupt(t, k, VectorSyscall)
	return k.Machine().CPU().EAX
}

func TestFirstDispatchSetsUpThread(t *testing.T) {
	k := boot(t)
	m := k.Machine()
	pid := spawn(t, k)
	masterBefore, _ := m.EOICount()

	interrupt(t, k, VectorTimer)

	cpu := m.CPU()
	if cpu.EIP != testEntry {
		t.Errorf("EIP = %#x, want %#x", cpu.EIP, testEntry)
	}
	if cpu.UserESP != vmm.KernelBase {
		t.Errorf("ESP = %#x, want %#x", cpu.UserESP, uint32(vmm.KernelBase))
	}
	if cpu.CS != hal.UserCodeSelector {
		t.Errorf("CS = %#x, want ring 3", cpu.CS)
	}
	if m.CR2() != hal.SentinelEIP {
		t.Errorf("CR2 = %#x, want the sentinel", m.CR2())
	}
	if master, _ := m.EOICount(); master != masterBefore+2 {
		t.Errorf("master EOIs = %d, want %d (timer and page fault)", master, masterBefore+2)
	}

	p, th := k.Scheduler().Current()
	if p == nil || p.ID != pid || th.State != proc.Ready || !p.Loaded() {
		t.Fatalf("current = %+v / %+v", p, th)
	}
	if m.CR3() != p.Space.Directory() {
		t.Errorf("CR3 = %#x, want the process directory %#x", m.CR3(), p.Space.Directory())
	}

	data := make([]byte, dataMem)
	if err := m.User().Read(dataAddr, data); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data[:dataFile], bytes.Repeat([]byte{0xAA}, dataFile)) {
		t.Error("data segment contents not loaded")
	}
	if !bytes.Equal(data[dataFile:], make([]byte, dataMem-dataFile)) {
		t.Error("data segment tail not zeroed")
	}
	if _, err := m.User().ReadWord(vmm.KernelBase - 4); err != nil {
		t.Errorf("stack top not mapped: %v", err)
	}
}

func TestRoundRobinAcrossProcesses(t *testing.T) {
	k := boot(t)
	m := k.Machine()
	first := spawn(t, k)
	second := spawn(t, k)
	if _, err := k.AddThread(first, 0); err != nil {
		t.Fatal(err)
	}

	// 1.1, 1.2, 2.1, then back to 1.1
	want := []struct{ pid, tid uint32 }{{first, 1}, {first, 2}, {second, 1}, {first, 1}}
	stacks := make(map[[2]uint32]bool)
	for i, w := range want {
		interrupt(t, k, VectorTimer)
		p, th := k.Scheduler().Current()
		if p.ID != w.pid || th.ID != w.tid {
			t.Fatalf("tick %d ran %d.%d, want %d.%d", i, p.ID, th.ID, w.pid, w.tid)
		}
		if m.CPU().EIP != testEntry {
			t.Errorf("tick %d: EIP = %#x", i, m.CPU().EIP)
		}
		if i < 3 {
			stacks[[2]uint32{p.Space.Directory(), th.ID}] = true
		}
	}
	if len(stacks) != 3 {
		t.Errorf("%d distinct thread stacks, want 3", len(stacks))
	}
	if m.CPU().UserESP != vmm.KernelBase {
		t.Errorf("thread 1.1 resumed with ESP %#x", m.CPU().UserESP)
	}
}

func TestIRQsDroppedWhileDisabled(t *testing.T) {
	k := boot(t)
	m := k.Machine()
	spawn(t, k)
	m.DisableInterrupts()
	before, _ := m.EOICount()

	interrupt(t, k, VectorTimer)

	if p, _ := k.Scheduler().Current(); p != nil {
		t.Error("timer delivered with interrupts disabled")
	}
	if after, _ := m.EOICount(); after != before {
		t.Error("EOI sent for a dropped IRQ")
	}
}

func TestSlaveIRQSendsBothEOIs(t *testing.T) {
	k := boot(t)
	m := k.Machine()
	master, slave := m.EOICount()

	interrupt(t, k, IRQBase+12)

	if gotMaster, gotSlave := m.EOICount(); gotMaster != master+1 || gotSlave != slave+1 {
		t.Errorf("EOIs = %d/%d, want %d/%d", gotMaster, gotSlave, master+1, slave+1)
	}
}

func TestKeyboardEchoes(t *testing.T) {
	k := boot(t)
	m := k.Machine()
	k.Screen().Print("\x1b")

	for _, sc := range []uint8{0x23, 0x17, 0x2A, 0x02, 0xAA} { // h i shift 1 release
		m.PressKey(sc)
		interrupt(t, k, VectorKeyboard)
	}

	lines, err := k.Screen().Lines()
	if err != nil {
		t.Fatal(err)
	}
	if lines[0] != "hi!" {
		t.Errorf("screen shows %q, want %q", lines[0], "hi!")
	}
}

func TestSyscallPrint(t *testing.T) {
	k := boot(t)
	spawn(t, k)
	interrupt(t, k, VectorTimer)
	k.Screen().Print("\x1b")

	if err := k.Machine().User().Write(dataAddr, []byte("hello from ring 3\x00ignored")); err != nil {
		t.Fatal(err)
	}
	syscall(t, k, SyscallPrint, dataAddr, 0)

	// a kernel address is refused
	syscall(t, k, SyscallPrint, KernelEnd, 0)

	lines, err := k.Screen().Lines()
	if err != nil {
		t.Fatal(err)
	}
	if lines[0] != "hello from ring 3" {
		t.Errorf("screen shows %q", lines[0])
	}
	if k.Machine().CPU().EIP != testEntry {
		t.Error("syscall did not resume the caller")
	}
}

func TestSyscallVirtualAlloc(t *testing.T) {
	k := boot(t)
	spawn(t, k)
	interrupt(t, k, VectorTimer)
	p, _ := k.Scheduler().Current()
	regions := len(p.Regions)

	if got := syscall(t, k, SyscallVirtualAlloc, 0x10000123, 3); got != 1 {
		t.Fatalf("virtual alloc returned %d", got)
	}
	if len(p.Regions) != regions+3 {
		t.Errorf("regions = %d, want %d", len(p.Regions), regions+3)
	}
	page := make([]byte, hal.PageSize)
	if err := k.Machine().User().Read(0x10002000, page); err != nil {
		t.Fatalf("allocated page unreadable: %v", err)
	}
	if !bytes.Equal(page, make([]byte, hal.PageSize)) {
		t.Error("allocated page not zeroed")
	}

	// overlapping an existing mapping adds only the new page
	if got := syscall(t, k, SyscallVirtualAlloc, 0x10002000, 2); got != 1 {
		t.Fatalf("overlapping alloc returned %d", got)
	}
	if len(p.Regions) != regions+4 {
		t.Errorf("regions = %d, want %d", len(p.Regions), regions+4)
	}

	if got := syscall(t, k, SyscallVirtualAlloc, vmm.KernelBase-hal.PageSize, 2); got != 0 {
		t.Errorf("alloc into the kernel returned %d", got)
	}
}

func TestSyscallExit(t *testing.T) {
	k := boot(t)
	m := k.Machine()
	first := spawn(t, k)
	second := spawn(t, k)
	interrupt(t, k, VectorTimer)

	// frames freed by the first exit may be handed to the second process,
	// so ownership is checked once both are gone
	var owned []uint32
	record := func() {
		p, _ := k.Scheduler().Current()
		owned = append(owned, processFrames(p)...)
		owned = append(owned, p.Space.Directory()/hal.PageSize)
	}
	record()

	syscall(t, k, SyscallExit, 0, 0)

	next, th := k.Scheduler().Current()
	if next == nil || next.ID != second {
		t.Fatalf("after exit of %d running %v", first, next)
	}
	if th.State != proc.Ready || m.CPU().EIP != testEntry {
		t.Errorf("next thread not brought up: state %v, EIP %#x", th.State, m.CPU().EIP)
	}
	record()

	syscall(t, k, SyscallExit, 0, 0)
	if p, _ := k.Scheduler().Current(); p != nil {
		t.Fatal("scheduler not idle after the last exit")
	}
	if m.CR3() != BootDirectory {
		t.Errorf("CR3 = %#x, want the boot directory", m.CR3())
	}
	if m.CPU().CS != hal.KernelCodeSelector {
		t.Error("CPU not back in the idle context")
	}
	for _, f := range owned {
		if k.Frames().Test(f) {
			t.Errorf("frame %#x of an exited process still used", f)
		}
	}

	// idle ticks are harmless
	interrupt(t, k, VectorTimer)
}

func TestKill(t *testing.T) {
	k := boot(t)
	if _, err := k.Kill(); !errors.Is(err, sched.ErrNoCurrent) {
		t.Errorf("Kill with nothing running = %v", err)
	}

	pid := spawn(t, k)
	interrupt(t, k, VectorTimer)
	got, err := k.Kill()
	if err != nil || got != pid {
		t.Fatalf("Kill = %d, %v", got, err)
	}
	if len(k.Scheduler().Processes()) != 0 || k.Machine().CR3() != BootDirectory {
		t.Error("kill left the process behind")
	}
}

func TestSpawnRejectsInvalidImage(t *testing.T) {
	k := boot(t)
	_, err := k.Spawn([]byte("#!/bin/sh\necho not an executable\n"))
	if kerrors.CodeOf(err) != kerrors.ErrInvalidImage {
		t.Errorf("Spawn = %v, want invalid image", err)
	}
}

func panicLines(t *testing.T, k *Kernel) []string {
	t.Helper()
	lines, err := k.Screen().Lines()
	if err != nil {
		t.Fatal(err)
	}
	return lines
}

func TestExceptionPanics(t *testing.T) {
	k := boot(t)
	m := k.Machine()

	if err := k.Interrupt(0); !errors.Is(err, hal.ErrHalted) {
		t.Fatalf("Interrupt(0) = %v, want halted", err)
	}
	if !m.Halted() || m.InterruptsEnabled() {
		t.Error("machine not halted with interrupts off")
	}

	lines := panicLines(t, k)
	want := map[int]string{
		5:  strings.Repeat(" ", 34) + "Lithium OS",
		8:  strings.Repeat(" ", 18) + "Division by zero exception. System halted.",
		10: strings.Repeat(" ", 18) + "Error code: 0",
		11: strings.Repeat(" ", 18) + "EIP: 0",
	}
	for row, w := range want {
		if lines[row] != w {
			t.Errorf("row %d = %q, want %q", row, lines[row], w)
		}
	}

	if err := k.Interrupt(VectorTimer); !errors.Is(err, hal.ErrHalted) {
		t.Errorf("interrupt after panic = %v", err)
	}
	if _, err := k.Spawn(testImage()); !errors.Is(err, hal.ErrHalted) {
		t.Errorf("spawn after panic = %v", err)
	}
}

func TestUnexpectedPageFaultPanics(t *testing.T) {
	k := boot(t)
	spawn(t, k)
	interrupt(t, k, VectorTimer)

	k.Machine().CPU().EIP = 0x20000000
	if err := k.Interrupt(VectorKeyboard); !errors.Is(err, hal.ErrHalted) {
		t.Fatalf("Interrupt = %v, want halted", err)
	}

	r := k.Panicked()
	if r == nil || r.Vector != VectorPageFault || r.EIP != 0x20000000 {
		t.Fatalf("panic report = %+v", r)
	}
	if r.ErrCode&hal.FaultUser == 0 || r.ErrCode&hal.FaultFetch == 0 || r.ErrCode&hal.FaultPresent != 0 {
		t.Errorf("error code = %#x, want a user fetch of a missing page", r.ErrCode)
	}
	if lines := panicLines(t, k); !strings.Contains(lines[8], "Page fault exception") {
		t.Errorf("row 8 = %q", lines[8])
	}
}

func TestFailedSetupPanics(t *testing.T) {
	k := boot(t)
	// valid header, but the segment runs into the kernel half
	image := loader.Build(0xBFFFF000, []loader.Section{
		{VirtAddr: 0xBFFFF000, Data: []byte{0x90}, MemSize: 2 * hal.PageSize},
	})
	if _, err := k.Spawn(image); err != nil {
		t.Fatal(err)
	}

	if err := k.Interrupt(VectorTimer); !errors.Is(err, hal.ErrHalted) {
		t.Fatalf("Interrupt = %v, want halted", err)
	}
	r := k.Panicked()
	if r == nil || r.Code != kerrors.ErrInvalidImage {
		t.Fatalf("panic report = %+v", r)
	}
	if lines := panicLines(t, k); !strings.Contains(lines[12], "Kernel error: 2") {
		t.Errorf("row 12 = %q", lines[12])
	}
}

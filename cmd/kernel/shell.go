package main

import (
	"encoding/binary"

	"github.com/sisoputnfrba/tp-lithium-kernel/kernel"
	"github.com/sisoputnfrba/tp-lithium-kernel/loader"
)

const (
	shellCode  = 0x08048000
	shellData  = 0x08049000
	shellBSS   = 0x1000
	shellEntry = shellCode
)

// shellImage is the program run when no other is configured. It prints a
// greeting through the print system call and exits.
func shellImage() []byte {
	greeting := []byte("Hello from user space!\n\x00")

	var code []byte
	op := func(b ...byte) { code = append(code, b...) }
	imm := func(v uint32) { code = binary.LittleEndian.AppendUint32(code, v) }

	op(0xBB) // mov ebx, greeting
	imm(shellData)
	op(0xB8) // mov eax, print
	imm(kernel.SyscallPrint)
	op(0xCD, 0x22) // int 0x22
	op(0xB8) // mov eax, exit
	imm(kernel.SyscallExit)
	op(0x31, 0xDB) // xor ebx, ebx
	op(0xCD, 0x22)
	op(0xEB, 0xFE) // jmp $

	return loader.Build(shellEntry, []loader.Section{
		{VirtAddr: shellCode, Data: code},
		{VirtAddr: shellData, Data: greeting, MemSize: uint32(len(greeting)) + shellBSS},
	})
}

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Section describes one segment to lay out in a built image.
type Section struct {
	VirtAddr uint32
	Data     []byte
	MemSize  uint32 // 0 means len(Data)
	Flags    elf.ProgFlag
}

// Build assembles a minimal i386 executable with one PT_LOAD per section,
// each starting on its own file page.
func Build(entry uint32, sections []Section) []byte {
	const align = 0x1000

	phoff := uint32(headerSize)
	offset := uint32(align)

	progs := make([]elf.Prog32, len(sections))
	for i, s := range sections {
		mem := s.MemSize
		if mem == 0 {
			mem = uint32(len(s.Data))
		}
		flags := s.Flags
		if flags == 0 {
			flags = elf.PF_R | elf.PF_W | elf.PF_X
		}
		progs[i] = elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    offset,
			Vaddr:  s.VirtAddr,
			Paddr:  s.VirtAddr,
			Filesz: uint32(len(s.Data)),
			Memsz:  mem,
			Flags:  uint32(flags),
			Align:  align,
		}
		offset += (uint32(len(s.Data)) + align - 1) &^ (align - 1)
	}

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_386),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     phoff,
		Ehsize:    headerSize,
		Phentsize: progHdrSize,
		Phnum:     uint16(len(sections)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	binary.Write(&buf, binary.LittleEndian, progs)

	image := make([]byte, offset)
	copy(image, buf.Bytes())
	for i, s := range sections {
		copy(image[progs[i].Off:], s.Data)
	}
	return image
}

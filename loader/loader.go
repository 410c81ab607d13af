// Package loader validates 32-bit i386 executables and extracts their
// loadable segments.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/kerrors"
)

// MaxSegments is the most program headers an image may declare.
const MaxSegments = 5

const (
	headerSize  = 52
	progHdrSize = 32
)

// Segment is one PT_LOAD entry. MemSize may exceed FileSize; the difference
// is zero filled.
type Segment struct {
	Offset   uint32
	FileSize uint32
	VirtAddr uint32
	MemSize  uint32
}

// LoadInfo is what the loader extracts from an image.
type LoadInfo struct {
	Segments [MaxSegments]Segment
	Count    int
	Entry    uint32
}

// Loadable returns the populated segments.
func (li *LoadInfo) Loadable() []Segment {
	return li.Segments[:li.Count]
}

func readHeader(image []byte) (elf.Header32, bool) {
	var hdr elf.Header32
	if len(image) < headerSize {
		return hdr, false
	}
	if err := binary.Read(bytes.NewReader(image[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return hdr, false
	}
	return hdr, true
}

// Check reports whether image is an executable this kernel can run: ELF
// magic, 32-bit class with a 52-byte header, little endian, ET_EXEC for
// EM_386 and at most MaxSegments program headers.
func Check(image []byte) bool {
	hdr, ok := readHeader(image)
	if !ok {
		return false
	}
	return string(hdr.Ident[:elf.EI_CLASS]) == elf.ELFMAG &&
		elf.Class(hdr.Ident[elf.EI_CLASS]) == elf.ELFCLASS32 && hdr.Ehsize == headerSize &&
		elf.Data(hdr.Ident[elf.EI_DATA]) == elf.ELFDATA2LSB &&
		elf.Type(hdr.Type) == elf.ET_EXEC &&
		elf.Machine(hdr.Machine) == elf.EM_386 &&
		hdr.Phnum <= MaxSegments
}

// Parse fills out with the entry point and PT_LOAD segments of image. On
// failure out is left untouched and the error wraps ErrInvalidImage.
func Parse(image []byte, out *LoadInfo) error {
	if !Check(image) {
		return kerrors.ErrInvalidImage
	}
	hdr, _ := readHeader(image)

	var li LoadInfo
	li.Entry = hdr.Entry

	if hdr.Phnum > 0 && hdr.Phentsize < progHdrSize {
		return fmt.Errorf("program header size %d: %w", hdr.Phentsize, kerrors.ErrInvalidImage)
	}

	size := uint64(len(image))
	for i := uint64(0); i < uint64(hdr.Phnum); i++ {
		at := uint64(hdr.Phoff) + i*uint64(hdr.Phentsize)
		if at+progHdrSize > size {
			return fmt.Errorf("program header %d out of bounds: %w", i, kerrors.ErrInvalidImage)
		}

		var ph elf.Prog32
		if err := binary.Read(bytes.NewReader(image[at:at+progHdrSize]), binary.LittleEndian, &ph); err != nil {
			return fmt.Errorf("program header %d: %w", i, kerrors.ErrInvalidImage)
		}
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		if uint64(ph.Off)+uint64(ph.Filesz) > size {
			return fmt.Errorf("segment %d file range out of bounds: %w", i, kerrors.ErrInvalidImage)
		}
		if ph.Memsz < ph.Filesz {
			return fmt.Errorf("segment %d smaller in memory than on disk: %w", i, kerrors.ErrInvalidImage)
		}
		if uint64(ph.Vaddr)+uint64(ph.Memsz) > 1<<32 {
			return fmt.Errorf("segment %d wraps the address space: %w", i, kerrors.ErrInvalidImage)
		}

		li.Segments[li.Count] = Segment{
			Offset:   ph.Off,
			FileSize: ph.Filesz,
			VirtAddr: ph.Vaddr,
			MemSize:  ph.Memsz,
		}
		li.Count++
	}

	*out = li
	return nil
}

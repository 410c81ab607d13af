// Package pmm is the physical block allocator: one bit per 4 KiB frame, kept
// in physical memory at a base chosen by the boot code.
//
// Address 0 is never handed out, so it doubles as the failure value of every
// allocation.
package pmm

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kerrors"
)

const (
	BlockSize     = hal.PageSize
	BlocksPerWord = 32
)

// Allocator tracks physical frames.
type Allocator struct {
	bus    hal.Bus
	bitmap []byte
	base   uint32
	memory uint32
	blocks uint32
	used   uint32
}

func New(bus hal.Bus) *Allocator {
	return &Allocator{bus: bus}
}

// Init installs the bitmap at bitmapBase and marks every frame used.
func (a *Allocator) Init(totalMemoryBytes, bitmapBase uint32) error {
	blocks := totalMemoryBytes / BlockSize
	words := (blocks + BlocksPerWord - 1) / BlocksPerWord

	bitmap, err := a.bus.Slice(bitmapBase, words*4)
	if err != nil {
		return fmt.Errorf("installing frame bitmap at %#x: %w", bitmapBase, kerrors.ErrOutOfMemory)
	}
	for i := range bitmap {
		bitmap[i] = 0xFF
	}

	a.bitmap = bitmap
	a.base = bitmapBase
	a.memory = totalMemoryBytes
	a.blocks = blocks
	a.used = blocks
	return nil
}

func (a *Allocator) word(i uint32) uint32 {
	return binary.LittleEndian.Uint32(a.bitmap[i*4:])
}

// Test reports whether a frame is in use. Frames past the end read as used.
func (a *Allocator) Test(bit uint32) bool {
	if bit >= a.blocks {
		return true
	}
	return a.bitmap[bit/8]&(1<<(bit%8)) != 0
}

func (a *Allocator) set(bit uint32) {
	if a.Test(bit) {
		return
	}
	a.bitmap[bit/8] |= 1 << (bit % 8)
	a.used++
}

func (a *Allocator) unset(bit uint32) {
	if bit >= a.blocks || !a.Test(bit) {
		return
	}
	a.bitmap[bit/8] &^= 1 << (bit % 8)
	a.used--
}

func (a *Allocator) words() uint32 {
	return (a.blocks + BlocksPerWord - 1) / BlocksPerWord
}

// firstFree returns the first clear bit, or 0 when there is none.
func (a *Allocator) firstFree() uint32 {
	for i := uint32(0); i < a.words(); i++ {
		w := a.word(i)
		if w == 0xFFFFFFFF {
			continue
		}
		bit := i*BlocksPerWord + uint32(bits.TrailingZeros32(^w))
		if bit < a.blocks {
			return bit
		}
	}
	return 0
}

// firstFreeRun returns the first bit of n consecutive clear bits, or 0.
func (a *Allocator) firstFreeRun(n uint32) uint32 {
	var start, run uint32
	for bit := uint32(0); bit < a.blocks; bit++ {
		if run == 0 && bit%BlocksPerWord == 0 && a.word(bit/BlocksPerWord) == 0xFFFFFFFF {
			bit += BlocksPerWord - 1
			continue
		}
		if a.Test(bit) {
			run = 0
			continue
		}
		if run == 0 {
			start = bit
		}
		run++
		if run == n {
			return start
		}
	}
	return 0
}

// AllocBlock returns the address of a free frame, or 0.
func (a *Allocator) AllocBlock() uint32 {
	if a.FreeBlockCount() == 0 {
		return 0
	}
	bit := a.firstFree()
	if bit == 0 {
		return 0
	}
	a.set(bit)
	return bit * BlockSize
}

// AllocBlocks returns the address of n contiguous free frames, or 0.
func (a *Allocator) AllocBlocks(n uint32) uint32 {
	if n == 0 || n > a.FreeBlockCount() {
		return 0
	}
	bit := a.firstFreeRun(n)
	if bit == 0 {
		return 0
	}
	for i := uint32(0); i < n; i++ {
		a.set(bit + i)
	}
	return bit * BlockSize
}

// FreeBlock releases the frame holding addr. Frame 0 stays reserved.
func (a *Allocator) FreeBlock(addr uint32) {
	a.FreeBlocks(addr, 1)
}

func (a *Allocator) FreeBlocks(addr, n uint32) {
	bit := addr / BlockSize
	for i := uint32(0); i < n; i++ {
		if bit+i == 0 {
			continue
		}
		a.unset(bit + i)
	}
}

func roundUp(v uint32) uint32 {
	return (v + BlockSize - 1) &^ (BlockSize - 1)
}

// InitRegion marks [base, base+size) usable. base and size are rounded up to
// whole frames.
func (a *Allocator) InitRegion(base, size uint32) {
	start := roundUp(base) / BlockSize
	for n := roundUp(size) / BlockSize; n > 0; n-- {
		a.unset(start)
		start++
	}
	a.set(0)
}

// DeinitRegion marks [base, base+size) reserved. size is rounded up to whole
// frames.
func (a *Allocator) DeinitRegion(base, size uint32) {
	start := base / BlockSize
	for n := roundUp(size) / BlockSize; n > 0; n-- {
		if start >= a.blocks {
			break
		}
		a.set(start)
		start++
	}
}

func (a *Allocator) BlockCount() uint32 { return a.blocks }
func (a *Allocator) UsedBlockCount() uint32 { return a.used }
func (a *Allocator) FreeBlockCount() uint32 { return a.blocks - a.used }
func (a *Allocator) MemorySize() uint32 { return a.memory }

// BitmapBase is the physical address of the bitmap.
func (a *Allocator) BitmapBase() uint32 { return a.base }

// BitmapSize is the size of the bitmap in bytes.
func (a *Allocator) BitmapSize() uint32 { return uint32(len(a.bitmap)) }

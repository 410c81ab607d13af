// Package kheap is the kernel heap: a first-fit allocator over an
// address-ordered, doubly-linked list of block headers kept in the heap
// itself.
//
// Every block starts with a 12-byte header (status, previous header, next
// header). The last header of the heap is a zero-size block that is always
// used, so no walk ever runs past the end. Pages are committed through the
// VMM on demand.
package kheap

import (
	"encoding/binary"
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

const (
	HeaderSize   = 12
	MinBlockSize = 4

	// DefaultEnd is the exclusive upper bound of the heap.
	DefaultEnd = 0xF0000000

	statusFree = 0
	statusUsed = 1
)

// Pager commits the page holding a virtual address.
type Pager interface {
	AllocPage(virt uint32) error
}

type header struct {
	status uint32
	prev   uint32
	next   uint32
}

// Heap is a kernel heap spanning [start, end).
type Heap struct {
	mem   hal.Memory
	pages Pager
	start uint32
	end   uint32
}

// New creates a heap over [start, end). Both bounds must be page aligned.
func New(mem hal.Memory, pages Pager, start, end uint32) *Heap {
	return &Heap{mem: mem, pages: pages, start: start, end: end}
}

func (h *Heap) Start() uint32 { return h.start }
func (h *Heap) End() uint32 { return h.end }

func (h *Heap) sentinel() uint32 { return h.end - HeaderSize }

func (h *Heap) read(addr uint32) (header, error) {
	var b [HeaderSize]byte
	if err := h.mem.Read(addr, b[:]); err != nil {
		return header{}, err
	}
	return header{
		status: binary.LittleEndian.Uint32(b[0:]),
		prev:   binary.LittleEndian.Uint32(b[4:]),
		next:   binary.LittleEndian.Uint32(b[8:]),
	}, nil
}

func (h *Heap) write(addr uint32, hd header) error {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:], hd.status)
	binary.LittleEndian.PutUint32(b[4:], hd.prev)
	binary.LittleEndian.PutUint32(b[8:], hd.next)
	return h.mem.Write(addr, b[:])
}

// setPrev retargets the back pointer of the header at addr.
func (h *Heap) setPrev(addr, prev uint32) error {
	hd, err := h.read(addr)
	if err != nil {
		return err
	}
	hd.prev = prev
	return h.write(addr, hd)
}

// Init commits the first and last heap pages and installs one free block
// spanning the heap followed by the sentinel.
func (h *Heap) Init() error {
	if h.end <= h.start || h.end-h.start < 2*HeaderSize+MinBlockSize {
		return fmt.Errorf("kheap: invalid range %#08x-%#08x", h.start, h.end)
	}
	if err := h.pages.AllocPage(h.start); err != nil {
		return fmt.Errorf("committing first heap page: %w", err)
	}
	if err := h.pages.AllocPage(h.end - hal.PageSize); err != nil {
		return fmt.Errorf("committing last heap page: %w", err)
	}

	if err := h.write(h.start, header{status: statusFree, prev: 0, next: h.sentinel()}); err != nil {
		return err
	}
	if err := h.write(h.sentinel(), header{status: statusUsed, prev: h.start, next: h.sentinel()}); err != nil {
		return err
	}

	utils.InfoLog.Debug("Kernel heap ready", "start", fmt.Sprintf("%#08x", h.start), "end", fmt.Sprintf("%#08x", h.end))
	return nil
}

// commit maps every page touching [from, to].
func (h *Heap) commit(from, to uint32) error {
	for page := from &^ (hal.PageSize - 1); page <= to; page += hal.PageSize {
		if err := h.pages.AllocPage(page); err != nil {
			return err
		}
		if page+hal.PageSize < page {
			break
		}
	}
	return nil
}

// Alloc returns the address of a block of at least bytes bytes, or 0.
//
// The pages of the block, and of the header a split would create, are
// committed before any header changes, so a failed commit leaves the heap
// exactly as it was.
func (h *Heap) Alloc(bytes uint32) uint32 {
	if bytes == 0 {
		return 0
	}
	if bytes < MinBlockSize {
		bytes = MinBlockSize
	}
	if bytes > h.end-h.start-2*HeaderSize {
		return 0
	}
	bytes = (bytes + 3) &^ 3

	cur := h.start
	var hd header
	for {
		if cur >= h.sentinel() {
			return 0
		}
		var err error
		hd, err = h.read(cur)
		if err != nil {
			utils.ErrorLog.Error("Error reading heap header", "addr", fmt.Sprintf("%#08x", cur), "error", err)
			return 0
		}
		if hd.next <= cur {
			utils.ErrorLog.Error("Corrupt heap chain", "addr", fmt.Sprintf("%#08x", cur), "next", fmt.Sprintf("%#08x", hd.next))
			return 0
		}
		if hd.status == statusFree && hd.next-cur >= HeaderSize+bytes {
			break
		}
		cur = hd.next
	}

	retVal := cur + HeaderSize
	newHeader := retVal + bytes
	split := hd.next != newHeader && hd.next-newHeader >= HeaderSize+MinBlockSize

	last := retVal + bytes - 1
	if split {
		last = newHeader + HeaderSize - 1
	}
	if err := h.commit(retVal, last); err != nil {
		utils.InfoLog.Debug("Heap commit failed", "bytes", bytes, "error", err)
		return 0
	}

	next := hd.next
	hd.status = statusUsed
	if split {
		if err := h.write(newHeader, header{status: statusFree, prev: cur, next: next}); err != nil {
			return 0
		}
		hd.next = newHeader
		if err := h.setPrev(next, newHeader); err != nil {
			return 0
		}
	} else if err := h.setPrev(next, cur); err != nil {
		return 0
	}
	if err := h.write(cur, hd); err != nil {
		return 0
	}

	return retVal
}

// Free releases the block at ptr and merges it with free neighbours.
func (h *Heap) Free(ptr uint32) {
	if ptr < h.start+HeaderSize || ptr >= h.sentinel() {
		utils.ErrorLog.Error("Free outside the heap", "ptr", fmt.Sprintf("%#08x", ptr))
		return
	}
	if err := h.free(ptr - HeaderSize); err != nil {
		utils.ErrorLog.Error("Error freeing heap block", "ptr", fmt.Sprintf("%#08x", ptr), "error", err)
	}
}

func (h *Heap) free(cur uint32) error {
	hd, err := h.read(cur)
	if err != nil {
		return err
	}
	if hd.status == statusFree {
		return fmt.Errorf("block %#08x already free", cur)
	}
	hd.status = statusFree
	if err := h.write(cur, hd); err != nil {
		return err
	}

	// absorb into the previous block when it is free
	if hd.prev != 0 {
		prev, err := h.read(hd.prev)
		if err != nil {
			return err
		}
		if prev.status == statusFree {
			prev.next = hd.next
			if err := h.write(hd.prev, prev); err != nil {
				return err
			}
			if err := h.setPrev(hd.next, hd.prev); err != nil {
				return err
			}
			return h.mergeNext(hd.prev)
		}
	}
	return h.mergeNext(cur)
}

// mergeNext absorbs the block after the free block at addr if it is free too.
func (h *Heap) mergeNext(addr uint32) error {
	hd, err := h.read(addr)
	if err != nil {
		return err
	}
	next, err := h.read(hd.next)
	if err != nil {
		return err
	}
	if next.status != statusFree {
		return nil
	}
	hd.next = next.next
	if err := h.write(addr, hd); err != nil {
		return err
	}
	return h.setPrev(next.next, addr)
}

// Block describes one heap block for diagnostics.
type Block struct {
	Addr uint32 // header address
	Size uint32 // usable bytes up to the next header
	Used bool
}

// Blocks walks the header chain up to the sentinel.
func (h *Heap) Blocks() ([]Block, error) {
	var blocks []Block
	for cur := h.start; cur < h.sentinel(); {
		hd, err := h.read(cur)
		if err != nil {
			return nil, err
		}
		if hd.next <= cur {
			return nil, fmt.Errorf("kheap: corrupt chain at %#08x", cur)
		}
		blocks = append(blocks, Block{Addr: cur, Size: hd.next - cur - HeaderSize, Used: hd.status != statusFree})
		cur = hd.next
	}
	return blocks, nil
}

// Stats summarises the heap.
type Stats struct {
	Blocks    int    `json:"blocks"`
	UsedBytes uint32 `json:"used_bytes"`
	FreeBytes uint32 `json:"free_bytes"`
}

func (h *Heap) Stats() (Stats, error) {
	blocks, err := h.Blocks()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	s.Blocks = len(blocks)
	for _, b := range blocks {
		if b.Used {
			s.UsedBytes += b.Size
		} else {
			s.FreeBytes += b.Size
		}
	}
	return s, nil
}

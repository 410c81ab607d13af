// Package paging holds the bit-level primitives for i386 page directory and
// page table entries.
package paging

// Flag is an attribute bit shared by directory and table entries.
type Flag uint32

const (
	FlagPresent Flag = 1 << iota
	FlagWritable
	FlagUser
	FlagWriteThrough
	FlagCacheDisable
	FlagAccessed
	FlagDirty
	// FlagHuge selects 4 MiB pages in a directory entry and PAT in a table entry.
	FlagHuge
	FlagGlobal
	FlagLV4Global
)

// FrameMask selects the page-aligned physical frame of an entry.
const FrameMask uint32 = 0xFFFFF000

const (
	PageSize   = 4096
	EntryCount = 1024
	EntrySize  = 4
	TableReach = PageSize * EntryCount // bytes covered by one directory slot
)

// DirEntry is one page directory slot.
type DirEntry uint32

// TableEntry is one page table slot.
type TableEntry uint32

// Entry is satisfied by both entry kinds.
type Entry interface {
	~uint32
}

func AddAttrib[E Entry](e *E, f Flag) {
	*e |= E(f)
}

func DelAttrib[E Entry](e *E, f Flag) {
	*e &^= E(f)
}

// SetFrame replaces the frame field with phys, keeping the flags.
func SetFrame[E Entry](e *E, phys uint32) {
	*e = (*e &^ E(FrameMask)) | E(phys&FrameMask)
}

func Frame[E Entry](e E) uint32 {
	return uint32(e) & FrameMask
}

func Has[E Entry](e E, f Flag) bool {
	return uint32(e)&uint32(f) != 0
}

func IsPresent[E Entry](e E) bool { return Has(e, FlagPresent) }
func IsWritable[E Entry](e E) bool { return Has(e, FlagWritable) }
func IsUser[E Entry](e E) bool { return Has(e, FlagUser) }

// Is4MB reports whether a directory entry maps a 4 MiB page directly.
func Is4MB(e DirEntry) bool { return Has(e, FlagHuge) }

// DirIndex returns the directory slot of a virtual address.
func DirIndex(virt uint32) uint32 { return virt >> 22 }

// TableIndex returns the table slot of a virtual address.
func TableIndex(virt uint32) uint32 { return (virt >> 12) & 0x3FF }

func PageAlign(addr uint32) uint32 { return addr &^ (PageSize - 1) }

// PageRoundUp rounds addr up to the next page boundary. It wraps to 0 past
// the top of the address space.
func PageRoundUp(addr uint32) uint32 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// Package vmm maps virtual pages to physical frames in the active address
// space.
//
// Every directory maps itself in its last slot, so the tables of the active
// space are reachable at fixed virtual addresses and the directory itself at
// the top page of memory. The manager edits tables only through that window.
package vmm

import (
	"errors"
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kerrors"
	"github.com/sisoputnfrba/tp-lithium-kernel/paging"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

const (
	// KernelBase splits user space from the kernel half shared by every
	// directory.
	KernelBase = 0xC0000000

	// ScratchAddr is where a directory other than the active one is mapped
	// while it is edited.
	ScratchAddr = 0xFFBFF000

	recursiveSlot = paging.EntryCount - 1
	tablesBase    = 0xFFC00000
	directoryAddr = 0xFFFFF000
)

var (
	ErrNullDirectory = errors.New("vmm: null page directory")
	ErrNotMapped     = errors.New("vmm: page not mapped")
)

var zeroPage [hal.PageSize]byte

// FrameAllocator hands out and takes back physical frames. 0 means none.
type FrameAllocator interface {
	AllocBlock() uint32
	FreeBlock(addr uint32)
}

// Manager is the virtual memory manager of one machine.
type Manager struct {
	hw      hal.Hardware
	mem     hal.Memory
	frames  FrameAllocator
	current uint32
}

// New creates a manager that edits tables through mem, a supervisor view of
// virtual memory.
func New(hw hal.Hardware, mem hal.Memory, frames FrameAllocator) *Manager {
	return &Manager{hw: hw, mem: mem, frames: frames}
}

// InstallRecursive points the last slot of the directory at pd back at pd.
// Boot code calls it on the physical view before paging is on.
func InstallRecursive(phys hal.Memory, pd uint32) error {
	e := paging.DirEntry(paging.FlagPresent | paging.FlagWritable)
	paging.SetFrame(&e, pd)
	return phys.WriteWord(pd+recursiveSlot*paging.EntrySize, uint32(e))
}

// Init records pd as the active directory.
func (m *Manager) Init(pd uint32) error {
	if pd == 0 {
		return ErrNullDirectory
	}
	m.current = pd
	return nil
}

// Directory returns the physical address of the active directory.
func (m *Manager) Directory() uint32 { return m.current }

func dirEntryAddr(virt uint32) uint32 {
	return directoryAddr + paging.DirIndex(virt)*paging.EntrySize
}

func tableAddr(virt uint32) uint32 {
	return tablesBase + paging.DirIndex(virt)*hal.PageSize
}

func tableEntryAddr(virt uint32) uint32 {
	return tableAddr(virt) + paging.TableIndex(virt)*paging.EntrySize
}

func (m *Manager) dirEntry(virt uint32) (paging.DirEntry, error) {
	raw, err := m.mem.ReadWord(dirEntryAddr(virt))
	return paging.DirEntry(raw), err
}

// tableEntry returns the table entry for virt and whether its table exists.
func (m *Manager) tableEntry(virt uint32) (paging.TableEntry, bool, error) {
	pde, err := m.dirEntry(virt)
	if err != nil || !paging.IsPresent(pde) {
		return 0, false, err
	}
	raw, err := m.mem.ReadWord(tableEntryAddr(virt))
	return paging.TableEntry(raw), true, err
}

func (m *Manager) setTableEntry(virt uint32, e paging.TableEntry) error {
	if err := m.mem.WriteWord(tableEntryAddr(virt), uint32(e)); err != nil {
		return err
	}
	m.hw.Invalidate(virt)
	return nil
}

// ensureTable makes the table covering virt present. created reports whether
// a new table frame was installed.
func (m *Manager) ensureTable(virt uint32) (created bool, err error) {
	pde, err := m.dirEntry(virt)
	if err != nil {
		return false, err
	}
	if paging.IsPresent(pde) {
		return false, nil
	}

	frame := m.frames.AllocBlock()
	if frame == 0 {
		return false, kerrors.ErrOutOfMemory
	}

	pde = 0
	paging.AddAttrib(&pde, paging.FlagPresent)
	paging.AddAttrib(&pde, paging.FlagWritable)
	paging.SetFrame(&pde, frame)
	if err := m.mem.WriteWord(dirEntryAddr(virt), uint32(pde)); err != nil {
		m.frames.FreeBlock(frame)
		return false, err
	}
	m.hw.Invalidate(tableAddr(virt))

	if err := m.mem.Write(tableAddr(virt), zeroPage[:]); err != nil {
		return true, err
	}
	return true, nil
}

// dropTable undoes a table installed by ensureTable.
func (m *Manager) dropTable(virt uint32) {
	pde, err := m.dirEntry(virt)
	if err != nil || !paging.IsPresent(pde) {
		return
	}
	m.mem.WriteWord(dirEntryAddr(virt), 0)
	m.hw.Invalidate(tableAddr(virt))
	m.frames.FreeBlock(paging.Frame(pde))
}

// AllocPage backs virt with a fresh frame. Already mapped pages are left
// alone. On exhaustion nothing is changed.
func (m *Manager) AllocPage(virt uint32) error {
	created, err := m.ensureTable(virt)
	if err != nil {
		return err
	}

	pte, _, err := m.tableEntry(virt)
	if err != nil {
		return err
	}
	if paging.IsPresent(pte) {
		return nil
	}

	frame := m.frames.AllocBlock()
	if frame == 0 {
		if created {
			m.dropTable(virt)
		}
		return kerrors.ErrOutOfMemory
	}

	paging.SetFrame(&pte, frame)
	paging.AddAttrib(&pte, paging.FlagPresent)
	paging.AddAttrib(&pte, paging.FlagWritable)
	return m.setTableEntry(virt, pte)
}

// MapPage binds virt to the given frame.
func (m *Manager) MapPage(phys, virt uint32) error {
	if _, err := m.ensureTable(virt); err != nil {
		return err
	}

	pte, _, err := m.tableEntry(virt)
	if err != nil {
		return err
	}
	paging.SetFrame(&pte, phys)
	paging.AddAttrib(&pte, paging.FlagPresent)
	return m.setTableEntry(virt, pte)
}

// FreePage returns the frame behind virt to the allocator and unmaps it.
func (m *Manager) FreePage(virt uint32) {
	pte, ok, err := m.tableEntry(virt)
	if err != nil || !ok || !paging.IsPresent(pte) {
		return
	}
	m.frames.FreeBlock(paging.Frame(pte))
	paging.DelAttrib(&pte, paging.FlagPresent)
	if err := m.setTableEntry(virt, pte); err != nil {
		utils.ErrorLog.Error("Error clearing page table entry", "addr", fmt.Sprintf("%#08x", virt), "error", err)
	}
}

// unmap clears the mapping of virt and returns the frame it pointed at.
func (m *Manager) unmap(virt uint32) (uint32, error) {
	pte, ok, err := m.tableEntry(virt)
	if err != nil {
		return 0, err
	}
	if !ok || !paging.IsPresent(pte) {
		return 0, ErrNotMapped
	}
	frame := paging.Frame(pte)
	paging.DelAttrib(&pte, paging.FlagPresent)
	return frame, m.setTableEntry(virt, pte)
}

// SwitchDirectory makes pd the active directory.
func (m *Manager) SwitchDirectory(pd uint32) error {
	if pd == 0 {
		return ErrNullDirectory
	}
	m.current = pd
	m.hw.LoadAddressSpace(pd)
	return nil
}

func (m *Manager) FlushTLBEntry(virt uint32) {
	m.hw.Invalidate(virt)
}

// PhysicalAddress translates virt through the active tables.
func (m *Manager) PhysicalAddress(virt uint32) (uint32, error) {
	pte, ok, err := m.tableEntry(virt)
	if err != nil {
		return 0, err
	}
	if !ok || !paging.IsPresent(pte) {
		return 0, fmt.Errorf("%w: %#08x", ErrNotMapped, virt)
	}
	return paging.Frame(pte) | virt&(hal.PageSize-1), nil
}

// MarkUser opens the page holding virt, and its table, to ring 3.
func (m *Manager) MarkUser(virt uint32) error {
	pde, err := m.dirEntry(virt)
	if err != nil {
		return err
	}
	if !paging.IsPresent(pde) {
		return fmt.Errorf("%w: %#08x", ErrNotMapped, virt)
	}
	paging.AddAttrib(&pde, paging.FlagUser)
	if err := m.mem.WriteWord(dirEntryAddr(virt), uint32(pde)); err != nil {
		return err
	}

	pte, _, err := m.tableEntry(virt)
	if err != nil {
		return err
	}
	paging.AddAttrib(&pte, paging.FlagUser)
	return m.setTableEntry(virt, pte)
}

package vmm

import (
	"errors"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kerrors"
	"github.com/sisoputnfrba/tp-lithium-kernel/paging"
)

var (
	ErrInactive = errors.New("vmm: address space is not active")
	ErrActive   = errors.New("vmm: address space is active")
	ErrReleased = errors.New("vmm: address space released")
)

const kernelSlot = KernelBase >> 22

// AddressSpace is one page directory. Map, Unmap and Translate work only while
// it is the active directory.
type AddressSpace struct {
	m  *Manager
	pd uint32
}

// NewAddressSpace allocates an empty directory. Its kernel half is filled in
// on the first Activate.
func (m *Manager) NewAddressSpace() (*AddressSpace, error) {
	pd := m.frames.AllocBlock()
	if pd == 0 {
		return nil, kerrors.ErrOutOfMemory
	}

	if err := m.mapScratch(pd); err != nil {
		m.frames.FreeBlock(pd)
		return nil, err
	}
	if err := m.mem.Write(ScratchAddr, zeroPage[:]); err != nil {
		m.frames.FreeBlock(pd)
		return nil, err
	}

	return &AddressSpace{m: m, pd: pd}, nil
}

// Adopt wraps an existing directory, such as the one built at boot.
func (m *Manager) Adopt(pd uint32) *AddressSpace {
	return &AddressSpace{m: m, pd: pd}
}

func (m *Manager) mapScratch(pd uint32) error {
	if err := m.MapPage(pd, ScratchAddr); err != nil {
		return err
	}
	m.FlushTLBEntry(ScratchAddr)
	return nil
}

// Directory returns the physical address of the directory.
func (s *AddressSpace) Directory() uint32 { return s.pd }

func (s *AddressSpace) Active() bool {
	return s.pd != 0 && s.m.current == s.pd
}

// Activate switches to this directory. The kernel half is first copied from
// the active directory, so kernel mappings made in any space show up in all
// of them, and the recursive slot is repointed at this directory.
func (s *AddressSpace) Activate() error {
	if s.pd == 0 {
		return ErrReleased
	}
	m := s.m

	if err := m.mapScratch(s.pd); err != nil {
		return err
	}

	offset := uint32(kernelSlot * paging.EntrySize)
	kernelHalf := make([]byte, hal.PageSize-offset)
	if err := m.mem.Read(directoryAddr+offset, kernelHalf); err != nil {
		return err
	}
	if err := m.mem.Write(ScratchAddr+offset, kernelHalf); err != nil {
		return err
	}

	self := uint32(ScratchAddr + recursiveSlot*paging.EntrySize)
	raw, err := m.mem.ReadWord(self)
	if err != nil {
		return err
	}
	pde := paging.DirEntry(raw)
	paging.SetFrame(&pde, s.pd)
	if err := m.mem.WriteWord(self, uint32(pde)); err != nil {
		return err
	}

	return m.SwitchDirectory(s.pd)
}

// Map binds virt to phys.
func (s *AddressSpace) Map(phys, virt uint32) error {
	if !s.Active() {
		return ErrInactive
	}
	return s.m.MapPage(phys, virt)
}

// Unmap removes the mapping of virt and returns the frame it pointed at. The
// frame is not freed.
func (s *AddressSpace) Unmap(virt uint32) (uint32, error) {
	if !s.Active() {
		return 0, ErrInactive
	}
	return s.m.unmap(virt)
}

// Translate returns the physical address behind virt.
func (s *AddressSpace) Translate(virt uint32) (uint32, error) {
	if !s.Active() {
		return 0, ErrInactive
	}
	return s.m.PhysicalAddress(virt)
}

// AllocUser backs virt with a frame reachable from ring 3. fresh is false
// when the page was already mapped; frame is the backing frame either way.
func (s *AddressSpace) AllocUser(virt uint32) (frame uint32, fresh bool, err error) {
	if !s.Active() {
		return 0, false, ErrInactive
	}
	m := s.m

	if phys, err := m.PhysicalAddress(virt); err == nil {
		return paging.PageAlign(phys), false, m.MarkUser(virt)
	}

	if err := m.AllocPage(virt); err != nil {
		return 0, false, err
	}
	phys, err := m.PhysicalAddress(virt)
	if err != nil {
		return 0, false, kerrors.ErrUnknown
	}
	if err := m.MarkUser(virt); err != nil {
		return 0, false, err
	}
	return paging.PageAlign(phys), true, nil
}

// Release frees the user-half page tables and the directory frame. The
// frames mapped by those tables belong to their owners and are not touched.
func (s *AddressSpace) Release() error {
	if s.pd == 0 {
		return ErrReleased
	}
	if s.Active() {
		return ErrActive
	}
	m := s.m

	if err := m.mapScratch(s.pd); err != nil {
		return err
	}
	for slot := uint32(0); slot < kernelSlot; slot++ {
		raw, err := m.mem.ReadWord(ScratchAddr + slot*paging.EntrySize)
		if err != nil {
			return err
		}
		pde := paging.DirEntry(raw)
		if paging.IsPresent(pde) && !paging.Is4MB(pde) {
			m.frames.FreeBlock(paging.Frame(pde))
		}
	}
	if _, err := m.unmap(ScratchAddr); err != nil {
		return err
	}

	m.frames.FreeBlock(s.pd)
	s.pd = 0
	return nil
}

package hal

import (
	"encoding/binary"
	"fmt"

	"github.com/sisoputnfrba/tp-lithium-kernel/paging"
)

// Access describes the kind of memory reference being translated.
type Access uint8

const (
	AccessWrite Access = 1 << iota
	AccessUser
	AccessFetch
)

// Page fault error code bits, as pushed by the CPU.
const (
	FaultPresent = 1 << 0
	FaultWrite   = 1 << 1
	FaultUser    = 1 << 2
	FaultFetch   = 1 << 4
)

// PageFault is raised by a translation that the tables do not allow.
type PageFault struct {
	Addr uint32
	Code uint32
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at %#08x (code %#x)", f.Addr, f.Code)
}

type tlbEntry struct {
	frame    uint32
	user     bool
	writable bool
}

func (m *Machine) fault(virt uint32, access Access, present bool) *PageFault {
	code := uint32(0)
	if present {
		code |= FaultPresent
	}
	if access&AccessWrite != 0 {
		code |= FaultWrite
	}
	if access&AccessUser != 0 {
		code |= FaultUser
	}
	if access&AccessFetch != 0 {
		code |= FaultFetch
	}
	return &PageFault{Addr: virt, Code: code}
}

// check applies the protection rules to an effective entry. Supervisor
// accesses ignore the writable bit, as with CR0.WP clear.
func (m *Machine) check(virt uint32, access Access, user, writable bool) error {
	if access&AccessUser == 0 {
		return nil
	}
	if !user {
		return m.fault(virt, access, true)
	}
	if access&AccessWrite != 0 && !writable {
		return m.fault(virt, access, true)
	}
	return nil
}

func (m *Machine) physWord(addr uint32) (uint32, error) {
	b, err := m.Slice(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Translate maps a linear address to a physical one through the active
// directory. With CR3 clear paging is off and addresses are identity mapped.
func (m *Machine) Translate(virt uint32, access Access) (uint32, error) {
	if m.cr3 == 0 {
		return virt, nil
	}

	page := virt >> PageShift
	if e, ok := m.tlb[page]; ok {
		if err := m.check(virt, access, e.user, e.writable); err != nil {
			return 0, err
		}
		return e.frame | virt&(PageSize-1), nil
	}

	raw, err := m.physWord(m.cr3&paging.FrameMask + paging.DirIndex(virt)*paging.EntrySize)
	if err != nil {
		return 0, err
	}
	pde := paging.DirEntry(raw)
	if !paging.IsPresent(pde) {
		return 0, m.fault(virt, access, false)
	}

	if paging.Is4MB(pde) {
		base := uint32(pde) & 0xFFC00000
		if err := m.check(virt, access, paging.IsUser(pde), paging.IsWritable(pde)); err != nil {
			return 0, err
		}
		return base | virt&0x3FFFFF, nil
	}

	raw, err = m.physWord(paging.Frame(pde) + paging.TableIndex(virt)*paging.EntrySize)
	if err != nil {
		return 0, err
	}
	pte := paging.TableEntry(raw)
	if !paging.IsPresent(pte) {
		return 0, m.fault(virt, access, false)
	}

	e := tlbEntry{
		frame:    paging.Frame(pte),
		user:     paging.IsUser(pde) && paging.IsUser(pte),
		writable: paging.IsWritable(pde) && paging.IsWritable(pte),
	}
	if err := m.check(virt, access, e.user, e.writable); err != nil {
		return 0, err
	}
	m.tlb[page] = e

	return e.frame | virt&(PageSize-1), nil
}

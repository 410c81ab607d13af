package proc

import (
	"testing"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
)

type recorder struct {
	frames []uint32
	heap   []uint32
}

func (r *recorder) FreeBlock(addr uint32) { r.frames = append(r.frames, addr) }
func (r *recorder) Free(ptr uint32) { r.heap = append(r.heap, ptr) }

func TestNewProcess(t *testing.T) {
	p := New(7, nil, 0xC0100000, 0x3000)

	if p.ID != 7 || len(p.Threads) != 1 {
		t.Fatalf("process = %+v", p)
	}
	if p.Loaded() {
		t.Error("fresh process reports loaded")
	}

	th := p.Threads[0]
	want := hal.Registers{
		GS: 0x23, FS: 0x23, ES: 0x23, DS: 0x23, SS: 0x23,
		CS: 0x1B, EIP: 0xDEADBEEF, EFLAGS: 0x202,
	}
	if th.Regs != want {
		t.Errorf("registers = %+v, want %+v", th.Regs, want)
	}
	if th.ID != 1 || th.State != Uninitialized || th.EntryPoint != 0 {
		t.Errorf("thread = %+v", th)
	}
}

func TestAddThread(t *testing.T) {
	p := New(1, nil, 0, 0)

	tests := []struct {
		entry  uint32
		wantID uint32
	}{
		{0x08048100, 2},
		{0x08048200, 3},
		{0x08048300, 4},
	}
	for _, tt := range tests {
		th := p.AddThread(tt.entry)
		if th.ID != tt.wantID || th.EntryPoint != tt.entry {
			t.Errorf("AddThread(%#x) = id %d entry %#x", tt.entry, th.ID, th.EntryPoint)
		}
		if th.Regs.EIP != hal.SentinelEIP || th.State != Uninitialized {
			t.Errorf("thread %d not uninitialized", th.ID)
		}
	}
	if got, ok := p.Thread(3); !ok || got.EntryPoint != 0x08048200 {
		t.Errorf("Thread(3) = %+v, %v", got, ok)
	}
	if _, ok := p.Thread(9); ok {
		t.Error("Thread(9) found")
	}
}

func TestDestroyFreesRegions(t *testing.T) {
	p := New(1, nil, 0xC0100000, 0x2000)
	p.AddRegion(0x100)
	p.AddRegion(0x101)
	p.Threads[0].AddRegion(0x200)
	p.AddThread(0).AddRegion(0x300)

	var r recorder
	if err := p.Destroy(&r, &r); err != nil {
		t.Fatal(err)
	}

	want := map[uint32]bool{0x100000: true, 0x101000: true, 0x200000: true, 0x300000: true}
	if len(r.frames) != len(want) {
		t.Fatalf("freed %d frames, want %d", len(r.frames), len(want))
	}
	for _, addr := range r.frames {
		if !want[addr] {
			t.Errorf("unexpected frame %#x freed", addr)
		}
	}
	if len(r.heap) != 1 || r.heap[0] != 0xC0100000 {
		t.Errorf("image copy not freed: %v", r.heap)
	}
	if len(p.Regions) != 0 || len(p.Threads[0].Regions) != 0 {
		t.Error("regions not drained")
	}
}

func TestDestroyLoadedKeepsHeap(t *testing.T) {
	p := New(1, nil, 0, 0)

	var r recorder
	if err := p.Destroy(&r, &r); err != nil {
		t.Fatal(err)
	}
	if len(r.heap) != 0 {
		t.Errorf("heap freed for a loaded process: %v", r.heap)
	}
}

func TestStateString(t *testing.T) {
	if Uninitialized.String() != "UNINITIALIZED" || Ready.String() != "READY" {
		t.Error("unexpected state names")
	}
}

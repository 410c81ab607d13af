package pmm

import (
	"math/bits"
	"math/rand"
	"testing"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
)

const (
	testMemory = 1 << 20 // 256 frames
	testBitmap = 0x1000
)

func newAllocator(t *testing.T, memory uint32) *Allocator {
	t.Helper()

	m := hal.NewMachine(memory)
	a := New(m)
	if err := a.Init(memory, testBitmap); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return a
}

// popcount counts used frames straight from the bitmap.
func popcount(a *Allocator) uint32 {
	var n uint32
	for i := uint32(0); i < a.words(); i++ {
		w := a.word(i)
		if last := a.blocks - i*BlocksPerWord; last < BlocksPerWord {
			w &= 1<<last - 1
		}
		n += uint32(bits.OnesCount32(w))
	}
	return n
}

func checkInvariants(t *testing.T, a *Allocator) {
	t.Helper()

	if got := popcount(a); got != a.UsedBlockCount() {
		t.Fatalf("used counter %d, bitmap popcount %d", a.UsedBlockCount(), got)
	}
	if a.FreeBlockCount() != a.BlockCount()-popcount(a) {
		t.Fatalf("free counter %d disagrees with bitmap", a.FreeBlockCount())
	}
	if !a.Test(0) {
		t.Fatal("frame 0 observed free")
	}
}

func TestInitMarksEverythingUsed(t *testing.T) {
	a := newAllocator(t, testMemory)

	if a.BlockCount() != 256 {
		t.Fatalf("BlockCount = %d", a.BlockCount())
	}
	if a.FreeBlockCount() != 0 {
		t.Fatalf("FreeBlockCount = %d", a.FreeBlockCount())
	}
	if got := a.AllocBlock(); got != 0 {
		t.Fatalf("AllocBlock on full map = %#x", got)
	}
	checkInvariants(t, a)
}

func TestInitBitmapMustFit(t *testing.T) {
	m := hal.NewMachine(2 * BlockSize)
	if err := New(m).Init(1<<30, BlockSize*2-4); err == nil {
		t.Fatal("expected error for bitmap past end of memory")
	}
}

func TestInitRegionKeepsFrameZero(t *testing.T) {
	a := newAllocator(t, testMemory)

	a.InitRegion(0, testMemory)
	checkInvariants(t, a)
	if a.FreeBlockCount() != 255 {
		t.Errorf("FreeBlockCount = %d, want 255", a.FreeBlockCount())
	}

	// re-marking the same region must not drift the counters
	a.InitRegion(0, 16*BlockSize)
	checkInvariants(t, a)
}

func TestRegionRounding(t *testing.T) {
	tests := []struct {
		name       string
		base, size uint32
		wantFree   uint32
	}{
		{"aligned", 0x10000, 0x4000, 4},
		{"base rounds up", 0x10001, 0x4000, 4},
		{"size rounds up", 0x10000, 0x4001, 5},
		{"tiny", 0x20000, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAllocator(t, testMemory)
			a.InitRegion(tt.base, tt.size)
			if a.FreeBlockCount() != tt.wantFree {
				t.Errorf("FreeBlockCount = %d, want %d", a.FreeBlockCount(), tt.wantFree)
			}
			checkInvariants(t, a)
		})
	}
}

func TestDeinitRegion(t *testing.T) {
	a := newAllocator(t, testMemory)
	a.InitRegion(0, testMemory)

	a.DeinitRegion(0x10000, 0x1001)
	if !a.Test(0x10) || !a.Test(0x11) || a.Test(0x12) {
		t.Error("DeinitRegion marked the wrong frames")
	}
	if a.FreeBlockCount() != 253 {
		t.Errorf("FreeBlockCount = %d, want 253", a.FreeBlockCount())
	}
	checkInvariants(t, a)
}

func TestAllocBlockFirstFit(t *testing.T) {
	a := newAllocator(t, testMemory)
	a.InitRegion(0, testMemory)

	for want := uint32(1); want <= 40; want++ {
		if got := a.AllocBlock(); got != want*BlockSize {
			t.Fatalf("AllocBlock = %#x, want %#x", got, want*BlockSize)
		}
	}
	a.FreeBlock(7 * BlockSize)
	if got := a.AllocBlock(); got != 7*BlockSize {
		t.Errorf("freed frame not reused first: %#x", got)
	}
	checkInvariants(t, a)
}

func TestAllocBlocksContiguous(t *testing.T) {
	a := newAllocator(t, testMemory)
	a.InitRegion(0, testMemory)

	// punch holes: frames 1..3 free, 4 used, 5.. free
	a.DeinitRegion(4*BlockSize, BlockSize)
	before := a.FreeBlockCount()

	addr := a.AllocBlocks(8)
	if addr != 5*BlockSize {
		t.Fatalf("AllocBlocks(8) = %#x, want %#x", addr, 5*BlockSize)
	}
	for i := uint32(5); i < 13; i++ {
		if !a.Test(i) {
			t.Errorf("frame %d not marked", i)
		}
	}
	checkInvariants(t, a)

	a.FreeBlocks(addr, 8)
	if a.FreeBlockCount() != before {
		t.Errorf("FreeBlockCount = %d, want %d", a.FreeBlockCount(), before)
	}
	checkInvariants(t, a)
}

func TestAllocBlocksFailures(t *testing.T) {
	a := newAllocator(t, testMemory)
	a.InitRegion(0x1000, 4*BlockSize)

	tests := []struct {
		name string
		n    uint32
	}{
		{"zero", 0},
		{"more than free", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.AllocBlocks(tt.n); got != 0 {
				t.Errorf("AllocBlocks(%d) = %#x, want 0", tt.n, got)
			}
		})
	}

	// enough frames but not contiguous
	a.DeinitRegion(0x3000, BlockSize)
	if got := a.AllocBlocks(3); got != 0 {
		t.Errorf("AllocBlocks(3) across a hole = %#x, want 0", got)
	}
	checkInvariants(t, a)
}

func TestPartialLastWord(t *testing.T) {
	a := newAllocator(t, 40*BlockSize)
	a.InitRegion(0, 40*BlockSize)

	var got []uint32
	for {
		addr := a.AllocBlock()
		if addr == 0 {
			break
		}
		got = append(got, addr)
	}
	if len(got) != 39 {
		t.Fatalf("allocated %d frames, want 39", len(got))
	}
	if last := got[len(got)-1]; last != 39*BlockSize {
		t.Errorf("last frame %#x", last)
	}
	checkInvariants(t, a)
}

func TestRandomSequencesKeepInvariant(t *testing.T) {
	a := newAllocator(t, testMemory)
	a.InitRegion(0, testMemory)

	rng := rand.New(rand.NewSource(1))
	owned := map[uint32]uint32{}

	for step := 0; step < 2000; step++ {
		switch rng.Intn(3) {
		case 0:
			if addr := a.AllocBlock(); addr != 0 {
				if _, dup := owned[addr]; dup {
					t.Fatalf("frame %#x handed out twice", addr)
				}
				owned[addr] = 1
			}
		case 1:
			n := uint32(rng.Intn(6) + 1)
			if addr := a.AllocBlocks(n); addr != 0 {
				for i := uint32(0); i < n; i++ {
					if _, dup := owned[addr+i*BlockSize]; dup {
						t.Fatalf("frame %#x handed out twice", addr+i*BlockSize)
					}
				}
				owned[addr] = n
			}
		case 2:
			for addr, n := range owned {
				a.FreeBlocks(addr, n)
				delete(owned, addr)
				break
			}
		}
		checkInvariants(t, a)
	}
}

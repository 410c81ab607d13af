package paging

import "testing"

func TestAttribs(t *testing.T) {
	var e TableEntry

	AddAttrib(&e, FlagPresent)
	AddAttrib(&e, FlagWritable)
	if !IsPresent(e) || !IsWritable(e) || IsUser(e) {
		t.Fatalf("unexpected flags %#x", uint32(e))
	}

	DelAttrib(&e, FlagWritable)
	if IsWritable(e) {
		t.Errorf("writable still set: %#x", uint32(e))
	}
	if !IsPresent(e) {
		t.Errorf("present lost: %#x", uint32(e))
	}
}

func TestSetFrame(t *testing.T) {
	tests := []struct {
		name  string
		start DirEntry
		phys  uint32
		want  DirEntry
	}{
		{"empty", 0, 0x00123000, 0x00123000},
		{"keeps flags", DirEntry(FlagPresent | FlagUser), 0x00400000, 0x00400005},
		{"masks low bits", DirEntry(FlagPresent), 0x00401FFF, 0x00401001},
		{"replaces frame", 0xABCDE003, 0x00001000, 0x00001003},
		{"high frame", DirEntry(FlagPresent), 0xFFFFF000, 0xFFFFF001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.start
			SetFrame(&e, tt.phys)
			if e != tt.want {
				t.Errorf("SetFrame(%#x, %#x) = %#x, want %#x", uint32(tt.start), tt.phys, uint32(e), uint32(tt.want))
			}
			if Frame(e)&0xFFF != 0 {
				t.Errorf("frame not aligned: %#x", Frame(e))
			}
		})
	}
}

func TestIs4MB(t *testing.T) {
	e := DirEntry(FlagPresent)
	if Is4MB(e) {
		t.Fatal("plain entry reported as 4 MiB")
	}
	AddAttrib(&e, FlagHuge)
	if !Is4MB(e) {
		t.Fatal("4 MiB bit not reported")
	}
}

func TestIndexes(t *testing.T) {
	tests := []struct {
		virt       uint32
		dir, table uint32
	}{
		{0x00000000, 0, 0},
		{0x00401000, 1, 1},
		{0xC0000000, 768, 0},
		{0xFFBFF000, 1022, 1023},
		{0xFFFFF000, 1023, 1023},
	}

	for _, tt := range tests {
		if got := DirIndex(tt.virt); got != tt.dir {
			t.Errorf("DirIndex(%#x) = %d, want %d", tt.virt, got, tt.dir)
		}
		if got := TableIndex(tt.virt); got != tt.table {
			t.Errorf("TableIndex(%#x) = %d, want %d", tt.virt, got, tt.table)
		}
	}
}

func TestPageRounding(t *testing.T) {
	if got := PageAlign(0x1FFF); got != 0x1000 {
		t.Errorf("PageAlign = %#x", got)
	}
	if got := PageRoundUp(0x1001); got != 0x2000 {
		t.Errorf("PageRoundUp = %#x", got)
	}
	if got := PageRoundUp(0x2000); got != 0x2000 {
		t.Errorf("PageRoundUp aligned = %#x", got)
	}
}

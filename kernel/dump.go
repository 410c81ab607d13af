package kernel

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/proc"
	"github.com/sisoputnfrba/tp-lithium-kernel/sched"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

// processFrames lists the frame indexes a process owns: code and data first,
// then each thread's stack.
func processFrames(p *proc.Process) []uint32 {
	frames := append([]uint32(nil), p.Regions...)
	for _, t := range p.Threads {
		frames = append(frames, t.Regions...)
	}
	return frames
}

func (k *Kernel) findProcess(pid uint32) (*proc.Process, error) {
	for _, p := range k.sched.Processes() {
		if p.ID == pid {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", sched.ErrNoProcess, pid)
}

// DumpProcess writes the frames owned by process pid, in the order listed by
// processFrames, to <DUMP_PATH>/<pid>-<timestamp>.dmp and returns the path.
func (k *Kernel) DumpProcess(pid uint32) (string, error) {
	k.machine.Lock()
	defer k.machine.Unlock()

	p, err := k.findProcess(pid)
	if err != nil {
		return "", err
	}
	frames := processFrames(p)

	// Copy every owned frame, code and data first, then the stacks
	content := make([]byte, len(frames)*hal.PageSize)
	phys := k.machine.Physical()
	for i, f := range frames {
		if err := phys.Read(f*hal.PageSize, content[i*hal.PageSize:(i+1)*hal.PageSize]); err != nil {
			return "", fmt.Errorf("reading frame %d of process %d: %w", f, pid, err)
		}
	}

	// Make sure the dump directory exists
	if err := os.MkdirAll(k.cfg.DumpPath, 0755); err != nil {
		return "", fmt.Errorf("creating dump directory: %w", err)
	}
	name := fmt.Sprintf("%d-%s.dmp", pid, time.Now().Format("20060102-150405"))
	path := filepath.Join(k.cfg.DumpPath, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing dump: %w", err)
	}

	utils.InfoLog.Info("Memory dump written", "pid", pid, "frames", len(frames), "path", path)
	return path, nil
}

const (
	mapColumns  = 128
	mapMargin   = 8
	mapLegend   = 40
	maxCellSize = 6
)

const (
	colourFree     = "#2e7d32"
	colourReserved = "#616161"
	colourKernel   = "#1565c0"
)

var processColours = []string{"#ef6c00", "#ad1457", "#6a1b9a", "#00838f", "#f9a825", "#c62828"}

// RenderFrameMap draws the frame bitmap as a PNG grid, one cell per frame:
// free, reserved, kernel-owned (directories, tables, heap) and process-owned
// frames, coloured per process.
func (k *Kernel) RenderFrameMap(w io.Writer) error {
	k.machine.Lock()
	defer k.machine.Unlock()

	// the bitmap is read back through its high mapping, as the kernel sees it
	bitmap := make([]byte, k.frames.BitmapSize())
	if err := k.machine.Kernel().Read(BitmapAddr, bitmap); err != nil {
		return fmt.Errorf("reading the frame bitmap: %w", err)
	}

	owner := make(map[uint32]int)
	procs := k.sched.Processes()
	for i, p := range procs {
		for _, f := range processFrames(p) {
			owner[f] = i
		}
	}

	blocks := int(k.frames.BlockCount())
	rows := (blocks + mapColumns - 1) / mapColumns
	cell := maxCellSize
	for cell > 2 && rows*cell > 1024 {
		cell--
	}

	width := mapColumns*cell + 2*mapMargin
	height := rows*cell + 2*mapMargin + mapLegend
	dc := gg.NewContext(width, height)
	dc.SetHexColor("#000000")
	dc.Clear()

	for b := 0; b < blocks; b++ {
		x := float64(mapMargin + (b%mapColumns)*cell)
		y := float64(mapMargin + (b/mapColumns)*cell)
		switch i, owned := owner[uint32(b)]; {
		case owned:
			dc.SetHexColor(processColours[i%len(processColours)])
		case bitmap[b/8]&(1<<(b%8)) == 0:
			dc.SetHexColor(colourFree)
		case uint32(b)*hal.PageSize >= BitmapPhys:
			dc.SetHexColor(colourKernel)
		default:
			dc.SetHexColor(colourReserved)
		}
		dc.DrawRectangle(x, y, float64(cell-1), float64(cell-1))
		dc.Fill()
	}

	dc.SetFontFace(basicfont.Face7x13)
	dc.SetHexColor("#ffffff")
	base := float64(rows*cell + 2*mapMargin + 13)
	dc.DrawString(fmt.Sprintf("frames %d  used %d  free %d  processes %d",
		blocks, k.frames.UsedBlockCount(), k.frames.FreeBlockCount(), len(procs)), mapMargin, base)
	dc.DrawString("free  reserved  kernel  process", mapMargin, base+16)

	return dc.EncodePNG(w)
}

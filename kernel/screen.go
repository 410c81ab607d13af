package kernel

import (
	"fmt"
	"io"
	"strings"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

const (
	ScreenCols = 80
	ScreenRows = 25

	DefaultColour = 0x07
	BootColour    = 0x0F
	PanicColour   = 0x04 // red on black

	portCRTCIndex = 0x3D4
	portCRTCData  = 0x3D5

	keyEscape = 27
)

// Screen is the 80x25 VGA text console. Every character is written into the
// video memory it is pointed at and, when set, echoed to a mirror writer.
type Screen struct {
	hw     hal.Hardware
	mem    hal.Memory
	base   uint32
	x, y   int
	colour uint8
	mirror io.Writer
	failed bool
}

// NewScreen creates a console over the text buffer at base in mem.
func NewScreen(hw hal.Hardware, mem hal.Memory, base uint32) *Screen {
	return &Screen{hw: hw, mem: mem, base: base, colour: DefaultColour}
}

// SetMemory repoints the console, e.g. once video memory is mapped high.
func (s *Screen) SetMemory(mem hal.Memory, base uint32) {
	s.mem = mem
	s.base = base
}

func (s *Screen) SetMirror(w io.Writer) { s.mirror = w }

func (s *Screen) SetColour(c uint8) { s.colour = c }

func (s *Screen) Colour() uint8 { return s.colour }

// Cursor returns the column and row of the next character.
func (s *Screen) Cursor() (x, y int) { return s.x, s.y }

func (s *Screen) cell(x, y int) uint32 {
	return s.base + uint32(y*ScreenCols+x)*2
}

func (s *Screen) write(addr uint32, p []byte) {
	if err := s.mem.Write(addr, p); err != nil && !s.failed {
		// report once; a broken console must not flood the log
		s.failed = true
		utils.ErrorLog.Error("Error writing video memory", "addr", fmt.Sprintf("%#08x", addr), "error", err)
	}
}

func (s *Screen) blank(n int) []byte {
	row := make([]byte, n*2)
	for i := 0; i < len(row); i += 2 {
		row[i] = ' '
		row[i+1] = s.colour
	}
	return row
}

func (s *Screen) echo(format string, args ...interface{}) {
	if s.mirror != nil {
		fmt.Fprintf(s.mirror, format, args...)
	}
}

// Clear blanks the screen with the current colour and homes the cursor.
func (s *Screen) Clear() {
	s.write(s.base, s.blank(ScreenCols*ScreenRows))
	s.x, s.y = 0, 0
	s.updateCursor()
	s.echo("\x1b[2J\x1b[H")
}

// PutChar writes one character, handling newline, backspace and escape, and
// scrolls when the cursor runs off the last row.
func (s *Screen) PutChar(c byte) {
	switch c {
	case '\n':
		s.y++
		s.x = 0
		s.echo("\r\n")
	case '\b':
		if s.x == 0 && s.y == 0 {
			break
		}
		s.write(s.cell(s.x, s.y)-2, []byte{' ', s.colour})
		if s.x == 0 {
			s.y--
			s.x = ScreenCols - 1
		} else {
			s.x--
		}
		s.echo("\b \b")
	case keyEscape:
		s.Clear()
	default:
		s.write(s.cell(s.x, s.y), []byte{c, s.colour})
		s.x++
		s.echo("%c", c)
	}

	if s.x >= ScreenCols {
		s.x = 0
		s.y++
	}
	if s.y == ScreenRows {
		s.scroll()
		s.y--
	}
}

func (s *Screen) scroll() {
	rows := make([]byte, (ScreenRows-1)*ScreenCols*2)
	if err := s.mem.Read(s.cell(0, 1), rows); err != nil {
		utils.ErrorLog.Error("Error scrolling the screen", "error", err)
		return
	}
	s.write(s.base, rows)
	s.write(s.cell(0, ScreenRows-1), s.blank(ScreenCols))
}

// Print writes str and moves the hardware cursor after it.
func (s *Screen) Print(str string) {
	for i := 0; i < len(str); i++ {
		s.PutChar(str[i])
	}
	s.updateCursor()
}

// PrintAt moves the cursor to (x, y) and prints str there.
func (s *Screen) PrintAt(str string, x, y int) {
	s.x, s.y = x, y
	s.echo("\x1b[%d;%dH", y+1, x+1)
	s.Print(str)
}

func (s *Screen) setCursor(pos uint16) {
	s.hw.WritePort(portCRTCIndex, 14)
	s.hw.WritePort(portCRTCData, uint8(pos>>8))
	s.hw.WritePort(portCRTCIndex, 15)
	s.hw.WritePort(portCRTCData, uint8(pos))
}

func (s *Screen) updateCursor() {
	s.setCursor(uint16(s.y*ScreenCols + s.x))
}

// HideCursor parks the hardware cursor past the last cell.
func (s *Screen) HideCursor() {
	s.setCursor(ScreenCols * ScreenRows)
	s.echo("\x1b[?25l")
}

// Lines returns the characters on screen, one string per row with trailing
// blanks trimmed.
func (s *Screen) Lines() ([]string, error) {
	buf := make([]byte, ScreenCols*ScreenRows*2)
	if err := s.mem.Read(s.base, buf); err != nil {
		return nil, err
	}
	lines := make([]string, ScreenRows)
	row := make([]byte, ScreenCols)
	for y := range lines {
		for x := range row {
			c := buf[(y*ScreenCols+x)*2]
			if c == 0 {
				c = ' '
			}
			row[x] = c
		}
		lines[y] = strings.TrimRight(string(row), " ")
	}
	return lines, nil
}

package main

import (
	"errors"
	"io"
	"os"

	"github.com/mattn/go-tty"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kernel"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

const (
	keyCtrlC    = 3
	keyDelete   = 127
	scLeftShift = 0x2A
	releaseFlag = 0x80
)

// console is the host terminal standing in for the VGA screen and the PS/2
// keyboard.
type console struct {
	tty     *tty.TTY
	restore func() error
}

func openConsole() (*console, error) {
	t, err := tty.Open()
	if err != nil {
		return nil, err
	}
	restore, err := t.Raw()
	if err != nil {
		t.Close()
		return nil, err
	}
	return &console{tty: t, restore: restore}, nil
}

func (c *console) Output() io.Writer {
	return c.tty.Output()
}

func (c *console) Close() {
	c.tty.Output().WriteString("\x1b[?25h\r\n")
	if err := c.restore(); err != nil {
		utils.ErrorLog.Error("Error restoring the terminal", "error", err)
	}
	c.tty.Close()
}

// Run feeds keystrokes to the kernel until the terminal fails, Ctrl-C is
// pressed or the machine halts. Ctrl-C is delivered to quit.
func (c *console) Run(k *kernel.Kernel, quit chan<- os.Signal) {
	for {
		r, err := c.tty.ReadRune()
		if err != nil {
			utils.ErrorLog.Error("Error reading the console", "error", err)
			return
		}
		if r == keyCtrlC {
			quit <- os.Interrupt
			return
		}
		if err := typeKey(k, r); errors.Is(err, hal.ErrHalted) {
			return
		}
	}
}

// typeKey turns a rune into scancodes on the keyboard port and raises IRQ 1
// for each press and release.
func typeKey(k *kernel.Kernel, r rune) error {
	switch r {
	case '\r':
		r = '\n'
	case keyDelete:
		r = '\b'
	}
	if r > 0x7F {
		return nil
	}

	sc, shift, ok := kernel.Scancode(byte(r))
	if !ok {
		return nil
	}
	keys := []uint8{sc, sc | releaseFlag}
	if shift {
		keys = []uint8{scLeftShift, sc, sc | releaseFlag, scLeftShift | releaseFlag}
	}
	for _, key := range keys {
		k.Machine().PressKey(key)
		if err := k.Interrupt(kernel.VectorKeyboard); err != nil {
			return err
		}
	}
	return nil
}

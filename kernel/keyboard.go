package kernel

import (
	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
)

const (
	keyCapsLock   = 1
	keyLeftShift  = 2
	keyRightShift = 3

	scancodeRelease = 0x80
)

// kbdUS maps set 1 scancodes of a US layout to characters. Values 1 to 3
// mark the lock and shift keys.
var kbdUS = [128]byte{
	0, keyEscape, '1', '2', '3', '4', '5', '6', '7', '8',
	'9', '0', '-', '=', '\b',
	'\t',
	'q', 'w', 'e', 'r',
	't', 'y', 'u', 'i', 'o', 'p', '[', ']', '\n',
	0, // control
	'a', 's', 'd', 'f', 'g', 'h', 'j', 'k', 'l', ';',
	'\'', '`', keyLeftShift,
	'\\', 'z', 'x', 'c', 'v', 'b', 'n',
	'm', ',', '.', '/', keyRightShift,
	'*',
	0, // alt
	' ',
	keyCapsLock,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // F1-F10
	0, // num lock
	0, // scroll lock
	0, // home
	0, // up
	0, // page up
	'-',
	0, // left
	0,
	0, // right
	'+',
	0, // end
	0, // down
	0, // page down
	0, // insert
	0, // delete
	0, 0, 0,
	0, // F11
	0, // F12
}

var shifted = map[byte]byte{
	'1': '!', '2': '@', '3': '#', '4': '$', '5': '%', '6': '^', '7': '&', '8': '*', '9': '(', '0': ')',
	'-': '_', '=': '+', '[': '{', ']': '}', ';': ':', '\'': '"', '`': '~', '\\': '|', ',': '<', '.': '>', '/': '?',
}

// Keyboard tracks modifier state across scancodes.
type Keyboard struct {
	shift bool
	caps  bool
}

// Translate turns a scancode into the character it types. ok is false for
// releases, modifiers and unmapped keys.
func (kb *Keyboard) Translate(scancode uint8) (c byte, ok bool) {
	if scancode&scancodeRelease != 0 {
		switch kbdUS[scancode&^scancodeRelease] {
		case keyLeftShift, keyRightShift:
			kb.shift = false
		}
		return 0, false
	}

	c = kbdUS[scancode]
	switch c {
	case 0:
		return 0, false
	case keyCapsLock:
		kb.caps = !kb.caps
		return 0, false
	case keyLeftShift, keyRightShift:
		kb.shift = true
		return 0, false
	}

	if c >= 'a' && c <= 'z' {
		if kb.shift != kb.caps {
			c -= 'a' - 'A'
		}
		return c, true
	}
	if kb.shift {
		if s, found := shifted[c]; found {
			c = s
		}
	}
	return c, true
}

func (k *Kernel) installKeyboard() {
	k.InstallIRQ(IRQKeyboard, k.keyboardIRQ)
}

// keyboardIRQ echoes the typed character to the console.
func (k *Kernel) keyboardIRQ(frame *hal.TrapFrame) {
	scancode := k.machine.ReadPort(hal.PortKeyboard)
	if c, ok := k.keyboard.Translate(scancode); ok {
		k.screen.Print(string(c))
	}
}

// Scancode finds the key that types c on a US layout and whether shift has
// to be held for it.
func Scancode(c byte) (scancode uint8, shift bool, ok bool) {
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
		shift = true
	} else {
		for plain, s := range shifted {
			if s == c {
				c, shift = plain, true
				break
			}
		}
	}
	if c <= keyRightShift {
		return 0, false, false
	}
	for i, k := range kbdUS {
		if k == c {
			return uint8(i), shift, true
		}
	}
	return 0, false, false
}

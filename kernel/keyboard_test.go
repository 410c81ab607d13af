package kernel

import "testing"

func TestKeyboardTranslate(t *testing.T) {
	const (
		scA      = 0x1E
		scH      = 0x23
		sc1      = 0x02
		scLShift = 0x2A
		scRShift = 0x36
		scCaps   = 0x3A
		scEnter  = 0x1C
		scF1     = 0x3B
	)

	type key struct {
		scancode uint8
		want     byte // 0 means nothing typed
	}
	tests := []struct {
		name string
		keys []key
	}{
		{"letters", []key{{scH, 'h'}, {scA, 'a'}}},
		{"release types nothing", []key{{scH | scancodeRelease, 0}}},
		{"enter", []key{{scEnter, '\n'}}},
		{"unmapped", []key{{scF1, 0}}},
		{"left shift", []key{{scLShift, 0}, {scA, 'A'}, {sc1, '!'}, {scLShift | scancodeRelease, 0}, {scA, 'a'}}},
		{"right shift", []key{{scRShift, 0}, {scH, 'H'}, {scRShift | scancodeRelease, 0}, {scH, 'h'}}},
		{"caps lock", []key{{scCaps, 0}, {scA, 'A'}, {sc1, '1'}, {scCaps, 0}, {scA, 'a'}}},
		{"shift inverts caps", []key{{scCaps, 0}, {scLShift, 0}, {scA, 'a'}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var kb Keyboard
			for i, k := range tt.keys {
				c, ok := kb.Translate(k.scancode)
				if k.want == 0 {
					if ok {
						t.Errorf("key %d (%#x) typed %q", i, k.scancode, c)
					}
					continue
				}
				if !ok || c != k.want {
					t.Errorf("key %d (%#x) = %q/%v, want %q", i, k.scancode, c, ok, k.want)
				}
			}
		})
	}
}

func TestScancodeRoundTrip(t *testing.T) {
	for _, c := range []byte("hello World !?\n\b\t*+") {
		sc, shift, ok := Scancode(c)
		if !ok {
			t.Errorf("no key for %q", c)
			continue
		}
		var kb Keyboard
		if shift {
			kb.Translate(0x2A)
		}
		if got, ok := kb.Translate(sc); !ok || got != c {
			t.Errorf("%q -> %#x (shift %v) -> %q", c, sc, shift, got)
		}
	}

	if _, _, ok := Scancode(0x01); ok {
		t.Error("control character mapped to a key")
	}
}

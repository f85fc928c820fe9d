package console

import "testing"

func newTestEga(t *testing.T) *Ega {
	t.Helper()

	cons, err := NewEga(80, 25, make([]byte, FramebufferPages(80, 25)*4096))
	if err != nil {
		t.Fatal(err)
	}
	return cons
}

func TestNewEga(t *testing.T) {
	if _, err := NewEga(80, 25, make([]byte, 80*25)); err != errFramebufferTooSmall {
		t.Fatalf("expected errFramebufferTooSmall; got %v", err)
	}

	if exp, got := uintptr(1), FramebufferPages(80, 25); got != exp {
		t.Fatalf("expected an 80x25 console to need %d page; got %d", exp, got)
	}

	cons := newTestEga(t)
	if w, h := cons.Dimensions(); w != 80 || h != 25 {
		t.Fatalf("expected console dimensions to be (80, 25); got (%d, %d)", w, h)
	}
}

func TestEgaClear(t *testing.T) {
	specs := []struct {
		// Input rect
		x, y, w, h uint16

		// Expected area to be cleared
		expX, expY, expW, expH uint16
	}{
		{
			0, 0, 500, 500,
			0, 0, 80, 25,
		},
		{
			10, 10, 11, 50,
			10, 10, 11, 15,
		},
		{
			10, 10, 110, 1,
			10, 10, 70, 1,
		},
		{
			70, 20, 20, 20,
			70, 20, 10, 5,
		},
		{
			90, 25, 20, 20,
			0, 0, 0, 0,
		},
		{
			12, 12, 5, 6,
			12, 12, 5, 6,
		},
	}

	cons := newTestEga(t)

nextSpec:
	for specIndex, spec := range specs {
		// Fill FB with test pattern
		var x, y uint16
		for y = 0; y < cons.height; y++ {
			for x = 0; x < cons.width; x++ {
				cons.Write('X', White, x, y)
			}
		}

		cons.Clear(spec.x, spec.y, spec.w, spec.h)

		for y = 0; y < cons.height; y++ {
			for x = 0; x < cons.width; x++ {
				ch, attr := cons.Read(x, y)

				if x < spec.expX || y < spec.expY || x >= spec.expX+spec.expW || y >= spec.expY+spec.expH {
					if ch != 'X' || attr != White {
						t.Errorf("[spec %d] expected char at (%d, %d) not to be cleared", specIndex, x, y)
						continue nextSpec
					}
				} else if ch != clearChar || attr != clearColor {
					t.Errorf("[spec %d] expected char at (%d, %d) to be cleared", specIndex, x, y)
					continue nextSpec
				}
			}
		}
	}
}

func TestEgaScroll(t *testing.T) {
	specs := []struct {
		dir   ScrollDir
		lines uint16
	}{
		{Up, 0},
		{Up, 1},
		{Up, 2},
		{Down, 1},
		{Down, 3},
	}

	cons := newTestEga(t)

nextSpec:
	for specIndex, spec := range specs {
		// Each row holds its own index
		var x, y uint16
		for y = 0; y < cons.height; y++ {
			for x = 0; x < cons.width; x++ {
				cons.Write(byte(y), Attr(x), x, y)
			}
		}

		cons.Scroll(spec.dir, spec.lines)

		for y = 0; y < cons.height; y++ {
			expRow := y
			switch {
			case spec.dir == Up && y < cons.height-spec.lines:
				expRow = y + spec.lines
			case spec.dir == Down && y >= spec.lines:
				expRow = y - spec.lines
			}

			for x = 0; x < cons.width; x++ {
				if ch, attr := cons.Read(x, y); ch != byte(expRow) || attr != Attr(x) {
					t.Errorf("[spec %d] expected row %d to hold row %d; got %d", specIndex, y, expRow, ch)
					continue nextSpec
				}
			}
		}
	}
}

func TestEgaWriteOutOfBounds(t *testing.T) {
	cons := newTestEga(t)

	cons.Write('!', Red, 80, 0)
	cons.Write('!', Red, 0, 25)

	for i, b := range cons.fb {
		if b != 0 {
			t.Fatalf("expected out of bounds writes to be ignored; byte %d is %d", i, b)
		}
	}

	if ch, attr := cons.Read(80, 25); ch != 0 || attr != 0 {
		t.Fatalf("expected out of bounds read to return zero values; got %d %d", ch, attr)
	}
}

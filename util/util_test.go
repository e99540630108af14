package util

import "testing"

func TestMinMax(t *testing.T) {
	if got := Min(3, 7); got != 3 {
		t.Errorf("Min(3,7) = %d, want 3", got)
	}
	if got := Max(3, 7); got != 7 {
		t.Errorf("Max(3,7) = %d, want 7", got)
	}
}

func TestRoundupRounddown(t *testing.T) {
	cases := []struct {
		v, b, down, up int
	}{
		{v: 0, b: 4096, down: 0, up: 0},
		{v: 1, b: 4096, down: 0, up: 4096},
		{v: 4096, b: 4096, down: 4096, up: 4096},
		{v: 4097, b: 4096, down: 4096, up: 8192},
	}
	for _, c := range cases {
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
		if got := Roundup(c.v, c.b); got != c.up {
			t.Errorf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.up)
		}
	}
}

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 16)
	Writen(buf, 4, 4, 0xdeadbeef)
	if got := Readn(buf, 4, 4); got != int(uint32(0xdeadbeef)) {
		t.Errorf("Readn after Writen = %#x, want %#x", got, uint32(0xdeadbeef))
	}

	Writen(buf, 1, 0, 0xff)
	if got := Readn(buf, 1, 0); got != 0xff {
		t.Errorf("Readn(1 byte) = %#x, want 0xff", got)
	}
}

func TestReadnOutOfBoundsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-bounds Readn")
		}
	}()
	Readn(make([]uint8, 4), 8, 0)
}

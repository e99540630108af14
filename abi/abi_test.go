package abi

import "testing"

func TestSplitClaimPath(t *testing.T) {
	bus, dev, ok := SplitClaimPath("mmio/virtio-18")
	if !ok || bus != "mmio" || dev != "virtio-18" {
		t.Fatalf("got bus=%q dev=%q ok=%v", bus, dev, ok)
	}
}

func TestSplitClaimPathRejectsMalformed(t *testing.T) {
	cases := []string{"", "noslash", "/leadingslash", "trailingslash/", "a/b/c"}
	for _, c := range cases {
		if _, _, ok := SplitClaimPath(c); ok {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestDumpProducesNonEmptyTrace(t *testing.T) {
	if s := Dump(0); s == "" {
		t.Fatalf("expected non-empty stack trace")
	}
}

package memlayout

import "testing"

func TestRoundDownUp(t *testing.T) {
	specs := []struct {
		in       uintptr
		down, up uintptr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize},
	}
	for _, s := range specs {
		if got := RoundDown(s.in); got != s.down {
			t.Errorf("RoundDown(%#x) = %#x, want %#x", s.in, got, s.down)
		}
		if got := RoundUp(s.in); got != s.up {
			t.Errorf("RoundUp(%#x) = %#x, want %#x", s.in, got, s.up)
		}
	}
}

func TestPageAligned(t *testing.T) {
	if !PageAligned(0) || !PageAligned(PageSize) {
		t.Error("expected 0 and PageSize to be page-aligned")
	}
	if PageAligned(1) {
		t.Error("expected 1 to not be page-aligned")
	}
}

func TestInPhysMap(t *testing.T) {
	if !InPhysMap(PhysicalAddress(0)) {
		t.Error("expected address 0 to be in the physmap window")
	}
	if InPhysMap(PhysicalAddress(PhysMapSize)) {
		t.Error("expected the physmap end itself to be out of the window")
	}
}

func TestPhysToVirt(t *testing.T) {
	got := PhysToVirt(PhysicalAddress(0x1000))
	want := VirtualAddress(PhysOffset + 0x1000)
	if got != want {
		t.Errorf("PhysToVirt(0x1000) = %v, want %v", got, want)
	}
}

func TestTextMarshalRoundTrip(t *testing.T) {
	p := PhysicalAddress(0xdead0000)
	b, err := p.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var got PhysicalAddress
	if err := got.UnmarshalText(b); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if got != p {
		t.Errorf("round trip = %v, want %v", got, p)
	}
}

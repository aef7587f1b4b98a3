package vmerrors

import (
	"errors"
	"testing"
)

func TestIsMatchesSameKind(t *testing.T) {
	err := New("grants.Insert", EEXIST, "overlap")
	if !errors.Is(err, Sentinel(EEXIST)) {
		t.Error("expected errors.Is to match the same Kind")
	}
	if errors.Is(err, Sentinel(EINVAL)) {
		t.Error("expected errors.Is to not match a different Kind")
	}
}

func TestErrorStringIncludesOpAndKind(t *testing.T) {
	err := New("memmap.Normalize", ENOMEM, "")
	if got := err.Error(); got != "memmap.Normalize: ENOMEM" {
		t.Errorf("Error() = %q, want %q", got, "memmap.Normalize: ENOMEM")
	}
}

func TestErrorStringIncludesMessage(t *testing.T) {
	err := New("grants.Reserve", ENOMEM, "no hole large enough")
	want := "grants.Reserve: ENOMEM: no hole large enough"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestKindStringUnknown(t *testing.T) {
	if got := Kind(999).String(); got != "EUNKNOWN" {
		t.Errorf("Kind(999).String() = %q, want EUNKNOWN", got)
	}
}

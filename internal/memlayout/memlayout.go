// Package memlayout defines the address-space layout constants and the
// PhysicalAddress/VirtualAddress value types shared by every other package
// in this module.
package memlayout

import "fmt"

// PageShift is the base-2 exponent of the page size.
const PageShift = 12

// PageSize is the size of a single page in bytes.
const PageSize = 1 << PageShift

// PageOffsetMask masks the in-page offset bits of an address.
const PageOffsetMask = PageSize - 1

// UserEndOffset is the first virtual address not available to user grants;
// everything below it is the user half of the address space.
const UserEndOffset = 0x8000_0000_0000

// PhysOffset is the kernel-virtual base of the physmap window: a linear
// mapping of all physical RAM used by the kernel to read/write frames by
// physical address.
const PhysOffset = 0xffff_8000_0000_0000

// PhysMapSize bounds the physmap window to 1 GiB, per the Non-goals in
// spec.md (">1 GiB physical map window" is out of scope).
const PhysMapSize = 1 << 30

// PhysicalAddress is an opaque wrapper over a physical address. Arithmetic
// is only ever done through its methods, never by casting to a bare
// integer, so that a stray uintptr addition can't silently cross an
// address-space boundary.
type PhysicalAddress uintptr

// VirtualAddress is the virtual-address analogue of PhysicalAddress.
type VirtualAddress uintptr

// FrameCount counts page-sized physical units.
type FrameCount uintptr

func (p PhysicalAddress) Data() uintptr { return uintptr(p) }
func (v VirtualAddress) Data() uintptr  { return uintptr(v) }

func (p PhysicalAddress) Add(n uintptr) PhysicalAddress { return p + PhysicalAddress(n) }
func (v VirtualAddress) Add(n uintptr) VirtualAddress    { return v + VirtualAddress(n) }

func (p PhysicalAddress) String() string { return fmt.Sprintf("%#x", uintptr(p)) }
func (v VirtualAddress) String() string  { return fmt.Sprintf("%#x", uintptr(v)) }

func (p PhysicalAddress) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
func (v VirtualAddress) MarshalText() ([]byte, error)  { return []byte(v.String()), nil }

func (p *PhysicalAddress) UnmarshalText(b []byte) error {
	var u uintptr
	if _, err := fmt.Sscanf(string(b), "0x%x", &u); err != nil {
		return err
	}
	*p = PhysicalAddress(u)
	return nil
}

func (v *VirtualAddress) UnmarshalText(b []byte) error {
	var u uintptr
	if _, err := fmt.Sscanf(string(b), "0x%x", &u); err != nil {
		return err
	}
	*v = VirtualAddress(u)
	return nil
}

// RoundDown rounds v down to the nearest multiple of the page size.
func RoundDown(v uintptr) uintptr {
	return v &^ PageOffsetMask
}

// RoundUp rounds v up to the nearest multiple of the page size.
func RoundUp(v uintptr) uintptr {
	return RoundDown(v + PageOffsetMask)
}

// PageAligned reports whether v is a multiple of the page size.
func PageAligned(v uintptr) bool {
	return v&PageOffsetMask == 0
}

// InPhysMap reports whether phys lies inside the physmap window.
func InPhysMap(phys PhysicalAddress) bool {
	return uintptr(phys) < PhysMapSize
}

// PhysToVirt translates a physical address to its physmap virtual address.
func PhysToVirt(phys PhysicalAddress) VirtualAddress {
	return VirtualAddress(PhysOffset + uintptr(phys))
}

// Package vmerrors defines the small, closed set of error kinds that the
// virtual memory core can return, in the spirit of the teacher's
// defs.Err_t convention (biscuit/src/defs): a fixed vocabulary of errno-like
// values rather than ad-hoc error strings, brought into idiomatic Go via the
// standard errors package so callers can use errors.Is.
package vmerrors

import "fmt"

// Kind enumerates the error kinds from spec.md §7. There is deliberately no
// general-purpose "internal error" kind: anything else is a bug and must
// panic, not return an error (spec.md §7).
type Kind int

const (
	// ENOMEM: out of frames or out of hole space.
	ENOMEM Kind = iota + 1
	// EINVAL: unaligned address, zero-size mapping, address above user end.
	EINVAL
	// EEXIST: fixed-noreplace conflict.
	EEXIST
	// EOPNOTSUPP: unimplemented path (MAP_FIXED overwrite, fmap clone).
	EOPNOTSUPP
)

func (k Kind) String() string {
	switch k {
	case ENOMEM:
		return "ENOMEM"
	case EINVAL:
		return "EINVAL"
	case EEXIST:
		return "EEXIST"
	case EOPNOTSUPP:
		return "EOPNOTSUPP"
	default:
		return "EUNKNOWN"
	}
}

// Error wraps a Kind with an optional operation-specific message.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// Is allows errors.Is(err, vmerrors.Sentinel(vmerrors.ENOMEM))-style
// matching against a Kind, since Kind does not itself implement error.
func (e *Error) Is(target error) bool {
	k, ok := target.(interface{ vmKind() Kind })
	if !ok {
		return false
	}
	return e.Kind == k.vmKind()
}

// sentinel lets a Kind be compared with errors.Is without allocating an
// *Error; e.g. errors.Is(err, vmerrors.Sentinel(vmerrors.ENOMEM)).
type sentinel Kind

func (s sentinel) Error() string   { return Kind(s).String() }
func (s sentinel) vmKind() Kind    { return Kind(s) }

// Sentinel returns a comparable error value for the given Kind, usable with
// errors.Is against any *Error carrying that Kind.
func Sentinel(k Kind) error { return sentinel(k) }

// New constructs an *Error for the given operation and kind.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

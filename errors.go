package strata

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy spec.md §7 names, by cause rather than
// by exception type.
type Kind int

const (
	_ Kind = iota
	IOError
	InvalidDatabase
	UnsupportedFileFormat
	OutOfMemory
	OutOfDisk
	Locked
	WrongTransactState
	KeyNotFound
	LogicError
	ConstraintViolation
	CrossTableLinkTarget
)

func (k Kind) String() string {
	switch k {
	case IOError:
		return "io_error"
	case InvalidDatabase:
		return "invalid_database"
	case UnsupportedFileFormat:
		return "unsupported_file_format"
	case OutOfMemory:
		return "out_of_memory"
	case OutOfDisk:
		return "out_of_disk"
	case Locked:
		return "locked"
	case WrongTransactState:
		return "wrong_transact_state"
	case KeyNotFound:
		return "key_not_found"
	case LogicError:
		return "logic_error"
	case ConstraintViolation:
		return "constraint_violation"
	case CrossTableLinkTarget:
		return "cross_table_link_target"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error wraps the taxonomy of spec.md §7 with the operation that
// failed and, where available, the underlying cause. Mirrors mari's
// construct-at-the-point-of-failure style (plain errors.New calls
// throughout Mari.go/Node.go), upgraded to a structured type so
// callers can errors.Is/errors.As against Kind instead of matching
// message strings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("strata: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("strata: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, strata.ErrKeyNotFound) style sentinels keep working
// without every caller constructing an *Error by hand.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels for errors.Is comparisons against a bare Kind, e.g.
// errors.Is(err, strata.ErrKeyNotFound).
var (
	ErrIOError               = &Error{Kind: IOError}
	ErrInvalidDatabase       = &Error{Kind: InvalidDatabase}
	ErrUnsupportedFileFormat = &Error{Kind: UnsupportedFileFormat}
	ErrOutOfMemory           = &Error{Kind: OutOfMemory}
	ErrOutOfDisk             = &Error{Kind: OutOfDisk}
	ErrLocked                = &Error{Kind: Locked}
	ErrWrongTransactState    = &Error{Kind: WrongTransactState}
	ErrKeyNotFound           = &Error{Kind: KeyNotFound}
	ErrLogicError            = &Error{Kind: LogicError}
	ErrConstraintViolation   = &Error{Kind: ConstraintViolation}
	ErrCrossTableLinkTarget  = &Error{Kind: CrossTableLinkTarget}
)

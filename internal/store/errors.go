package store

import "errors"

// Sentinel errors every Store operation can return. Callers distinguish
// them with errors.Is; a Backend error should be surfaced upward, a
// NotFound error is a valid absent result.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrConstraint = errors.New("store: constraint violation")
	ErrBackend    = errors.New("store: backend failure")
	ErrDecode     = errors.New("store: decode failure")
)

// wrapBackend tags an arbitrary driver error as a Backend failure, unless
// it is nil or already one of the typed sentinels.
func wrapBackend(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConstraint) || errors.Is(err, ErrBackend) || errors.Is(err, ErrDecode) {
		return err
	}
	return &opError{op: op, kind: ErrBackend, err: err}
}

type opError struct {
	op   string
	kind error
	err  error
}

func (e *opError) Error() string {
	if e.err == nil {
		return e.op + ": " + e.kind.Error()
	}
	return e.op + ": " + e.kind.Error() + ": " + e.err.Error()
}

func (e *opError) Unwrap() []error {
	return []error{e.kind, e.err}
}

func notFoundf(op string) error {
	return &opError{op: op, kind: ErrNotFound}
}

func constraintf(op string, err error) error {
	return &opError{op: op, kind: ErrConstraint, err: err}
}

func decodeErrorf(op string, err error) error {
	return &opError{op: op, kind: ErrDecode, err: err}
}

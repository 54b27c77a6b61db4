package api

import (
	"errors"
)

// Sentinel errors for every failure class the filesystem and memory layers
// can report. Callers match these with errors.Is; the layers wrap them in
// *Error to attach the operation and path.
var (
	ErrInvalidParam     = errors.New("invalid parameter")
	ErrOutOfMemory      = errors.New("out of memory")
	ErrIO               = errors.New("i/o error")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrFileExists       = errors.New("file exists")
	ErrNotADirectory    = errors.New("not a directory")
	ErrIsADirectory     = errors.New("is a directory")
	ErrNoSpace          = errors.New("no space left on device")
	ErrReadOnly         = errors.New("read-only filesystem")
	ErrNotSupported     = errors.New("operation not supported")
	ErrInvalidFormat    = errors.New("invalid format")
	ErrCorrupt          = errors.New("filesystem corrupt")
	ErrBusy             = errors.New("resource busy")
	ErrNameTooLong      = errors.New("name too long")
	ErrOverflow         = errors.New("value overflow")
	ErrBadHandle        = errors.New("bad handle")
)

// sentinels lists every sentinel in a stable order for CodeOf.
var sentinels = []error{
	ErrInvalidParam,
	ErrOutOfMemory,
	ErrIO,
	ErrNotFound,
	ErrPermissionDenied,
	ErrFileExists,
	ErrNotADirectory,
	ErrIsADirectory,
	ErrNoSpace,
	ErrReadOnly,
	ErrNotSupported,
	ErrInvalidFormat,
	ErrCorrupt,
	ErrBusy,
	ErrNameTooLong,
	ErrOverflow,
	ErrBadHandle,
}

// Error represents an operation error with structured information.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WrapErr attaches op and path context to err. A nil err returns nil, so
// callers can wrap return values unconditionally.
func WrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Err: err}
}

// CodeOf returns the sentinel error err maps to, or nil if err does not
// wrap any of the taxonomy sentinels.
func CodeOf(err error) error {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s
		}
	}
	return nil
}

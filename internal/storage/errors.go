package storage

import "errors"

// ErrUnsupportedType is returned when a configuration names an unknown backend.
var ErrUnsupportedType = errors.New("unsupported storage type")

// ErrClosed is returned by operations on a storage that has been closed.
var ErrClosed = errors.New("storage is closed")

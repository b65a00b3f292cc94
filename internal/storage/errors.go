package storage

import "errors"

// ErrNotFound is returned when a record does not exist for the given key
var ErrNotFound = errors.New("record not found")

// Package store declares persistence errors shared by its backends.
package store

import "errors"

// ErrNotFound signals that the requested batch does not exist.
var ErrNotFound = errors.New("batch not found")

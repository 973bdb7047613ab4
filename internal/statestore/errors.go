package statestore

import "errors"

// ErrNotFound is returned by typed getters when a row does not exist.
var ErrNotFound = errors.New("not found")

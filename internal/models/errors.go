package models

import "github.com/cockroachdb/errors"

// Sentinel errors shared by the stores and the services built on them.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

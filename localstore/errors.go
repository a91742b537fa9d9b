// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when a Store method is called before Open
// completed or after Close.
var ErrNotInitialized = errors.New("localstore: store is not open")

// ValidationError reports a rejected business field before anything is written.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s.%s: %s", e.Entity, e.Field, e.Reason)
}

// DuplicateNameError reports a local uniqueness violation on the business key.
// The check only considers rows that are not soft-deleted.
type DuplicateNameError struct {
	Entity string
	Name   string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s named %q already exists", e.Entity, e.Name)
}

// NotFoundError reports a mutation against a local row that does not exist
// or was already soft-deleted.
type NotFoundError struct {
	Entity  string
	LocalID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with local id %d not found", e.Entity, e.LocalID)
}

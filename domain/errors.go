package domain

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when a referenced task, board, column or
// relationship does not exist in the active tenant's store.
type NotFoundError struct {
	Entity string
	Ref    string
}

func (e NotFoundError) Error() string {
	if e.Ref == "" {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Ref)
}

func (NotFoundError) NotFound() {}

// ValidationError is returned for malformed input: an unknown relationship
// kind, a self-referencing edge, or missing batch fields.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

func (ValidationError) Invalid() {}

// ConflictError is returned when a mutation would violate a graph
// invariant: a duplicate edge or a parent/child cycle.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

func (ConflictError) Conflict() {}

// NoDestinationError is returned when a cross-board move targets a board
// with zero columns. It is terminal; retrying cannot succeed.
type NoDestinationError struct {
	BoardID string
}

func (e NoDestinationError) Error() string {
	return fmt.Sprintf("board %s has no columns to receive the task", e.BoardID)
}

func (NoDestinationError) NoDestination() {}

// StoreError wraps a transaction failure after rollback. The operation is
// safe to retry.
type StoreError struct {
	Err error
}

func (e StoreError) Error() string { return "store operation failed: " + e.Err.Error() }

func (e StoreError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var t interface{ NotFound() }
	return errors.As(err, &t)
}

func IsValidation(err error) bool {
	var t interface{ Invalid() }
	return errors.As(err, &t)
}

func IsConflict(err error) bool {
	var t interface{ Conflict() }
	return errors.As(err, &t)
}

func IsNoDestination(err error) bool {
	var t interface{ NoDestination() }
	return errors.As(err, &t)
}

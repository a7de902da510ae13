package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel matched by errors.Is for absent entities.
// Callers treat it as "proceed with an empty result".
var ErrNotFound = errors.New("entity not found")

// NotFoundError reports which entity was absent. It matches ErrNotFound.
type NotFoundError struct {
	Namespace string
	Kind      Kind
	ID        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s/%s: entity not found", e.Namespace, e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// LockTimeoutError reports that the advisory lock for a namespace+kind
// could not be acquired within the bounded retry schedule. Recoverable:
// callers may retry or degrade to read-only.
type LockTimeoutError struct {
	Namespace string
	Scope     string
	Attempts  int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("%s/%s: lock not acquired after %d attempts", e.Namespace, e.Scope, e.Attempts)
}

// CorruptEntityError reports an on-disk record that could not be decoded.
// The store quarantines the file before returning this; the entity is
// simply unavailable, never fatal.
type CorruptEntityError struct {
	Namespace string
	Kind      Kind
	ID        string
	Err       error
}

func (e *CorruptEntityError) Error() string {
	return fmt.Sprintf("%s/%s/%s: corrupt entity quarantined: %v", e.Namespace, e.Kind, e.ID, e.Err)
}

func (e *CorruptEntityError) Unwrap() error { return e.Err }

// NamespaceViolationError reports an attempted cross-namespace reference.
// This is a programmer error and fails loudly instead of being retried.
type NamespaceViolationError struct {
	Namespace    string
	Ref          string
	RefNamespace string
}

func (e *NamespaceViolationError) Error() string {
	if e.RefNamespace == "" {
		return fmt.Sprintf("namespace violation: reference %q does not exist in namespace %q", e.Ref, e.Namespace)
	}
	return fmt.Sprintf("namespace violation: %q referenced from namespace %q (belongs to %q)", e.Ref, e.Namespace, e.RefNamespace)
}

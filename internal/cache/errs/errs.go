// Package errs defines the failure taxonomy of the diary cache.
//
// Every cache operation that can fail returns an error that matches one of
// these sentinels through errors.Is:
//
//	if errors.Is(err, errs.ErrNotInitialized) {
//	    // reopen the store through the instance manager
//	}
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when a repository or freshness
	// operation runs before a store exists for the current identity.
	ErrNotInitialized = errors.New("cache store not initialized")

	// ErrStoreInitializationFailed is returned when the embedded store
	// could not be created or opened.
	ErrStoreInitializationFailed = errors.New("cache store initialization failed")

	// ErrWriteFailed is returned when a write transaction could not commit.
	// Nothing from the failed call is visible afterwards.
	ErrWriteFailed = errors.New("cache write failed")

	// ErrReadFailed is returned when a query could not execute.
	ErrReadFailed = errors.New("cache read failed")

	// ErrNotFound is returned when a record is absent, or hidden by the
	// connected detail rule.
	ErrNotFound = errors.New("record not found")

	// ErrNotAuthenticated is returned when the identity provider has no
	// current user to scope a repository call to.
	ErrNotAuthenticated = errors.New("no authenticated user")

	// ErrInvalidQuery is returned for predicates over unknown fields or
	// with operands of the wrong kind.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidRecord is returned when a record fails validation before
	// being written.
	ErrInvalidRecord = errors.New("invalid record")
)

// IsRecoverable returns true if the caller can fix the condition without
// restarting the session, for example by reopening the store or logging in.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotInitialized) {
		return true
	}

	if errors.Is(err, ErrNotAuthenticated) {
		return true
	}

	// Transaction failures leave no partial state, so a retry is safe.
	if errors.Is(err, ErrWriteFailed) || errors.Is(err, ErrReadFailed) {
		return true
	}

	return false
}

// IsFatal returns true if the session cannot continue until the caller
// retries store initialization.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStoreInitializationFailed)
}

// Write wraps err as a write failure unless it already carries a sentinel
// from this package.
func Write(op string, err error) error {
	return wrap(ErrWriteFailed, op, err)
}

// Read wraps err as a read failure unless it already carries a sentinel
// from this package.
func Read(op string, err error) error {
	return wrap(ErrReadFailed, op, err)
}

func wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if classified(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

func classified(err error) bool {
	for _, s := range []error{
		ErrNotInitialized, ErrStoreInitializationFailed, ErrWriteFailed,
		ErrReadFailed, ErrNotFound, ErrNotAuthenticated, ErrInvalidQuery,
		ErrInvalidRecord,
	} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// StorageError wraps a persistence I/O failure. The affected entry keeps
// whatever state it had before the failed operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StorageFullError is returned when the backing store rejects a write for
// lack of space. The message was never queued; the caller must surface this
// immediately rather than retry.
type StorageFullError struct {
	Err error
}

func (e *StorageFullError) Error() string {
	return fmt.Sprintf("storage full: %v", e.Err)
}

func (e *StorageFullError) Unwrap() error { return e.Err }

// wrapStorage classifies a sqlite error into the store's error taxonomy.
// Only SQLITE_FULL means "no space, never queued"; I/O errors, write
// failures included, stay StorageError because the write may be retryable
// and the entry keeps its prior state.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return &StorageFullError{Err: err}
	}
	return &StorageError{Op: op, Err: err}
}

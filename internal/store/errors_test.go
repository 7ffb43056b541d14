package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestWrapStorageClassification(t *testing.T) {
	if wrapStorage("noop", nil) != nil {
		t.Error("nil error must stay nil")
	}

	full := wrapStorage("append outbox", sqlite3.Error{Code: sqlite3.ErrFull})
	var sfe *StorageFullError
	if !errors.As(full, &sfe) {
		t.Errorf("SQLITE_FULL classified as %T, want StorageFullError", full)
	}

	// A disk write failure is not "storage full": the entry keeps its state
	// and the operation may be retried.
	ioErr := wrapStorage("append outbox", sqlite3.Error{Code: sqlite3.ErrIoErr, ExtendedCode: sqlite3.ErrIoErrWrite})
	var se *StorageError
	if !errors.As(ioErr, &se) {
		t.Fatalf("SQLITE_IOERR_WRITE classified as %T, want StorageError", ioErr)
	}
	if errors.As(ioErr, &sfe) {
		t.Error("SQLITE_IOERR_WRITE must not be StorageFullError")
	}
	if se.Op != "append outbox" {
		t.Errorf("Op = %q", se.Op)
	}

	// Wrapped sqlite errors still classify, and Unwrap reaches the cause.
	wrapped := wrapStorage("mark sent", fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrFull}))
	if !errors.As(wrapped, &sfe) {
		t.Errorf("wrapped SQLITE_FULL classified as %T, want StorageFullError", wrapped)
	}

	generic := wrapStorage("get outbox entry", errors.New("connection closed"))
	if !errors.As(generic, &se) {
		t.Errorf("generic error classified as %T, want StorageError", generic)
	}
}

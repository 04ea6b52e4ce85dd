package dataset

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/lehigh-university-libraries/dermtune/internal/storage"
)

// Reason classifies why ingestion failed.
type Reason string

const (
	ReasonMissing  Reason = "missing"
	ReasonCorrupt  Reason = "corrupt"
	ReasonDiskFull Reason = "disk full"
	ReasonTransfer Reason = "transfer"
	ReasonInvalid  Reason = "invalid"
)

// IngestionError is fatal: nothing downstream can run without the dataset.
type IngestionError struct {
	Op     string
	Path   string
	Reason Reason
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion %s %s (%s): %v", e.Op, e.Path, e.Reason, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// classify picks the Reason for err, falling back to def.
func classify(err error, def Reason) Reason {
	var transferErr *storage.TransferError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ReasonMissing
	case errors.Is(err, syscall.ENOSPC):
		return ReasonDiskFull
	case errors.As(err, &transferErr):
		return ReasonTransfer
	default:
		return def
	}
}

func ingestionError(op, path string, def Reason, err error) *IngestionError {
	return &IngestionError{Op: op, Path: path, Reason: classify(err, def), Err: err}
}

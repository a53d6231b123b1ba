package engine

import "errors"

var (
	// ErrPersistence wraps store failures; the operation was rolled back.
	ErrPersistence = errors.New("persistence failed")
	// ErrWrongBatchKind is returned when a zap targets a batch of the other
	// direction.
	ErrWrongBatchKind = errors.New("wrong batch kind")
)

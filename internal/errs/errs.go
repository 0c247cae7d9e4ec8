package errs

import "errors"

var (
	ErrValidation   = errors.New("validation error")
	ErrPersistence  = errors.New("persistence error")
	ErrNotJoined    = errors.New("connection has not joined")
	ErrSlowConsumer = errors.New("connection outbound queue is full")
	ErrNotFound     = errors.New("not found")
)

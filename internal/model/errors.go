package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig   = errors.New("invalid model configuration")
	ErrSequenceTooLong = errors.New("sequence too long")
	ErrTokenOutOfRange = errors.New("token id out of range")
	ErrBatchTooLarge   = errors.New("batch exceeds max_batch_size")
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrCacheGap        = errors.New("start position is past the cached prefix")
	ErrSessionBusy     = errors.New("session is already in use")
)

// ConfigurationError reports an invalid Config field. It is fatal at
// construction time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid model configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfig
}

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SequenceTooLongError is returned when StartPos+Length exceeds the block size.
// Callers must truncate or reject the input.
type SequenceTooLongError struct {
	StartPos int
	Length   int
	Capacity int
}

func (e *SequenceTooLongError) Error() string {
	return fmt.Sprintf("cannot forward %d tokens at position %d: block size is only %d",
		e.Length, e.StartPos, e.Capacity)
}

func (e *SequenceTooLongError) Unwrap() error {
	return ErrSequenceTooLong
}

package timecodec

import (
	"errors"
	"fmt"
)

var (
	// ErrFieldOutOfRange is returned when a timestamp is too far past the
	// reference epoch for the field's wire type.
	ErrFieldOutOfRange = errors.New("field out of range")
	// ErrMissingField is returned when a wire value lacks a schema field.
	ErrMissingField = errors.New("missing field")
	// ErrPayloadLength is returned when a payload does not match the schema's fixed size.
	ErrPayloadLength = errors.New("payload length mismatch")
)

// FieldError reports a per-field codec failure.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("timecodec: field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

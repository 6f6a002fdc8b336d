package protocol

import "errors"

var (
	// ErrSchema is returned when a schema definition cannot be loaded.
	ErrSchema = errors.New("schema error")

	// ErrMalformedMessage is returned when a frame does not match its declared layout.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrEncoding is returned when a string field is not valid UTF-8.
	ErrEncoding = errors.New("invalid string encoding")

	// ErrUnknownMessage is returned when building a message whose name is not in the schema.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrUnknownField is returned when setting a field the schema does not declare for the message.
	ErrUnknownField = errors.New("unknown field")

	// ErrTypeMismatch is returned when a value does not match the declared field type.
	ErrTypeMismatch = errors.New("field type mismatch")
)

// Package types holds the request/response/error vocabulary shared by the
// session engine packages, so internal/session, internal/memory and
// internal/assembler don't need to import each other just to agree on a
// struct shape.
package types

import "errors"

// GenerateError kinds. These mirror poly's Rust GenerateError enum
// one-for-one: IllegalToken, TokenizationError, Memory, ModelLoad,
// ModelFeed, Config. ModelInferenceError is deliberately not a sentinel
// here — per spec it is swallowed inside the generation loop and never
// escapes as a GenerateError.
var (
	ErrIllegalToken           = errors.New("prompt contains a private token")
	ErrTokenization           = errors.New("input could not be tokenized")
	ErrMemory                 = errors.New("memory store operation failed")
	ErrDimensionalityMismatch = errors.New("embedding dimensionality does not match the store")
	ErrModelLoad              = errors.New("model failed to load")
	ErrModelFeed              = errors.New("model failed to feed prompt")
	ErrConfig                 = errors.New("invalid task or biaser configuration")
)

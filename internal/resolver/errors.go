package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is checks; the structured types below carry
// the diagnostic detail.
var (
	ErrNotFound   = errors.New("model reference not found")
	ErrIncomplete = errors.New("provider configuration incomplete")
	ErrAmbiguous  = errors.New("ambiguous model reference")
	ErrInvalidRef = errors.New("invalid model reference")
	ErrNoDefault  = errors.New("no default model configured")
)

// NotFoundError reports a reference path with no matching node.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("model reference %q not found", e.Ref)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IncompleteError reports a resolved node that lacks a required key after
// inheritance.
type IncompleteError struct {
	Ref     string
	Missing string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("model %q resolved but %s is not set at any level", e.Ref, e.Missing)
}

func (e *IncompleteError) Unwrap() error { return ErrIncomplete }

// AmbiguousError reports a short name matching more than one configured
// model, listing every candidate path.
type AmbiguousError struct {
	Name       string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("model name %q is ambiguous, candidates: %s",
		e.Name, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }

// InvalidRefError reports a syntactically malformed reference.
type InvalidRefError struct {
	Ref    string
	Reason string
}

func (e *InvalidRefError) Error() string {
	return fmt.Sprintf("invalid model reference %q: %s", e.Ref, e.Reason)
}

func (e *InvalidRefError) Unwrap() error { return ErrInvalidRef }

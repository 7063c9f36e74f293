package loyalty

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound           = errors.New("loyalty: not found")
	ErrExpired            = errors.New("loyalty: expired")
	ErrInsufficientPoints = errors.New("loyalty: insufficient points")
	ErrConflict           = errors.New("loyalty: already exists")
	ErrUnauthorized       = errors.New("loyalty: unauthorized")
	ErrUnknownRewardType  = errors.New("loyalty: unknown reward type")
	ErrExternalSync       = errors.New("loyalty: external sync failed")
)

// FieldError names a single invalid field and the rule it violated.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError aggregates every violated field of a write.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "loyalty: invalid input"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "loyalty: invalid input: " + strings.Join(parts, "; ")
}

// Has reports whether the named field is among the violations.
func (e *ValidationError) Has(field string) bool {
	if e == nil {
		return false
	}
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// FieldNames returns the sorted list of violated field names.
func (e *ValidationError) FieldNames() []string {
	if e == nil {
		return nil
	}
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	sort.Strings(names)
	return names
}

type fieldErrors struct {
	fields []FieldError
}

func (f *fieldErrors) add(field, reason string) {
	f.fields = append(f.fields, FieldError{Field: field, Reason: reason})
}

func (f *fieldErrors) err() error {
	if len(f.fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: f.fields}
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, reason string) error {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

// SyncError reports a failed call to the external commerce platform. The
// provisioned reward is still recorded locally when a SyncError is surfaced.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("loyalty: external sync %s failed", e.Op)
	}
	return fmt.Sprintf("loyalty: external sync %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalSync}
	}
	return []error{ErrExternalSync, e.Err}
}

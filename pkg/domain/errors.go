package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/errs"
)

// Error classes for every fatal failure kind. Callers test kinds with
// Class.Has; detail types below can be recovered with errors.As.
var (
	// ErrValidation is a row key or category name that violates naming rules.
	ErrValidation = errs.Class("validation")
	// ErrDuplicate covers duplicate headers, duplicate rows and duplicate templates.
	ErrDuplicate = errs.Class("duplicate")
	// ErrUnknownID references a nonexistent template, row or column.
	ErrUnknownID = errs.Class("unknown id")
	// ErrNotPermitted is a well formed request refused by lifecycle state.
	ErrNotPermitted = errs.Class("operation not permitted")
	// ErrCapacity is raised when a template would exceed its row ceiling.
	ErrCapacity = errs.Class("capacity")
)

// ColumnError names categories or row keys rejected by validation.
type ColumnError struct {
	Reason string
	Names  []string
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Names, ", "))
}

// NewColumnError returns a validation-class ColumnError.
func NewColumnError(reason string, names ...string) error {
	return ErrValidation.Wrap(&ColumnError{Reason: reason, Names: sortedCopy(names)})
}

// DuplicateHeaderError lists category names that collide case-insensitively.
type DuplicateHeaderError struct {
	Headers []string
}

func (e *DuplicateHeaderError) Error() string {
	return "duplicated headers found: " + strings.Join(e.Headers, ", ")
}

// NewDuplicateHeaderError returns a duplicate-class DuplicateHeaderError.
func NewDuplicateHeaderError(headers ...string) error {
	return ErrDuplicate.Wrap(&DuplicateHeaderError{Headers: sortedCopy(headers)})
}

// DuplicateSamplesError lists row keys present more than once.
type DuplicateSamplesError struct {
	Keys []string
}

func (e *DuplicateSamplesError) Error() string {
	return "duplicated samples found: " + strings.Join(e.Keys, ", ")
}

// NewDuplicateSamplesError returns a duplicate-class DuplicateSamplesError.
func NewDuplicateSamplesError(keys ...string) error {
	return ErrDuplicate.Wrap(&DuplicateSamplesError{Keys: sortedCopy(keys)})
}

// UnknownIDError names what was looked up and the ids that were missing.
type UnknownIDError struct {
	What string
	IDs  []string
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("%s does not exist: %s", e.What, strings.Join(e.IDs, ", "))
}

// NewUnknownIDError returns an unknown-id-class UnknownIDError.
func NewUnknownIDError(what string, ids ...string) error {
	return ErrUnknownID.Wrap(&UnknownIDError{What: what, IDs: sortedCopy(ids)})
}

// UnknownTemplate reports a missing template.
func UnknownTemplate(ref TemplateRef) error {
	return NewUnknownIDError(string(ref.Kind)+" template", fmt.Sprint(ref.ID))
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

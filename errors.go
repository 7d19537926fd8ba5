package quarry

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrNotFound               = errors.New("record not found")
	ErrNoPrimaryKey           = errors.New("no primary key defined")
	ErrMetadataNotFound       = errors.New("entity metadata not found")
	ErrColumnNotFound         = errors.New("column not found")
	ErrUnsupportedOperator    = errors.New("unsupported query operator")
	ErrSoftDeleteNotSupported = errors.New("soft delete not supported")
)

// Error provides detailed error information for a failed operation.
// Validation errors carry the entity whose schema was violated, which for
// nested relation loads is the relation target, not the root entity.
type Error struct {
	Op       string // Operation that failed
	Entity   string // Entity type involved
	Table    string // Table involved
	Column   string // Column name (if applicable)
	Operator string // Query operator (if applicable)
	Err      error  // Underlying error
}

func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("quarry: %s", e.Op))

	if e.Entity != "" {
		parts = append(parts, fmt.Sprintf("entity=%s", e.Entity))
	}

	if e.Table != "" {
		parts = append(parts, fmt.Sprintf("table=%s", e.Table))
	}

	if e.Column != "" {
		parts = append(parts, fmt.Sprintf("column=%s", e.Column))
	}

	if e.Operator != "" {
		parts = append(parts, fmt.Sprintf("operator=%s", e.Operator))
	}

	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for Error type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return errors.Is(e.Err, target)
	}

	if t.Op != "" && e.Op == t.Op {
		return true
	}

	return errors.Is(e.Err, t.Err)
}

func metadataNotFound(op, entity string) error {
	return &Error{Op: op, Entity: entity, Err: ErrMetadataNotFound}
}

func columnNotFound(op, column, entity string) error {
	return &Error{Op: op, Entity: entity, Column: column, Err: ErrColumnNotFound}
}

func unsupportedOperator(op, operator string) error {
	return &Error{Op: op, Operator: operator, Err: ErrUnsupportedOperator}
}

func softDeleteNotSupported(op, entity string) error {
	return &Error{Op: op, Entity: entity, Err: ErrSoftDeleteNotSupported}
}

// IsNotFound checks whether an error stems from a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks whether an error is a schema validation failure
// (unknown column, unsupported operator, or missing metadata).
func IsValidation(err error) bool {
	return errors.Is(err, ErrColumnNotFound) ||
		errors.Is(err, ErrUnsupportedOperator) ||
		errors.Is(err, ErrMetadataNotFound)
}

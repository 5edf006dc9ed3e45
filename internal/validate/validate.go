// Package validate provides input validation shared by the control plane.
package validate

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Rule names reported in validation errors.
const (
	RuleAbsolute = "absolute"
	RuleRequired = "required"
	RuleName     = "name"
	RuleProtect  = "protected"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Error is returned when caller input is rejected before any state changes.
type Error struct {
	Field string
	Rule  string
	Msg   string
}

func (e *Error) Error() string {
	return e.Msg
}

// IsValidation reports whether err is (or wraps) a validation error.
func IsValidation(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

// AbsolutePath rejects empty and relative paths.
func AbsolutePath(field, path string) error {
	if strings.TrimSpace(path) == "" {
		return &Error{Field: field, Rule: RuleRequired, Msg: fmt.Sprintf("%s is required", field)}
	}
	if !filepath.IsAbs(path) {
		return &Error{
			Field: field,
			Rule:  RuleAbsolute,
			Msg:   fmt.Sprintf("%s must be an absolute path: %q", field, path),
		}
	}
	return nil
}

// Required rejects blank values.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &Error{Field: field, Rule: RuleRequired, Msg: fmt.Sprintf("%s is required", field)}
	}
	return nil
}

// Name checks a worktree name against [A-Za-z0-9_-]+.
func Name(field, name string) error {
	if !namePattern.MatchString(name) {
		return &Error{
			Field: field,
			Rule:  RuleName,
			Msg:   fmt.Sprintf("%s %q may only contain letters, digits, '-' and '_'", field, name),
		}
	}
	return nil
}

// Protected rejects an operation on a resource that can never be changed.
func Protected(field, msg string) error {
	return &Error{Field: field, Rule: RuleProtect, Msg: msg}
}

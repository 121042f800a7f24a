package model

import (
	"errors"
	"fmt"
)

// ParseError represents a document that could not be read as XML
type ParseError struct {
	Source  string
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Source != "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Source, e.Message, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (%v)", e.Message, e.Cause)
	}
	if e.Source != "" {
		return fmt.Sprintf("[%s] %s", e.Source, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError creates a new parse error
func NewParseError(source, message string, cause error) *ParseError {
	return &ParseError{
		Source:  source,
		Message: message,
		Cause:   cause,
	}
}

// RuleIndexErrorKind classifies rule index failures
type RuleIndexErrorKind string

const (
	RuleIndexMissing   RuleIndexErrorKind = "missing"
	RuleIndexMalformed RuleIndexErrorKind = "malformed"
	RuleIndexStructure RuleIndexErrorKind = "structure"
)

// RuleIndexError represents a rule index that cannot be used
type RuleIndexError struct {
	Kind    RuleIndexErrorKind
	Path    string
	Message string
	Cause   error
}

func (e *RuleIndexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rules index %q: %s (%v)", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("rules index %q: %s", e.Path, e.Message)
}

func (e *RuleIndexError) Unwrap() error {
	return e.Cause
}

// NewRuleIndexError creates a new rule index error
func NewRuleIndexError(kind RuleIndexErrorKind, path, message string, cause error) *RuleIndexError {
	return &RuleIndexError{
		Kind:    kind,
		Path:    path,
		Message: message,
		Cause:   cause,
	}
}

// IsRuleIndexMissing reports whether err is a rule index that does not exist
func IsRuleIndexMissing(err error) bool {
	var rerr *RuleIndexError
	return errors.As(err, &rerr) && rerr.Kind == RuleIndexMissing
}

// RepairError represents a failure while applying fixes
type RepairError struct {
	Step    string
	Message string
	Cause   error
}

func (e *RepairError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("repair failed [%s]: %s (%v)", e.Step, e.Message, e.Cause)
	}
	return fmt.Sprintf("repair failed [%s]: %s", e.Step, e.Message)
}

func (e *RepairError) Unwrap() error {
	return e.Cause
}

// NewRepairError creates a new repair error
func NewRepairError(step, message string, cause error) *RepairError {
	return &RepairError{
		Step:    step,
		Message: message,
		Cause:   cause,
	}
}

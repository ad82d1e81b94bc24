package core

import (
	"errors"
	"fmt"
)

// BusinessRuleViolation is an aggregate-level rule failure. It carries the
// rule name and enough context to explain the denial; the core never retries
// these.
type BusinessRuleViolation struct {
	Rule    string
	Context map[string]any
}

func (e *BusinessRuleViolation) Error() string {
	return fmt.Sprintf("business rule violation: %s", e.Rule)
}

// NewBusinessRuleViolation builds a violation with optional context pairs.
func NewBusinessRuleViolation(rule string, ctx map[string]any) *BusinessRuleViolation {
	if ctx == nil {
		ctx = map[string]any{}
	}
	return &BusinessRuleViolation{Rule: rule, Context: ctx}
}

// ConcurrencyConflict is returned when a command's expected version does not
// match the aggregate's current version. Callers re-read and retry.
type ConcurrencyConflict struct {
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict: expected version %d, actual %d", e.Expected, e.Actual)
}

// RaceConditionError signals that a file-state transition observed around an
// operation is inconsistent with the operation itself. Transient; retryable.
type RaceConditionError struct {
	Path   string
	Op     string
	Detail string
}

func (e *RaceConditionError) Error() string {
	return fmt.Sprintf("race condition on %s during %s: %s", e.Path, e.Op, e.Detail)
}

// AuthError is an authentication failure: bad response, expired or unknown
// session.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// PermissionError is an authorization failure for a specific (agent, path,
// op) triple.
type PermissionError struct {
	Agent string
	Path  string
	Op    string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: agent %s, op %s on %s", e.Agent, e.Op, e.Path)
}

// RateLimitError reports an exceeded operation cap. Scope names the limiter
// (dispatcher, vfs:<op>, agent ops).
type RateLimitError struct {
	Scope string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s", e.Scope)
}

// IsRetryable reports whether the error class is transient. Only race
// conditions and rate limits qualify; rule violations and auth failures are
// final.
func IsRetryable(err error) bool {
	var race *RaceConditionError
	if errors.As(err, &race) {
		return true
	}
	var rate *RateLimitError
	return errors.As(err, &rate)
}

// AsBusinessRuleViolation unwraps err to a BusinessRuleViolation if it is one.
func AsBusinessRuleViolation(err error) (*BusinessRuleViolation, bool) {
	var brv *BusinessRuleViolation
	if errors.As(err, &brv) {
		return brv, true
	}
	return nil, false
}

// AsConcurrencyConflict unwraps err to a ConcurrencyConflict if it is one.
func AsConcurrencyConflict(err error) (*ConcurrencyConflict, bool) {
	var cc *ConcurrencyConflict
	if errors.As(err, &cc) {
		return cc, true
	}
	return nil, false
}

package handlers

import "fmt"

// ValidationError blocks an action before it reaches the store (empty
// platform set, past schedule time, missing images).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// QuotaExceededError is raised before any generation attempt begins. It maps
// to HTTP 402 with an upgrade prompt; it never silently degrades.
type QuotaExceededError struct {
	Used  int
	Quota int
	Tier  string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("image quota exceeded: used %d of %d on the %s tier", e.Used, e.Quota, e.Tier)
}

package batch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSignature marks filter or order arguments that have no stable
	// comparable form. The affected group degrades to per-parent queries.
	ErrSignature = errors.New("batch signature unavailable")
	// ErrPlanningDefect marks a plan that would need more identity-keyed
	// predicates than allowed.
	ErrPlanningDefect = errors.New("batch planning defect")
	// ErrStore marks a failed store query.
	ErrStore = errors.New("batch store query failed")
	// ErrIntegrity marks rows that cannot be routed to a planned parent.
	ErrIntegrity = errors.New("batch result integrity violation")
)

// SignatureError reports why a request could not be given a signature.
type SignatureError struct {
	Relation string
	Alias    string
	Err      error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s: %s (alias %s): %v", ErrSignature, e.Relation, e.Alias, e.Err)
}

func (e *SignatureError) Unwrap() []error { return []error{ErrSignature, e.Err} }

// PlanningDefect names the relation and aliases whose reconciliation would
// exceed the identity predicate bound.
type PlanningDefect struct {
	Relation string
	Aliases  []string
	Keys     int
	Limit    int
}

func (e *PlanningDefect) Error() string {
	return fmt.Sprintf("%s: relation %s (aliases %s) needs %d identity-keyed predicates, limit is %d",
		ErrPlanningDefect, e.Relation, strings.Join(e.Aliases, ", "), e.Keys, e.Limit)
}

func (e *PlanningDefect) Unwrap() error { return ErrPlanningDefect }

// StoreError wraps a store failure for one signature group.
type StoreError struct {
	Signature Signature
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStore, e.Signature.Relation, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// IntegrityError reports a returned row that matches no planned parent, or
// collides with another row under the same composite key.
type IntegrityError struct {
	Signature Signature
	Key       CompositeRowKey
	Reason    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %s: %s (parent %q, key %q)", ErrIntegrity, e.Signature.Relation, e.Reason, e.Key.Parent, e.Key.Local)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

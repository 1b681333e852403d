package planner

import (
	"errors"
	"fmt"

	"github.com/sproutplan/sproutplan/internal/store"
)

// ValidationError reports input the planner refuses: bad quantities, unknown
// items, dates out of range or out of order.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ConsistencyError reports stored data that breaks the occurrence model,
// e.g. a gap in a subscription's step indices or an occurrence whose
// subscription row is missing.
type ConsistencyError struct {
	SubscriptionID string
	Msg            string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("subscription %s inconsistent: %s", e.SubscriptionID, e.Msg)
}

// ConflictError reports a request that no longer matches what is stored,
// e.g. reverting a change whose rows were edited since.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Msg
}

// NotFoundError reports a missing customer, item, order or subscription.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func inconsistent(subscriptionID, format string, args ...any) error {
	return &ConsistencyError{SubscriptionID: subscriptionID, Msg: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConsistency reports whether err is or wraps a ConsistencyError.
func IsConsistency(err error) bool {
	var c *ConsistencyError
	return errors.As(err, &c)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// translate maps store sentinels onto planner errors so callers only deal
// with one vocabulary.
func translate(err error, kind, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Kind: kind, ID: id}
	case errors.Is(err, store.ErrInUse):
		return &ValidationError{Field: kind, Msg: "still referenced by orders or subscriptions"}
	case errors.Is(err, store.ErrConflict):
		return &ValidationError{Field: kind, Msg: err.Error()}
	}
	return err
}

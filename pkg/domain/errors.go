package domain

import "fmt"

// ErrNotFound is returned when a referenced record is absent. It is fatal for
// the event that referenced it; no retry is scheduled by the core.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// PublishError reports an event-bus emission failure. The state change that
// produced the event is already committed; recovery is an external
// reconciliation sweep or manual replay, never an unwind.
type PublishError struct {
	DetailType string
	Err        error
}

func (e PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.DetailType, e.Err)
}

func (e PublishError) Unwrap() error { return e.Err }

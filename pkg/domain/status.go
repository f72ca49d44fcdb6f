package domain

import (
	"fmt"
	"strings"
)

// SequenceStatus is the canonical run status vocabulary. Convention: status
// values are stored upper-case.
type SequenceStatus string

// Canonical sequence run statuses.
const (
	StatusStarted   SequenceStatus = "STARTED"
	StatusSucceeded SequenceStatus = "SUCCEEDED"
	StatusFailed    SequenceStatus = "FAILED"
	StatusAborted   SequenceStatus = "ABORTED"
	// StatusResolved marks a failed run manually resolved by an operator.
	StatusResolved SequenceStatus = "RESOLVED"
)

// IsTerminal reports whether the status ends the run lifecycle
// (SUCCEEDED, FAILED or ABORTED).
func (s SequenceStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// UnmappedStatusError is returned when a vendor status string has no canonical
// mapping. The event carrying it is skipped, not retried blindly.
type UnmappedStatusError struct {
	Value string
}

func (e UnmappedStatusError) Error() string {
	return fmt.Sprintf("no matching sequence status for value %q", e.Value)
}

// vendorStatuses maps observed vendor run-status vocabulary (lower-cased) to
// canonical statuses. Values come from observed instrument run events; the
// vendor vocabulary is wider than what is supported here.
var vendorStatuses = map[string]SequenceStatus{
	"uploading":       StatusStarted,
	"running":         StatusStarted,
	"new":             StatusStarted,
	"complete":        StatusSucceeded,
	"analyzing":       StatusSucceeded,
	"pendinganalysis": StatusSucceeded,
	"failed":          StatusFailed,
	"needsattention":  StatusFailed,
	"timedout":        StatusFailed,
	"failedupload":    StatusFailed,
	"stopped":         StatusAborted,
}

// MapVendorStatus maps a vendor-specific run-status string to the canonical
// vocabulary. The lookup is case-insensitive. Unrecognized values yield an
// UnmappedStatusError instead of panicking deep inside call chains.
func MapVendorStatus(value string) (SequenceStatus, error) {
	if status, ok := vendorStatuses[strings.ToLower(value)]; ok {
		return status, nil
	}
	return "", UnmappedStatusError{Value: value}
}

// ParseSequenceStatus validates an already-canonical status string.
func ParseSequenceStatus(value string) (SequenceStatus, error) {
	switch SequenceStatus(value) {
	case StatusStarted, StatusSucceeded, StatusFailed, StatusAborted, StatusResolved:
		return SequenceStatus(value), nil
	}
	return "", UnmappedStatusError{Value: value}
}

// Package domain defines the persistent entities, value types, and rule
// evaluation primitives used by seqruncore.
package domain

import (
	"time"

	"seqruncore/pkg/samplesheet"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntitySequence identifies a sequencing-run record (the aggregate root).
	EntitySequence EntityType = "sequence"
	// EntitySampleSheet identifies an immutable sample sheet version record.
	EntitySampleSheet EntityType = "sample_sheet"
	// EntityLibraryAssociation identifies a sequence-to-library link record.
	EntityLibraryAssociation EntityType = "library_association"
	// EntityComment identifies a free-text comment record.
	EntityComment EntityType = "comment"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// AssociationStatus marks a library association as active or retired.
type AssociationStatus string

// Library association statuses. Convention: stored upper-case.
const (
	AssociationActive   AssociationStatus = "ACTIVE"
	AssociationInactive AssociationStatus = "INACTIVE"
)

// CommentTargetKind discriminates the polymorphic comment reference.
type CommentTargetKind string

// Comment target kinds.
const (
	CommentTargetSequence    CommentTargetKind = "sequence"
	CommentTargetSampleSheet CommentTargetKind = "sample_sheet"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sequence represents one sequencing-instrument run tracked by the system.
// A sequence either carries the vendor-origin triple (V1Pre3ID, ICAProjectID,
// APIURL) populated from an instrument event, or is a ghost record created
// directly through the API and identified solely by its run identifiers.
type Sequence struct {
	Base
	// SequenceRunID is the externally supplied run identifier, unique across sequences.
	SequenceRunID string `json:"sequence_run_id"`
	// InstrumentRunID groups sequences originating from the same instrument run.
	InstrumentRunID string `json:"instrument_run_id,omitempty"`
	// SampleSheetName is the denormalized name of the sheet driving library linking.
	SampleSheetName string `json:"sample_sheet_name,omitempty"`

	// Status is nil for ghost records that have not seen a lifecycle event yet.
	Status    *SequenceStatus `json:"status,omitempty"`
	StartTime *time.Time      `json:"start_time,omitempty"`
	EndTime   *time.Time      `json:"end_time,omitempty"`

	// Vendor-origin fields, nil for ghost records.
	V1Pre3ID     *string `json:"v1pre3_id,omitempty"`
	ICAProjectID *string `json:"ica_project_id,omitempty"`
	APIURL       *string `json:"api_url,omitempty"`

	RunVolumeName string `json:"run_volume_name,omitempty"`
	RunFolderPath string `json:"run_folder_path,omitempty"`
	RunDataURI    string `json:"run_data_uri,omitempty"`

	ReagentBarcode  string `json:"reagent_barcode,omitempty"`
	FlowcellBarcode string `json:"flowcell_barcode,omitempty"`
	SequenceRunName string `json:"sequence_run_name,omitempty"`
	ExperimentName  string `json:"experiment_name,omitempty"`
}

// IsGhost reports whether the sequence was created without vendor-origin data.
func (s Sequence) IsGhost() bool {
	return s.V1Pre3ID == nil && s.ICAProjectID == nil && s.APIURL == nil
}

// SampleSheet is one immutable version of a sample sheet attached to a
// sequence. Revisions are new records; content is never mutated in place, so
// ordering AssociationTimestamp descending yields current state.
type SampleSheet struct {
	Base
	SequenceID string `json:"sequence_id"`
	Name       string `json:"name"`
	// Content is the parsed structured representation.
	Content samplesheet.Document `json:"content"`
	// ContentOriginal preserves the raw source text for checksum verification.
	ContentOriginal      string    `json:"content_original"`
	AssociationTimestamp time.Time `json:"association_timestamp"`
}

// Checksum returns the SHA-256 digest of the canonicalized structured content
// together with its algorithm tag. The digest is computed on demand, never stored.
func (s SampleSheet) Checksum() (digest, algorithm string) {
	return s.Content.Checksum(), samplesheet.ChecksumAlgorithm
}

// LibraryAssociation links one library identifier to a sequence. The active
// set for a sequence always equals the most recently derived library-id set;
// convergence replaces the whole set in one transaction.
type LibraryAssociation struct {
	Base
	SequenceID      string            `json:"sequence_id"`
	LibraryID       string            `json:"library_id"`
	AssociationDate time.Time         `json:"association_date"`
	Status          AssociationStatus `json:"status"`
}

// CommentTarget is a tagged reference to the commented entity. Lookups
// dispatch on Kind; the ID is opaque to the comment itself.
type CommentTarget struct {
	Kind CommentTargetKind `json:"kind"`
	ID   string            `json:"id"`
}

// Comment is a free-text note attached to a sequence or a sample sheet.
// Deletion is soft: the record is retained with IsDeleted set.
type Comment struct {
	Base
	Target    CommentTarget `json:"target"`
	Text      string        `json:"text"`
	CreatedBy string        `json:"created_by"`
	IsDeleted bool          `json:"is_deleted"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in the audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}

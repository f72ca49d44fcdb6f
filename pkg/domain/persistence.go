package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Sequence-row upsert, sample-sheet
// existence checks and association replacement all run inside one transaction
// so concurrent handlers for the same run serialize at the storage layer.
type Transaction interface {
	Snapshot() TransactionView

	CreateSequence(Sequence) (Sequence, error)
	UpdateSequence(id string, mutator func(*Sequence) error) (Sequence, error)
	FindSequence(id string) (Sequence, bool)
	FindSequenceByRunID(sequenceRunID string) (Sequence, bool)

	CreateSampleSheet(SampleSheet) (SampleSheet, error)
	ListSampleSheets(sequenceID string) []SampleSheet
	// LatestSampleSheet returns the newest sheet by association timestamp for
	// the given sequence and sheet name.
	LatestSampleSheet(sequenceID, name string) (SampleSheet, bool)

	CreateLibraryAssociation(LibraryAssociation) (LibraryAssociation, error)
	// DeleteLibraryAssociations removes every association for the sequence and
	// returns how many were removed.
	DeleteLibraryAssociations(sequenceID string) (int, error)
	ListLibraryAssociations(sequenceID string) []LibraryAssociation

	CreateComment(Comment) (Comment, error)
	UpdateComment(id string, mutator func(*Comment) error) (Comment, error)
	FindComment(id string) (Comment, bool)
	ListComments(target CommentTarget) []Comment
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	ListSequences() []Sequence
	FindSequence(id string) (Sequence, bool)
	FindSequenceByRunID(sequenceRunID string) (Sequence, bool)
	ListSampleSheets(sequenceID string) []SampleSheet
	ListLibraryAssociations(sequenceID string) []LibraryAssociation
	ListComments(target CommentTarget) []Comment
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetSequence(id string) (Sequence, bool)
	GetSequenceByRunID(sequenceRunID string) (Sequence, bool)
	ListSequences() []Sequence
	ListSampleSheets(sequenceID string) []SampleSheet
	ListLibraryAssociations(sequenceID string) []LibraryAssociation
	ListComments(target CommentTarget) []Comment
}

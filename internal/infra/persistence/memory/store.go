// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"seqruncore/pkg/domain"
	"seqruncore/pkg/samplesheet"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Sequence aliases domain.Sequence for in-memory persistence operations.
	Sequence = domain.Sequence
	// SampleSheet aliases domain.SampleSheet.
	SampleSheet = domain.SampleSheet
	// LibraryAssociation aliases domain.LibraryAssociation.
	LibraryAssociation = domain.LibraryAssociation
	// Comment aliases domain.Comment.
	Comment = domain.Comment
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
)

// ID prefixes follow the record-type convention of the external run manager.
const (
	idPrefixSequence    = "seq"
	idPrefixSampleSheet = "sht"
	idPrefixAssociation = "lba"
	idPrefixComment     = "cmt"
)

type memoryState struct {
	sequences    map[string]Sequence
	sheets       map[string]SampleSheet
	associations map[string]LibraryAssociation
	comments     map[string]Comment
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Sequences    map[string]Sequence           `json:"sequences"`
	SampleSheets map[string]SampleSheet        `json:"sample_sheets"`
	Associations map[string]LibraryAssociation `json:"associations"`
	Comments     map[string]Comment            `json:"comments"`
}

func newMemoryState() memoryState {
	return memoryState{
		sequences:    make(map[string]Sequence),
		sheets:       make(map[string]SampleSheet),
		associations: make(map[string]LibraryAssociation),
		comments:     make(map[string]Comment),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Sequences:    make(map[string]Sequence, len(state.sequences)),
		SampleSheets: make(map[string]SampleSheet, len(state.sheets)),
		Associations: make(map[string]LibraryAssociation, len(state.associations)),
		Comments:     make(map[string]Comment, len(state.comments)),
	}
	for k, v := range state.sequences {
		s.Sequences[k] = cloneSequence(v)
	}
	for k, v := range state.sheets {
		s.SampleSheets[k] = cloneSampleSheet(v)
	}
	for k, v := range state.associations {
		s.Associations[k] = cloneAssociation(v)
	}
	for k, v := range state.comments {
		s.Comments[k] = cloneComment(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Sequences {
		state.sequences[k] = cloneSequence(v)
	}
	for k, v := range s.SampleSheets {
		state.sheets[k] = cloneSampleSheet(v)
	}
	for k, v := range s.Associations {
		state.associations[k] = cloneAssociation(v)
	}
	for k, v := range s.Comments {
		state.comments[k] = cloneComment(v)
	}
	return state
}

// migrateSnapshot repairs snapshots restored from durable backends: nil
// buckets become empty maps and child records whose parent sequence vanished
// are dropped.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Sequences == nil {
		snapshot.Sequences = map[string]Sequence{}
	}
	if snapshot.SampleSheets == nil {
		snapshot.SampleSheets = map[string]SampleSheet{}
	}
	if snapshot.Associations == nil {
		snapshot.Associations = map[string]LibraryAssociation{}
	}
	if snapshot.Comments == nil {
		snapshot.Comments = map[string]Comment{}
	}

	sequenceExists := func(id string) bool {
		_, ok := snapshot.Sequences[id]
		return ok
	}
	sheetExists := func(id string) bool {
		_, ok := snapshot.SampleSheets[id]
		return ok
	}

	for id, sheet := range snapshot.SampleSheets {
		if sheet.SequenceID == "" || !sequenceExists(sheet.SequenceID) {
			delete(snapshot.SampleSheets, id)
		}
	}
	for id, assoc := range snapshot.Associations {
		if assoc.SequenceID == "" || !sequenceExists(assoc.SequenceID) {
			delete(snapshot.Associations, id)
		}
	}
	for id, comment := range snapshot.Comments {
		switch comment.Target.Kind {
		case domain.CommentTargetSequence:
			if !sequenceExists(comment.Target.ID) {
				delete(snapshot.Comments, id)
			}
		case domain.CommentTargetSampleSheet:
			if !sheetExists(comment.Target.ID) {
				delete(snapshot.Comments, id)
			}
		default:
			delete(snapshot.Comments, id)
		}
	}
	return snapshot
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.sequences {
		cloned.sequences[k] = cloneSequence(v)
	}
	for k, v := range s.sheets {
		cloned.sheets[k] = cloneSampleSheet(v)
	}
	for k, v := range s.associations {
		cloned.associations[k] = cloneAssociation(v)
	}
	for k, v := range s.comments {
		cloned.comments[k] = cloneComment(v)
	}
	return cloned
}

func cloneSequence(seq Sequence) Sequence {
	cp := seq
	cp.Status = clonePtr(seq.Status)
	cp.StartTime = clonePtr(seq.StartTime)
	cp.EndTime = clonePtr(seq.EndTime)
	cp.V1Pre3ID = clonePtr(seq.V1Pre3ID)
	cp.ICAProjectID = clonePtr(seq.ICAProjectID)
	cp.APIURL = clonePtr(seq.APIURL)
	return cp
}

func cloneSampleSheet(sheet SampleSheet) SampleSheet {
	cp := sheet
	cp.Content.Header = cloneStringMap(sheet.Content.Header)
	cp.Content.Reads = cloneStringMap(sheet.Content.Reads)
	cp.Content.BCLConvertSettings = cloneStringMap(sheet.Content.BCLConvertSettings)
	cp.Content.BCLConvertData = cloneRows(sheet.Content.BCLConvertData)
	if sheet.Content.Extra != nil {
		cp.Content.Extra = make(map[string]samplesheet.Section, len(sheet.Content.Extra))
		for name, section := range sheet.Content.Extra {
			cp.Content.Extra[name] = samplesheet.Section{
				Settings: cloneStringMap(section.Settings),
				Rows:     cloneRows(section.Rows),
			}
		}
	}
	return cp
}

func cloneRows(rows []samplesheet.Row) []samplesheet.Row {
	if rows == nil {
		return nil
	}
	out := make([]samplesheet.Row, len(rows))
	for i, row := range rows {
		out[i] = samplesheet.Row(cloneStringMap(row))
	}
	return out
}

func cloneAssociation(a LibraryAssociation) LibraryAssociation { return a }
func cloneComment(c Comment) Comment                           { return c }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store provides an in-memory transactional store for the reconciliation domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func newID(prefix string) string {
	return prefix + "." + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the time provider; tests use it to pin timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListSequences returns all sequences within the transaction snapshot.
func (v transactionView) ListSequences() []Sequence {
	out := make([]Sequence, 0, len(v.state.sequences))
	for _, seq := range v.state.sequences {
		out = append(out, cloneSequence(seq))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindSequence retrieves a sequence by ID from the snapshot.
func (v transactionView) FindSequence(id string) (Sequence, bool) {
	seq, ok := v.state.sequences[id]
	if !ok {
		return Sequence{}, false
	}
	return cloneSequence(seq), true
}

// FindSequenceByRunID retrieves a sequence by its external run identifier.
func (v transactionView) FindSequenceByRunID(runID string) (Sequence, bool) {
	return findByRunID(*v.state, runID)
}

// ListSampleSheets returns the sheets attached to a sequence, newest first.
func (v transactionView) ListSampleSheets(sequenceID string) []SampleSheet {
	return listSheets(*v.state, sequenceID)
}

// ListLibraryAssociations returns the associations for a sequence.
func (v transactionView) ListLibraryAssociations(sequenceID string) []LibraryAssociation {
	return listAssociations(*v.state, sequenceID)
}

// ListComments returns the comments attached to a target, oldest first.
func (v transactionView) ListComments(target domain.CommentTarget) []Comment {
	return listComments(*v.state, target)
}

func findByRunID(state memoryState, runID string) (Sequence, bool) {
	if runID == "" {
		return Sequence{}, false
	}
	for _, seq := range state.sequences {
		if seq.SequenceRunID == runID {
			return cloneSequence(seq), true
		}
	}
	return Sequence{}, false
}

func listSheets(state memoryState, sequenceID string) []SampleSheet {
	var out []SampleSheet
	for _, sheet := range state.sheets {
		if sheet.SequenceID == sequenceID {
			out = append(out, cloneSampleSheet(sheet))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssociationTimestamp.Equal(out[j].AssociationTimestamp) {
			return out[i].AssociationTimestamp.After(out[j].AssociationTimestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func listAssociations(state memoryState, sequenceID string) []LibraryAssociation {
	var out []LibraryAssociation
	for _, assoc := range state.associations {
		if assoc.SequenceID == sequenceID {
			out = append(out, cloneAssociation(assoc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func listComments(state memoryState, target domain.CommentTarget) []Comment {
	var out []Comment
	for _, c := range state.comments {
		if c.Target == target {
			out = append(out, cloneComment(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The store mutex serializes concurrent handlers, so the sequence-row upsert,
// sheet-existence check and association replace of one invocation are atomic
// with respect to a duplicate delivery racing it.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateSequence stores a new sequence within the transaction. The external
// run identifier is a unique business key.
func (tx *transaction) CreateSequence(seq Sequence) (Sequence, error) {
	if seq.SequenceRunID == "" {
		return Sequence{}, fmt.Errorf("sequence run id required")
	}
	if _, exists := findByRunID(tx.state, seq.SequenceRunID); exists {
		return Sequence{}, fmt.Errorf("sequence run %q already exists", seq.SequenceRunID)
	}
	if seq.ID == "" {
		seq.ID = newID(idPrefixSequence)
	}
	if _, exists := tx.state.sequences[seq.ID]; exists {
		return Sequence{}, fmt.Errorf("sequence %q already exists", seq.ID)
	}
	seq.CreatedAt = tx.now
	seq.UpdatedAt = tx.now
	tx.state.sequences[seq.ID] = cloneSequence(seq)
	tx.recordChange(Change{Entity: domain.EntitySequence, Action: domain.ActionCreate, After: cloneSequence(seq)})
	return cloneSequence(seq), nil
}

// UpdateSequence mutates a sequence in place via the supplied mutator.
func (tx *transaction) UpdateSequence(id string, mutator func(*Sequence) error) (Sequence, error) {
	existing, ok := tx.state.sequences[id]
	if !ok {
		return Sequence{}, domain.ErrNotFound{Entity: domain.EntitySequence, ID: id}
	}
	before := cloneSequence(existing)
	updated := cloneSequence(existing)
	if mutator != nil {
		if err := mutator(&updated); err != nil {
			return Sequence{}, err
		}
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = tx.now
	tx.state.sequences[id] = cloneSequence(updated)
	tx.recordChange(Change{Entity: domain.EntitySequence, Action: domain.ActionUpdate, Before: before, After: cloneSequence(updated)})
	return cloneSequence(updated), nil
}

// FindSequence exposes sequence lookup within the transaction scope.
func (tx *transaction) FindSequence(id string) (Sequence, bool) {
	seq, ok := tx.state.sequences[id]
	if !ok {
		return Sequence{}, false
	}
	return cloneSequence(seq), true
}

// FindSequenceByRunID exposes business-key lookup within the transaction scope.
func (tx *transaction) FindSequenceByRunID(runID string) (Sequence, bool) {
	return findByRunID(tx.state, runID)
}

// CreateSampleSheet stores a new immutable sample sheet version.
func (tx *transaction) CreateSampleSheet(sheet SampleSheet) (SampleSheet, error) {
	if _, ok := tx.state.sequences[sheet.SequenceID]; !ok {
		return SampleSheet{}, domain.ErrNotFound{Entity: domain.EntitySequence, ID: sheet.SequenceID}
	}
	if sheet.Name == "" {
		return SampleSheet{}, fmt.Errorf("sample sheet name required")
	}
	if sheet.ID == "" {
		sheet.ID = newID(idPrefixSampleSheet)
	}
	if _, exists := tx.state.sheets[sheet.ID]; exists {
		return SampleSheet{}, fmt.Errorf("sample sheet %q already exists", sheet.ID)
	}
	if sheet.AssociationTimestamp.IsZero() {
		sheet.AssociationTimestamp = tx.now
	}
	sheet.CreatedAt = tx.now
	sheet.UpdatedAt = tx.now
	tx.state.sheets[sheet.ID] = cloneSampleSheet(sheet)
	tx.recordChange(Change{Entity: domain.EntitySampleSheet, Action: domain.ActionCreate, After: cloneSampleSheet(sheet)})
	return cloneSampleSheet(sheet), nil
}

// ListSampleSheets returns the sheets for a sequence, newest first.
func (tx *transaction) ListSampleSheets(sequenceID string) []SampleSheet {
	return listSheets(tx.state, sequenceID)
}

// LatestSampleSheet returns the newest sheet by association timestamp for the
// given sequence and sheet name.
func (tx *transaction) LatestSampleSheet(sequenceID, name string) (SampleSheet, bool) {
	for _, sheet := range listSheets(tx.state, sequenceID) {
		if sheet.Name == name {
			return sheet, true
		}
	}
	return SampleSheet{}, false
}

// CreateLibraryAssociation stores one sequence-to-library link.
func (tx *transaction) CreateLibraryAssociation(assoc LibraryAssociation) (LibraryAssociation, error) {
	if _, ok := tx.state.sequences[assoc.SequenceID]; !ok {
		return LibraryAssociation{}, domain.ErrNotFound{Entity: domain.EntitySequence, ID: assoc.SequenceID}
	}
	if assoc.LibraryID == "" {
		return LibraryAssociation{}, fmt.Errorf("library id required")
	}
	if assoc.ID == "" {
		assoc.ID = newID(idPrefixAssociation)
	}
	if _, exists := tx.state.associations[assoc.ID]; exists {
		return LibraryAssociation{}, fmt.Errorf("library association %q already exists", assoc.ID)
	}
	if assoc.Status == "" {
		assoc.Status = domain.AssociationActive
	}
	if assoc.AssociationDate.IsZero() {
		assoc.AssociationDate = tx.now
	}
	assoc.CreatedAt = tx.now
	assoc.UpdatedAt = tx.now
	tx.state.associations[assoc.ID] = assoc
	tx.recordChange(Change{Entity: domain.EntityLibraryAssociation, Action: domain.ActionCreate, After: assoc})
	return assoc, nil
}

// DeleteLibraryAssociations removes every association for the sequence.
func (tx *transaction) DeleteLibraryAssociations(sequenceID string) (int, error) {
	removed := 0
	for id, assoc := range tx.state.associations {
		if assoc.SequenceID != sequenceID {
			continue
		}
		delete(tx.state.associations, id)
		tx.recordChange(Change{Entity: domain.EntityLibraryAssociation, Action: domain.ActionDelete, Before: assoc})
		removed++
	}
	return removed, nil
}

// ListLibraryAssociations returns the associations for a sequence.
func (tx *transaction) ListLibraryAssociations(sequenceID string) []LibraryAssociation {
	return listAssociations(tx.state, sequenceID)
}

// CreateComment stores a comment against a sequence or sample sheet target.
func (tx *transaction) CreateComment(comment Comment) (Comment, error) {
	switch comment.Target.Kind {
	case domain.CommentTargetSequence:
		if _, ok := tx.state.sequences[comment.Target.ID]; !ok {
			return Comment{}, domain.ErrNotFound{Entity: domain.EntitySequence, ID: comment.Target.ID}
		}
	case domain.CommentTargetSampleSheet:
		if _, ok := tx.state.sheets[comment.Target.ID]; !ok {
			return Comment{}, domain.ErrNotFound{Entity: domain.EntitySampleSheet, ID: comment.Target.ID}
		}
	default:
		return Comment{}, fmt.Errorf("unknown comment target kind %q", comment.Target.Kind)
	}
	if comment.ID == "" {
		comment.ID = newID(idPrefixComment)
	}
	if _, exists := tx.state.comments[comment.ID]; exists {
		return Comment{}, fmt.Errorf("comment %q already exists", comment.ID)
	}
	comment.CreatedAt = tx.now
	comment.UpdatedAt = tx.now
	tx.state.comments[comment.ID] = comment
	tx.recordChange(Change{Entity: domain.EntityComment, Action: domain.ActionCreate, After: comment})
	return comment, nil
}

// UpdateComment mutates a comment via the supplied mutator. Soft deletion is
// an update that flips IsDeleted; the record is retained.
func (tx *transaction) UpdateComment(id string, mutator func(*Comment) error) (Comment, error) {
	existing, ok := tx.state.comments[id]
	if !ok {
		return Comment{}, domain.ErrNotFound{Entity: domain.EntityComment, ID: id}
	}
	before := existing
	updated := existing
	if mutator != nil {
		if err := mutator(&updated); err != nil {
			return Comment{}, err
		}
	}
	updated.ID = existing.ID
	updated.Target = existing.Target
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = tx.now
	tx.state.comments[id] = updated
	tx.recordChange(Change{Entity: domain.EntityComment, Action: domain.ActionUpdate, Before: before, After: updated})
	return updated, nil
}

// FindComment exposes comment lookup within the transaction scope.
func (tx *transaction) FindComment(id string) (Comment, bool) {
	c, ok := tx.state.comments[id]
	if !ok {
		return Comment{}, false
	}
	return c, true
}

// ListComments returns comments for a target, oldest first.
func (tx *transaction) ListComments(target domain.CommentTarget) []Comment {
	return listComments(tx.state, target)
}

// GetSequence returns a sequence by internal id.
func (s *Store) GetSequence(id string) (Sequence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.state.sequences[id]
	if !ok {
		return Sequence{}, false
	}
	return cloneSequence(seq), true
}

// GetSequenceByRunID returns a sequence by its external run identifier.
func (s *Store) GetSequenceByRunID(runID string) (Sequence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByRunID(s.state, runID)
}

// ListSequences returns all sequences ordered by internal id.
func (s *Store) ListSequences() []Sequence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sequence, 0, len(s.state.sequences))
	for _, seq := range s.state.sequences {
		out = append(out, cloneSequence(seq))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListSampleSheets returns the sheets for a sequence, newest first.
func (s *Store) ListSampleSheets(sequenceID string) []SampleSheet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSheets(s.state, sequenceID)
}

// ListLibraryAssociations returns the associations for a sequence.
func (s *Store) ListLibraryAssociations(sequenceID string) []LibraryAssociation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAssociations(s.state, sequenceID)
}

// ListComments returns the comments for a target, oldest first.
func (s *Store) ListComments(target domain.CommentTarget) []Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listComments(s.state, target)
}

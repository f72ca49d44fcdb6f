package core

import (
	"context"
	"time"

	"seqruncore/internal/events"
	"seqruncore/pkg/domain"
)

// RunFileFetcher retrieves run files from the vendor API. Implementations
// authenticate out of band; the core only supplies the run API URL.
type RunFileFetcher interface {
	FetchFile(ctx context.Context, apiURL, name string) ([]byte, error)
	ListFiles(ctx context.Context, apiURL string) ([]string, error)
}

// SheetArchive stores raw sample sheet text keyed by content checksum. A nil
// archive disables archiving.
type SheetArchive interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Service exposes the reconciliation operations over a persistent store.
type Service struct {
	store     PersistentStore
	logger    Logger
	metrics   MetricsRecorder
	publisher *events.Publisher
	fetcher   RunFileFetcher
	archive   SheetArchive
	nowFn     func() time.Time
}

// Option customizes service construction.
type Option func(*Service)

// WithLogger attaches a logger. Nil loggers are ignored.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder attaches a metrics recorder. Nil recorders are ignored.
func WithMetricsRecorder(metrics MetricsRecorder) Option {
	return func(s *Service) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithPublisher attaches an event publisher. A nil publisher drops events.
func WithPublisher(publisher *events.Publisher) Option {
	return func(s *Service) { s.publisher = publisher }
}

// WithRunFileFetcher attaches the remote run-file collaborator used for
// fetch-based sample sheet ingestion.
func WithRunFileFetcher(fetcher RunFileFetcher) Option {
	return func(s *Service) { s.fetcher = fetcher }
}

// WithSheetArchive attaches the raw sample sheet archive.
func WithSheetArchive(archive SheetArchive) Option {
	return func(s *Service) { s.archive = archive }
}

// WithNowFunc overrides the service clock; tests use it to pin timestamps.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  noopLogger{},
		metrics: noopMetricsRecorder{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// observe reports one operation outcome to the metrics recorder.
func (s *Service) observe(ctx context.Context, operation string, start time.Time, err error) {
	s.metrics.Observe(ctx, operation, err == nil, time.Since(start))
}

// GetSequence returns a sequence by internal id.
func (s *Service) GetSequence(_ context.Context, id string) (Sequence, error) {
	seq, ok := s.store.GetSequence(id)
	if !ok {
		return Sequence{}, ErrNotFound{Entity: domain.EntitySequence, ID: id}
	}
	return seq, nil
}

// GetSequenceByRunID returns a sequence by its external run identifier.
func (s *Service) GetSequenceByRunID(_ context.Context, runID string) (Sequence, error) {
	seq, ok := s.store.GetSequenceByRunID(runID)
	if !ok {
		return Sequence{}, ErrNotFound{Entity: domain.EntitySequence, ID: runID}
	}
	return seq, nil
}

// ListSequences returns every tracked sequence.
func (s *Service) ListSequences(context.Context) []Sequence {
	return s.store.ListSequences()
}

// ListSampleSheets returns all sample sheet versions of a sequence, newest first.
func (s *Service) ListSampleSheets(_ context.Context, sequenceID string) []SampleSheet {
	return s.store.ListSampleSheets(sequenceID)
}

// Libraries returns the active linked library ids of a sequence in stable order.
func (s *Service) Libraries(_ context.Context, sequenceID string) []string {
	assocs := s.store.ListLibraryAssociations(sequenceID)
	ids := make([]string, 0, len(assocs))
	for _, assoc := range assocs {
		if assoc.Status == domain.AssociationActive {
			ids = append(ids, assoc.LibraryID)
		}
	}
	return ids
}

// AddComment attaches a free-text comment to a sequence or sample sheet.
func (s *Service) AddComment(ctx context.Context, comment Comment) (Comment, error) {
	start := s.nowFn()
	var created Comment
	_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.CreateComment(comment)
		return err
	})
	s.observe(ctx, "add_comment", start, err)
	return created, err
}

// UpdateCommentText replaces the text of an existing comment.
func (s *Service) UpdateCommentText(ctx context.Context, id, text string) (Comment, error) {
	start := s.nowFn()
	var updated Comment
	_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		updated, err = tx.UpdateComment(id, func(c *Comment) error {
			c.Text = text
			return nil
		})
		return err
	})
	s.observe(ctx, "update_comment", start, err)
	return updated, err
}

// DeleteComment soft-deletes a comment; the record is retained.
func (s *Service) DeleteComment(ctx context.Context, id string) error {
	start := s.nowFn()
	_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		_, err := tx.UpdateComment(id, func(c *Comment) error {
			c.IsDeleted = true
			return nil
		})
		return err
	})
	s.observe(ctx, "delete_comment", start, err)
	return err
}

// ListComments returns the non-deleted comments attached to a target.
func (s *Service) ListComments(_ context.Context, target domain.CommentTarget) []Comment {
	all := s.store.ListComments(target)
	out := make([]Comment, 0, len(all))
	for _, c := range all {
		if !c.IsDeleted {
			out = append(out, c)
		}
	}
	return out
}

package core

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"seqruncore/internal/events"
	"seqruncore/pkg/domain"
	"seqruncore/pkg/samplesheet"
)

// ghostRunIDPrefix marks placeholder run identifiers generated for sheets
// that arrive before any lifecycle event for their run.
const ghostRunIDPrefix = "ghost."

// SheetSource locates the sample sheet content: either the deprecated inline
// base64-gzip shape or a remote-fetch descriptor resolved through the run
// file fetcher. Exactly one of the two must be set.
type SheetSource struct {
	InlineBase64Gz string
	APIURL         string
}

// CommentInput is an optional annotation attached to a freshly ingested sheet.
type CommentInput struct {
	Text      string
	CreatedBy string
}

// IngestRequest describes one sample sheet to ingest.
type IngestRequest struct {
	// SequenceRunID may be empty; the run is then resolved by instrument run
	// id or created as a ghost placeholder.
	SequenceRunID   string
	InstrumentRunID string
	SheetName       string
	Source          SheetSource
	Comment         *CommentInput

	// skipNameUpdate leaves the run's denormalized active sheet name alone.
	// Batch ingestion sets it so discovered variants never displace the name
	// the vendor reported for the run.
	skipNameUpdate bool
}

// SampleSheetChange reports a successful ingestion that stored a new sheet
// version. A nil change means the content matched the stored version.
type SampleSheetChange struct {
	Sequence          Sequence
	Sheet             SampleSheet
	Checksum          string
	ChecksumAlgorithm string
	SequenceCreated   bool
}

// IngestSampleSheet resolves, parses and stores one sample sheet. Content
// identical to the latest stored version of the same name is a no-op and
// returns (nil, nil). New content becomes a new immutable SampleSheet record;
// stored records are never mutated.
func (s *Service) IngestSampleSheet(ctx context.Context, req IngestRequest) (*SampleSheetChange, error) {
	start := s.nowFn()
	change, err := s.ingestSampleSheet(ctx, req)
	s.observe(ctx, "ingest_sample_sheet", start, err)
	if err != nil {
		return nil, err
	}
	if change != nil {
		s.archiveSheet(ctx, change)
		s.publishSampleSheetChange(ctx, change)
	}
	return change, nil
}

func (s *Service) ingestSampleSheet(ctx context.Context, req IngestRequest) (*SampleSheetChange, error) {
	if req.SheetName == "" {
		return nil, fmt.Errorf("sheet name required")
	}
	raw, err := s.resolveSheetContent(ctx, req)
	if err != nil {
		return nil, err
	}
	doc, err := samplesheet.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", req.SheetName, err)
	}

	var change *SampleSheetChange
	_, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		change = nil
		seq, created, err := s.getOrCreateSequence(tx, req)
		if err != nil {
			return err
		}

		if latest, ok := tx.LatestSampleSheet(seq.ID, req.SheetName); ok {
			if latest.Content.Equal(doc) {
				s.logger.Debug("sample sheet content unchanged",
					"sequence_run_id", seq.SequenceRunID, "sheet_name", req.SheetName)
				return nil
			}
		}

		sheet, err := tx.CreateSampleSheet(SampleSheet{
			SequenceID:      seq.ID,
			Name:            req.SheetName,
			Content:         doc,
			ContentOriginal: string(raw),
		})
		if err != nil {
			return err
		}

		if !req.skipNameUpdate && seq.SampleSheetName != req.SheetName {
			seq, err = tx.UpdateSequence(seq.ID, func(sq *Sequence) error {
				sq.SampleSheetName = req.SheetName
				return nil
			})
			if err != nil {
				return err
			}
		}

		if req.Comment != nil && req.Comment.Text != "" {
			if _, err := tx.CreateComment(Comment{
				Target:    domain.CommentTarget{Kind: domain.CommentTargetSampleSheet, ID: sheet.ID},
				Text:      req.Comment.Text,
				CreatedBy: req.Comment.CreatedBy,
			}); err != nil {
				return err
			}
		}

		digest, algorithm := sheet.Checksum()
		change = &SampleSheetChange{
			Sequence:          seq,
			Sheet:             sheet,
			Checksum:          digest,
			ChecksumAlgorithm: algorithm,
			SequenceCreated:   created,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// getOrCreateSequence resolves the target run: by run id first, then by
// instrument run id, finally creating a ghost placeholder identified by a
// generated run id. Ghost records carry no vendor-origin triple.
func (s *Service) getOrCreateSequence(tx Transaction, req IngestRequest) (Sequence, bool, error) {
	if req.SequenceRunID != "" {
		if seq, ok := tx.FindSequenceByRunID(req.SequenceRunID); ok {
			return seq, false, nil
		}
		created, err := tx.CreateSequence(Sequence{
			SequenceRunID:   req.SequenceRunID,
			InstrumentRunID: req.InstrumentRunID,
		})
		return created, true, err
	}
	if req.InstrumentRunID != "" {
		for _, seq := range tx.Snapshot().ListSequences() {
			if seq.InstrumentRunID == req.InstrumentRunID {
				return seq, false, nil
			}
		}
	}
	created, err := tx.CreateSequence(Sequence{
		SequenceRunID:   ghostRunIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""),
		InstrumentRunID: req.InstrumentRunID,
	})
	if err != nil {
		return Sequence{}, false, err
	}
	s.logger.Info("created ghost sequence for early sample sheet",
		"sequence_run_id", created.SequenceRunID, "instrument_run_id", req.InstrumentRunID)
	return created, true, nil
}

func (s *Service) resolveSheetContent(ctx context.Context, req IngestRequest) ([]byte, error) {
	switch {
	case req.Source.InlineBase64Gz != "":
		raw, err := DecodeBase64Gzip(req.Source.InlineBase64Gz)
		if err != nil {
			return nil, fmt.Errorf("decode inline sheet %s: %w", req.SheetName, err)
		}
		return raw, nil
	case req.Source.APIURL != "":
		if s.fetcher == nil {
			return nil, fmt.Errorf("no run file fetcher configured for %s", req.SheetName)
		}
		raw, err := s.fetcher.FetchFile(ctx, req.Source.APIURL, req.SheetName)
		if err != nil {
			return nil, err
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("sheet source missing for %s", req.SheetName)
	}
}

// DecodeBase64Gzip decodes the deprecated inline sheet content shape.
func DecodeBase64Gzip(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer func() { _ = zr.Close() }()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return raw, nil
}

// EncodeBase64Gzip is the inverse helper kept for compatibility with inline
// content producers.
func EncodeBase64Gzip(raw []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *Service) archiveSheet(ctx context.Context, change *SampleSheetChange) {
	if s.archive == nil {
		return
	}
	key := change.ChecksumAlgorithm + "/" + change.Checksum
	if err := s.archive.Put(ctx, key, []byte(change.Sheet.ContentOriginal)); err != nil {
		s.logger.Error("sample sheet archive write failed",
			"sheet_name", change.Sheet.Name, "key", key, "error", err)
	}
}

// publishSampleSheetChange emits the post-commit sheet change event using the
// canonical apiUrl+checksum shape. Ghost placeholder runs are reported with a
// null sequenceRunId; a real run id is always carried, even when the run
// record was created by this call.
func (s *Service) publishSampleSheetChange(ctx context.Context, change *SampleSheetChange) {
	if s.publisher == nil {
		return
	}
	detail := events.SequenceRunSampleSheetChange{
		InstrumentRunID:   change.Sequence.InstrumentRunID,
		TimeStamp:         change.Sheet.AssociationTimestamp.UTC().Format(time.RFC3339),
		SampleSheetName:   change.Sheet.Name,
		Checksum:          change.Checksum,
		ChecksumAlgorithm: change.ChecksumAlgorithm,
	}
	if change.Sequence.APIURL != nil {
		detail.APIURL = *change.Sequence.APIURL
	}
	if !strings.HasPrefix(change.Sequence.SequenceRunID, ghostRunIDPrefix) {
		runID := change.Sequence.SequenceRunID
		detail.SequenceRunID = &runID
	}
	if err := s.publisher.PublishSampleSheetChange(ctx, detail); err != nil {
		s.logger.Error("sample sheet change event emission failed",
			"sheet_name", change.Sheet.Name, "error", err)
	}
}

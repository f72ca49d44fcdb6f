package core

import (
	"context"
	"sort"
	"time"

	"seqruncore/internal/events"
	"seqruncore/pkg/domain"
)

// LibraryLinkingChange reports a converged library set.
type LibraryLinkingChange struct {
	Sequence        Sequence
	LinkedLibraries []string
	AssociationDate time.Time
}

// ConvergeLibraries makes the active association set of a sequence exactly
// equal the desired library-id set. Convergence is full-replace: all existing
// associations are deleted and the desired set is re-inserted sharing one
// association date. An empty desired set is a skip, not a wipe; runs whose
// sheet temporarily parses to nothing must not lose their linkage. Equal sets
// are a no-op and return (nil, nil).
func (s *Service) ConvergeLibraries(ctx context.Context, sequenceID string, desired []string) (*LibraryLinkingChange, error) {
	start := s.nowFn()
	change, err := s.convergeLibraries(ctx, sequenceID, desired)
	s.observe(ctx, "converge_libraries", start, err)
	if err != nil {
		return nil, err
	}
	if change != nil {
		s.publishLibraryLinking(ctx, change)
	}
	return change, nil
}

func (s *Service) convergeLibraries(ctx context.Context, sequenceID string, desired []string) (*LibraryLinkingChange, error) {
	desired = dedupe(desired)
	if len(desired) == 0 {
		s.logger.Debug("library convergence skipped for empty desired set", "sequence_id", sequenceID)
		return nil, nil
	}

	var change *LibraryLinkingChange
	_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		change = nil
		seq, ok := tx.FindSequence(sequenceID)
		if !ok {
			return ErrNotFound{Entity: domain.EntitySequence, ID: sequenceID}
		}

		current := activeLibraryIDs(tx.ListLibraryAssociations(seq.ID))
		if sameSet(current, desired) {
			return nil
		}

		if _, err := tx.DeleteLibraryAssociations(seq.ID); err != nil {
			return err
		}
		var date time.Time
		for _, libraryID := range desired {
			assoc, err := tx.CreateLibraryAssociation(LibraryAssociation{
				SequenceID: seq.ID,
				LibraryID:  libraryID,
				Status:     domain.AssociationActive,
			})
			if err != nil {
				return err
			}
			date = assoc.AssociationDate
		}

		linked := append([]string(nil), desired...)
		sort.Strings(linked)
		change = &LibraryLinkingChange{
			Sequence:        seq,
			LinkedLibraries: linked,
			AssociationDate: date,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

func activeLibraryIDs(assocs []LibraryAssociation) []string {
	ids := make([]string, 0, len(assocs))
	for _, assoc := range assocs {
		if assoc.Status == domain.AssociationActive {
			ids = append(ids, assoc.LibraryID)
		}
	}
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func (s *Service) publishLibraryLinking(ctx context.Context, change *LibraryLinkingChange) {
	if s.publisher == nil {
		return
	}
	detail := events.SequenceRunLibraryLinkingChange{
		InstrumentRunID: change.Sequence.InstrumentRunID,
		SequenceRunID:   change.Sequence.SequenceRunID,
		TimeStamp:       change.AssociationDate.UTC(),
		LinkedLibraries: change.LinkedLibraries,
	}
	if err := s.publisher.PublishLibraryLinking(ctx, detail); err != nil {
		s.logger.Error("library linking event emission failed",
			"sequence_run_id", change.Sequence.SequenceRunID, "error", err)
	}
}

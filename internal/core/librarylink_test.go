package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"seqruncore/internal/events"
	"seqruncore/pkg/domain"
)

func TestConvergeCreatesActiveSetWithSharedDate(t *testing.T) {
	svc, bus := newTestService(t)
	seq := seedSequence(t, svc, "r.LINK")

	change, err := svc.ConvergeLibraries(context.Background(), seq.ID, []string{"L2400001", "L2400002", "L2400003"})
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if change == nil || len(change.LinkedLibraries) != 3 {
		t.Fatalf("unexpected change: %+v", change)
	}

	assocs := svc.Store().ListLibraryAssociations(seq.ID)
	if len(assocs) != 3 {
		t.Fatalf("expected 3 associations, got %d", len(assocs))
	}
	for _, assoc := range assocs {
		if assoc.Status != domain.AssociationActive {
			t.Fatalf("association not ACTIVE: %+v", assoc)
		}
		if !assoc.AssociationDate.Equal(assocs[0].AssociationDate) {
			t.Fatalf("association dates must be shared: %v vs %v", assoc.AssociationDate, assocs[0].AssociationDate)
		}
	}

	emitted := bus.byType(events.DetailTypeLibraryLinking)
	if len(emitted) != 1 {
		t.Fatalf("expected one linking event, got %d", len(emitted))
	}
	var detail events.SequenceRunLibraryLinkingChange
	if err := json.Unmarshal([]byte(emitted[0].Detail), &detail); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if detail.SequenceRunID != seq.SequenceRunID || len(detail.LinkedLibraries) != 3 {
		t.Fatalf("event payload mismatch: %+v", detail)
	}
}

func TestConvergeEqualSetIsNoOp(t *testing.T) {
	svc, bus := newTestService(t)
	seq := seedSequence(t, svc, "r.EQ")

	if _, err := svc.ConvergeLibraries(context.Background(), seq.ID, []string{"L1", "L2"}); err != nil {
		t.Fatalf("seed converge: %v", err)
	}
	before := svc.Store().ListLibraryAssociations(seq.ID)

	// Order and duplicates must not matter for set equality.
	change, err := svc.ConvergeLibraries(context.Background(), seq.ID, []string{"L2", "L1", "L2"})
	if err != nil {
		t.Fatalf("re-converge: %v", err)
	}
	if change != nil {
		t.Fatalf("equal set must be a no-op, got %+v", change)
	}

	after := svc.Store().ListLibraryAssociations(seq.ID)
	if len(after) != len(before) || after[0].ID != before[0].ID {
		t.Fatalf("no-op converge must not touch rows")
	}
	if got := len(bus.byType(events.DetailTypeLibraryLinking)); got != 1 {
		t.Fatalf("no-op converge must not emit, got %d events", got)
	}
}

func TestConvergeReplacesWholeSet(t *testing.T) {
	svc, _ := newTestService(t)
	seq := seedSequence(t, svc, "r.REPL")

	if _, err := svc.ConvergeLibraries(context.Background(), seq.ID, []string{"L1", "L2"}); err != nil {
		t.Fatalf("seed converge: %v", err)
	}
	change, err := svc.ConvergeLibraries(context.Background(), seq.ID, []string{"L2", "L3"})
	if err != nil {
		t.Fatalf("replace converge: %v", err)
	}
	if change == nil {
		t.Fatalf("different set must converge")
	}

	got := svc.Libraries(context.Background(), seq.ID)
	if len(got) != 2 {
		t.Fatalf("expected 2 libraries, got %v", got)
	}
	for _, id := range got {
		if id == "L1" {
			t.Fatalf("retired library survived convergence: %v", got)
		}
	}
}

func TestConvergeEmptyDesiredSetSkips(t *testing.T) {
	svc, _ := newTestService(t)
	seq := seedSequence(t, svc, "r.EMPTY")

	if _, err := svc.ConvergeLibraries(context.Background(), seq.ID, []string{"L1"}); err != nil {
		t.Fatalf("seed converge: %v", err)
	}

	// Asymmetry: an empty desired set skips instead of wiping the linkage.
	change, err := svc.ConvergeLibraries(context.Background(), seq.ID, nil)
	if err != nil {
		t.Fatalf("empty converge: %v", err)
	}
	if change != nil {
		t.Fatalf("empty desired set must skip")
	}
	if got := svc.Libraries(context.Background(), seq.ID); len(got) != 1 {
		t.Fatalf("existing linkage wiped: %v", got)
	}
}

func TestConvergeUnknownSequence(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ConvergeLibraries(context.Background(), "seq.missing", []string{"L1"})
	var notFound ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

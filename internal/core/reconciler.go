package core

import (
	"context"
	"fmt"
	"time"

	"seqruncore/internal/events"
	"seqruncore/pkg/domain"
)

// RunStatePayload is one inbound lifecycle observation for a run. Only the
// run identifier is required; everything else is applied when present.
type RunStatePayload struct {
	SequenceRunID   string
	InstrumentRunID string
	// VendorStatus is the raw vendor vocabulary, mapped before comparison.
	// Empty means the payload carries no status observation.
	VendorStatus string

	StartTime *time.Time
	EndTime   *time.Time

	SampleSheetName string
	RunVolumeName   string
	RunFolderPath   string
	RunDataURI      string

	V1Pre3ID     *string
	ICAProjectID *string
	APIURL       *string

	ReagentBarcode  string
	FlowcellBarcode string
	SequenceRunName string
	ExperimentName  string
}

// ChangeFlags describes what a reconciliation call actually changed.
type ChangeFlags struct {
	Created       bool
	StatusChanged bool
	StateChanged  bool
}

// Any reports whether the call changed anything at all.
func (c ChangeFlags) Any() bool {
	return c.Created || c.StatusChanged || c.StateChanged
}

// ReconcileRunState upserts the sequence identified by the payload's run id
// and computes whether its status or tracked state actually changed.
// Duplicate deliveries of an identical payload yield all-false flags and
// leave the stored record untouched. A stored terminal status is never
// downgraded by a non-terminal observation; the downgrade is logged as an
// anomaly and discarded. A conflicting terminal status wins last-writer but
// is also logged as an anomaly.
func (s *Service) ReconcileRunState(ctx context.Context, payload RunStatePayload) (Sequence, ChangeFlags, error) {
	start := s.nowFn()
	seq, flags, err := s.reconcileRunState(ctx, payload)
	s.observe(ctx, "reconcile_run_state", start, err)
	if err != nil {
		return Sequence{}, ChangeFlags{}, err
	}
	if flags.StatusChanged || flags.Created {
		s.publishStateChange(ctx, seq)
	}
	return seq, flags, nil
}

func (s *Service) reconcileRunState(ctx context.Context, payload RunStatePayload) (Sequence, ChangeFlags, error) {
	if payload.SequenceRunID == "" {
		return Sequence{}, ChangeFlags{}, fmt.Errorf("sequence run id required")
	}

	var status *domain.SequenceStatus
	if payload.VendorStatus != "" {
		mapped, err := domain.MapVendorStatus(payload.VendorStatus)
		if err != nil {
			// Replayed events may already carry canonical vocabulary.
			if parsed, perr := domain.ParseSequenceStatus(payload.VendorStatus); perr == nil {
				mapped, err = parsed, nil
			}
		}
		if err != nil {
			s.logger.Warn("skipping run state event with unmapped status",
				"sequence_run_id", payload.SequenceRunID, "vendor_status", payload.VendorStatus)
			return Sequence{}, ChangeFlags{}, err
		}
		status = &mapped
	}

	var (
		result Sequence
		flags  ChangeFlags
	)
	_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		existing, ok := tx.FindSequenceByRunID(payload.SequenceRunID)
		if !ok {
			created, err := tx.CreateSequence(newSequenceFromPayload(payload, status))
			if err != nil {
				return err
			}
			result = created
			flags = ChangeFlags{Created: true, StatusChanged: status != nil, StateChanged: true}
			return nil
		}

		statusChanged, nextStatus := s.resolveStatus(existing, status)
		stateChanged := stateDiffers(existing, payload)
		flags = ChangeFlags{StatusChanged: statusChanged, StateChanged: stateChanged}

		if !statusChanged && !stateChanged {
			result = existing
			return nil
		}

		updated, err := tx.UpdateSequence(existing.ID, func(seq *Sequence) error {
			applyPayload(seq, payload)
			seq.Status = nextStatus
			return nil
		})
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return Sequence{}, ChangeFlags{}, err
	}
	return result, flags, nil
}

// resolveStatus decides the stored status after an observation and whether
// that counts as a status change.
func (s *Service) resolveStatus(existing Sequence, incoming *domain.SequenceStatus) (bool, *domain.SequenceStatus) {
	if incoming == nil {
		return false, existing.Status
	}
	if existing.Status == nil {
		return true, incoming
	}
	current := *existing.Status
	next := *incoming
	if current == next {
		return false, existing.Status
	}
	if current.IsTerminal() {
		if !next.IsTerminal() {
			// Out-of-order delivery: a stale non-terminal observation must not
			// regress a settled run.
			s.logger.Warn("discarding terminal status downgrade",
				"sequence_run_id", existing.SequenceRunID, "stored", current, "incoming", next)
			return false, existing.Status
		}
		s.logger.Warn("terminal status overwritten by conflicting terminal status",
			"sequence_run_id", existing.SequenceRunID, "stored", current, "incoming", next)
		return true, incoming
	}
	return true, incoming
}

func newSequenceFromPayload(payload RunStatePayload, status *domain.SequenceStatus) Sequence {
	seq := Sequence{SequenceRunID: payload.SequenceRunID}
	applyPayload(&seq, payload)
	seq.Status = status
	return seq
}

// applyPayload copies the tracked non-status fields onto the record. Pointer
// fields only overwrite when the payload carries a value, so partial payloads
// never erase vendor-origin data.
func applyPayload(seq *Sequence, payload RunStatePayload) {
	setIfNonEmpty(&seq.InstrumentRunID, payload.InstrumentRunID)
	setIfNonEmpty(&seq.SampleSheetName, payload.SampleSheetName)
	setIfNonEmpty(&seq.RunVolumeName, payload.RunVolumeName)
	setIfNonEmpty(&seq.RunFolderPath, payload.RunFolderPath)
	setIfNonEmpty(&seq.RunDataURI, payload.RunDataURI)
	setIfNonEmpty(&seq.ReagentBarcode, payload.ReagentBarcode)
	setIfNonEmpty(&seq.FlowcellBarcode, payload.FlowcellBarcode)
	setIfNonEmpty(&seq.SequenceRunName, payload.SequenceRunName)
	setIfNonEmpty(&seq.ExperimentName, payload.ExperimentName)
	if payload.StartTime != nil {
		seq.StartTime = payload.StartTime
	}
	if payload.EndTime != nil {
		seq.EndTime = payload.EndTime
	}
	if payload.V1Pre3ID != nil {
		seq.V1Pre3ID = payload.V1Pre3ID
	}
	if payload.ICAProjectID != nil {
		seq.ICAProjectID = payload.ICAProjectID
	}
	if payload.APIURL != nil {
		seq.APIURL = payload.APIURL
	}
}

func setIfNonEmpty(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// stateDiffers compares every tracked non-status field against the payload,
// ignoring fields the payload does not carry.
func stateDiffers(seq Sequence, payload RunStatePayload) bool {
	stringDiff := func(current, incoming string) bool {
		return incoming != "" && incoming != current
	}
	timeDiff := func(current, incoming *time.Time) bool {
		if incoming == nil {
			return false
		}
		return current == nil || !current.Equal(*incoming)
	}
	ptrDiff := func(current, incoming *string) bool {
		if incoming == nil {
			return false
		}
		return current == nil || *current != *incoming
	}
	return stringDiff(seq.InstrumentRunID, payload.InstrumentRunID) ||
		stringDiff(seq.SampleSheetName, payload.SampleSheetName) ||
		stringDiff(seq.RunVolumeName, payload.RunVolumeName) ||
		stringDiff(seq.RunFolderPath, payload.RunFolderPath) ||
		stringDiff(seq.RunDataURI, payload.RunDataURI) ||
		stringDiff(seq.ReagentBarcode, payload.ReagentBarcode) ||
		stringDiff(seq.FlowcellBarcode, payload.FlowcellBarcode) ||
		stringDiff(seq.SequenceRunName, payload.SequenceRunName) ||
		stringDiff(seq.ExperimentName, payload.ExperimentName) ||
		timeDiff(seq.StartTime, payload.StartTime) ||
		timeDiff(seq.EndTime, payload.EndTime) ||
		ptrDiff(seq.V1Pre3ID, payload.V1Pre3ID) ||
		ptrDiff(seq.ICAProjectID, payload.ICAProjectID) ||
		ptrDiff(seq.APIURL, payload.APIURL)
}

// publishStateChange emits the post-commit state change event. Emission
// failures are logged and swallowed; the committed state is authoritative and
// downstream recovery is a replay, never an unwind.
func (s *Service) publishStateChange(ctx context.Context, seq Sequence) {
	if s.publisher == nil {
		return
	}
	detail := events.SequenceRunStateChange{
		ID:              seq.SequenceRunID,
		InstrumentRunID: seq.InstrumentRunID,
		RunVolumeName:   seq.RunVolumeName,
		RunFolderPath:   seq.RunFolderPath,
		RunDataURI:      seq.RunDataURI,
		SampleSheetName: seq.SampleSheetName,
		EndTime:         seq.EndTime,
	}
	if seq.StartTime != nil {
		detail.StartTime = *seq.StartTime
	}
	if seq.Status != nil {
		detail.Status = string(*seq.Status)
	}
	if err := s.publisher.PublishStateChange(ctx, detail); err != nil {
		s.logger.Error("state change event emission failed",
			"sequence_run_id", seq.SequenceRunID, "error", err)
	}
}

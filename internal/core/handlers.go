package core

import (
	"context"
	"fmt"
	"strings"

	"seqruncore/internal/events"
	"seqruncore/pkg/domain"
)

// HandleEnvelope dispatches one inbound bus envelope to the matching
// operation. Unknown detail types are skipped with a log, not an error, so a
// shared queue can carry foreign events without poisoning redelivery.
func (s *Service) HandleEnvelope(ctx context.Context, env events.Envelope) error {
	switch env.DetailType {
	case events.DetailTypeStateChange:
		var detail events.SequenceRunStateChange
		if err := env.DecodeDetail(&detail); err != nil {
			return err
		}
		return s.HandleRunStateEvent(ctx, detail)
	case events.DetailTypeSampleSheetChange:
		var detail events.SequenceRunSampleSheetChange
		if err := env.DecodeDetail(&detail); err != nil {
			return err
		}
		return s.HandleSampleSheetChangeEvent(ctx, detail)
	case events.DetailTypeLibraryLinking:
		var detail events.SequenceRunLibraryLinkingChange
		if err := env.DecodeDetail(&detail); err != nil {
			return err
		}
		return s.HandleLibraryLinkingEvent(ctx, detail)
	case events.DetailTypeWorkflowRunUpdate:
		var detail map[string]any
		if err := env.DecodeDetail(&detail); err != nil {
			return err
		}
		update, err := ParseWorkflowRunUpdate(detail)
		if err != nil {
			return err
		}
		_, err = s.HandleWorkflowRunUpdate(ctx, update)
		return err
	default:
		s.logger.Debug("ignoring envelope with unknown detail type", "detail_type", env.DetailType)
		return nil
	}
}

// HandleRunStateEvent reconciles a run lifecycle event.
func (s *Service) HandleRunStateEvent(ctx context.Context, detail events.SequenceRunStateChange) error {
	payload := RunStatePayload{
		SequenceRunID:   detail.ID,
		InstrumentRunID: detail.InstrumentRunID,
		VendorStatus:    detail.Status,
		SampleSheetName: detail.SampleSheetName,
		RunVolumeName:   detail.RunVolumeName,
		RunFolderPath:   detail.RunFolderPath,
		RunDataURI:      detail.RunDataURI,
		EndTime:         detail.EndTime,
	}
	if !detail.StartTime.IsZero() {
		start := detail.StartTime
		payload.StartTime = &start
	}
	_, _, err := s.ReconcileRunState(ctx, payload)
	return err
}

// HandleSampleSheetChangeEvent ingests the sheet carried by an SRSSC event
// and converges the run's library linkage to the sheet's sample set.
func (s *Service) HandleSampleSheetChangeEvent(ctx context.Context, detail events.SequenceRunSampleSheetChange) error {
	req := IngestRequest{
		InstrumentRunID: detail.InstrumentRunID,
		SheetName:       detail.SampleSheetName,
	}
	if detail.SequenceRunID != nil {
		req.SequenceRunID = *detail.SequenceRunID
	}
	switch {
	case detail.SamplesheetBase64gz != nil && *detail.SamplesheetBase64gz != "":
		req.Source.InlineBase64Gz = *detail.SamplesheetBase64gz
	case detail.APIURL != "":
		req.Source.APIURL = detail.APIURL
	default:
		return fmt.Errorf("sample sheet event for %s carries no content source", detail.SampleSheetName)
	}
	if detail.Comment != nil && detail.Comment.Comment != "" {
		req.Comment = &CommentInput{Text: detail.Comment.Comment, CreatedBy: detail.Comment.CreatedBy}
	}

	change, err := s.IngestSampleSheet(ctx, req)
	if err != nil {
		return err
	}
	if change != nil {
		_, err = s.ConvergeLibraries(ctx, change.Sequence.ID, change.Sheet.Content.SampleIDs())
		return err
	}

	// Content unchanged. A redelivered event still converges from the stored
	// version so a failed linking attempt on the first delivery is retried.
	seq, ok := s.resolveRun(req.SequenceRunID, req.InstrumentRunID)
	if !ok {
		return nil
	}
	return s.convergeFromStoredSheet(ctx, seq.ID, req.SheetName)
}

// convergeFromStoredSheet converges the run's library set from the latest
// stored version of the named sheet. Unknown names are a no-op.
func (s *Service) convergeFromStoredSheet(ctx context.Context, sequenceID, name string) error {
	for _, sheet := range s.store.ListSampleSheets(sequenceID) {
		if sheet.Name == name {
			_, err := s.ConvergeLibraries(ctx, sequenceID, sheet.Content.SampleIDs())
			return err
		}
	}
	return nil
}

// HandleLibraryLinkingEvent converges a run's library set to an externally
// supplied list.
func (s *Service) HandleLibraryLinkingEvent(ctx context.Context, detail events.SequenceRunLibraryLinkingChange) error {
	seq, ok := s.store.GetSequenceByRunID(detail.SequenceRunID)
	if !ok {
		return ErrNotFound{Entity: domain.EntitySequence, ID: detail.SequenceRunID}
	}
	_, err := s.ConvergeLibraries(ctx, seq.ID, detail.LinkedLibraries)
	return err
}

// WorkflowRunUpdate carries the sample sheet checksum claim of a downstream
// workflow, extracted from the workflow event's tag set.
type WorkflowRunUpdate struct {
	InstrumentRunID   string
	SequenceRunID     string
	SampleSheetName   string
	Checksum          string
	ChecksumAlgorithm string
}

// ChecksumReport is the outcome of a workflow-run checksum validation.
type ChecksumReport struct {
	Match          bool
	StoredChecksum string
	Reingested     bool
}

// HandleWorkflowRunUpdate validates that the sheet a downstream workflow
// consumed matches the stored version. On mismatch the sheet is re-ingested
// from the vendor API when the run carries one; otherwise the anomaly is
// only logged.
func (s *Service) HandleWorkflowRunUpdate(ctx context.Context, update WorkflowRunUpdate) (ChecksumReport, error) {
	start := s.nowFn()
	report, err := s.handleWorkflowRunUpdate(ctx, update)
	s.observe(ctx, "workflow_run_update", start, err)
	return report, err
}

func (s *Service) handleWorkflowRunUpdate(ctx context.Context, update WorkflowRunUpdate) (ChecksumReport, error) {
	if update.ChecksumAlgorithm != "" && !strings.EqualFold(update.ChecksumAlgorithm, samplesheetAlgorithm) {
		return ChecksumReport{}, fmt.Errorf("unsupported checksum algorithm %q", update.ChecksumAlgorithm)
	}

	seq, ok := s.resolveRun(update.SequenceRunID, update.InstrumentRunID)
	if !ok {
		return ChecksumReport{}, ErrNotFound{Entity: domain.EntitySequence, ID: update.InstrumentRunID}
	}

	name := update.SampleSheetName
	if name == "" {
		name = seq.SampleSheetName
	}
	var stored string
	for _, sheet := range s.store.ListSampleSheets(seq.ID) {
		if sheet.Name == name {
			stored, _ = sheet.Checksum()
			break
		}
	}
	if stored == update.Checksum && stored != "" {
		return ChecksumReport{Match: true, StoredChecksum: stored}, nil
	}

	s.logger.Warn("workflow sample sheet checksum mismatch",
		"instrument_run_id", update.InstrumentRunID, "sheet_name", name,
		"stored", stored, "claimed", update.Checksum)

	if s.fetcher != nil && seq.APIURL != nil {
		change, err := s.IngestSampleSheet(ctx, IngestRequest{
			SequenceRunID:   seq.SequenceRunID,
			InstrumentRunID: seq.InstrumentRunID,
			SheetName:       name,
			Source:          SheetSource{APIURL: *seq.APIURL},
		})
		if err != nil {
			return ChecksumReport{StoredChecksum: stored}, err
		}
		return ChecksumReport{StoredChecksum: stored, Reingested: change != nil}, nil
	}
	return ChecksumReport{StoredChecksum: stored}, nil
}

func (s *Service) resolveRun(sequenceRunID, instrumentRunID string) (Sequence, bool) {
	if sequenceRunID != "" {
		if seq, ok := s.store.GetSequenceByRunID(sequenceRunID); ok {
			return seq, true
		}
	}
	if instrumentRunID != "" {
		for _, seq := range s.store.ListSequences() {
			if seq.InstrumentRunID == instrumentRunID {
				return seq, true
			}
		}
	}
	return Sequence{}, false
}

// IngestOutcome pairs one sheet name with its ingestion result.
type IngestOutcome struct {
	SheetName string
	Change    *SampleSheetChange
	Err       error
}

// IngestRunSampleSheets lists the run's files through the fetcher and ingests
// every sample sheet found. Sheets are isolated: one bad sheet is reported in
// its outcome without aborting the rest. The run's active sheet name is left
// untouched, and only the sheet carrying that name drives library linkage.
func (s *Service) IngestRunSampleSheets(ctx context.Context, sequenceRunID, apiURL string) ([]IngestOutcome, error) {
	if s.fetcher == nil {
		return nil, fmt.Errorf("no run file fetcher configured")
	}
	names, err := s.fetcher.ListFiles(ctx, apiURL)
	if err != nil {
		return nil, err
	}

	seq, ok := s.store.GetSequenceByRunID(sequenceRunID)
	if !ok {
		return nil, ErrNotFound{Entity: domain.EntitySequence, ID: sequenceRunID}
	}

	var outcomes []IngestOutcome
	for _, name := range names {
		if !IsSampleSheetName(name) {
			continue
		}
		change, err := s.IngestSampleSheet(ctx, IngestRequest{
			SequenceRunID:   seq.SequenceRunID,
			InstrumentRunID: seq.InstrumentRunID,
			SheetName:       name,
			Source:          SheetSource{APIURL: apiURL},
			skipNameUpdate:  true,
		})
		if err != nil {
			s.logger.Error("sample sheet ingestion failed",
				"sequence_run_id", seq.SequenceRunID, "sheet_name", name, "error", err)
		}
		outcomes = append(outcomes, IngestOutcome{SheetName: name, Change: change, Err: err})
	}

	if seq.SampleSheetName != "" {
		if err := s.convergeFromStoredSheet(ctx, seq.ID, seq.SampleSheetName); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

const samplesheetAlgorithm = "sha256"

// IsSampleSheetName reports whether a run file name looks like a sample
// sheet. Vendors emit SampleSheet.csv plus versioned variants.
func IsSampleSheetName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".csv") && strings.Contains(lower, "samplesheet")
}

// ParseWorkflowRunUpdate extracts the checksum claim from a raw workflow
// event detail of the shape {payload: {data: {tags: {...}}, inputs: {...}}}.
func ParseWorkflowRunUpdate(detail map[string]any) (WorkflowRunUpdate, error) {
	payload, _ := detail["payload"].(map[string]any)
	if payload == nil {
		return WorkflowRunUpdate{}, fmt.Errorf("workflow event missing payload")
	}
	data, _ := payload["data"].(map[string]any)
	tags, _ := data["tags"].(map[string]any)
	if tags == nil {
		return WorkflowRunUpdate{}, fmt.Errorf("workflow event missing tags")
	}
	str := func(key string) string {
		v, _ := tags[key].(string)
		return v
	}
	update := WorkflowRunUpdate{
		InstrumentRunID:   str("instrumentRunId"),
		SequenceRunID:     str("sequenceRunId"),
		Checksum:          str("samplesheetChecksum"),
		ChecksumAlgorithm: str("samplesheetChecksumType"),
	}
	if inputs, ok := payload["inputs"].(map[string]any); ok {
		if uri, ok := inputs["sampleSheetUri"].(string); ok {
			update.SampleSheetName = baseName(uri)
		}
	}
	if update.InstrumentRunID == "" && update.SequenceRunID == "" {
		return WorkflowRunUpdate{}, fmt.Errorf("workflow event identifies no run")
	}
	return update, nil
}

func baseName(uri string) string {
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}

package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"seqruncore/internal/events"
	"seqruncore/internal/infra/persistence/memory"
	"seqruncore/pkg/domain"
)

func TestHandleEnvelopeDispatchesRunState(t *testing.T) {
	svc, _ := newTestService(t)

	detail := events.SequenceRunStateChange{
		ID:              "r.ENV",
		InstrumentRunID: "251010_A01052_0123_BH7TVMDSX7",
		RunVolumeName:   "bssh.vol",
		RunFolderPath:   "/Runs/r.ENV",
		RunDataURI:      "gds://vol/Runs/r.ENV",
		SampleSheetName: "SampleSheet.csv",
		StartTime:       time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
		Status:          "Uploading",
	}
	env, err := events.NewEnvelope(events.DetailTypeStateChange, detail)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := svc.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	seq, err := svc.GetSequenceByRunID(context.Background(), "r.ENV")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if seq.Status == nil || *seq.Status != domain.StatusStarted {
		t.Fatalf("uploading must map to STARTED: %+v", seq.Status)
	}
	if seq.StartTime == nil || !seq.StartTime.Equal(detail.StartTime) {
		t.Fatalf("start time not applied: %+v", seq.StartTime)
	}
}

func TestHandleEnvelopeIgnoresForeignDetailTypes(t *testing.T) {
	svc, _ := newTestService(t)
	env := events.Envelope{
		Source:     "orcabus.workflowmanager",
		DetailType: "WorkflowRunStateChange",
		Detail:     json.RawMessage(`{"whatever":true}`),
	}
	if err := svc.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("foreign detail types must be skipped, got %v", err)
	}
}

func TestHandleSampleSheetChangeLinksLibraries(t *testing.T) {
	svc, _ := newTestService(t)
	seq := seedSequence(t, svc, "r.SRSSC")

	encoded, err := EncodeBase64Gzip([]byte(sheetThreeSamples))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	runID := seq.SequenceRunID
	detail := events.SequenceRunSampleSheetChange{
		InstrumentRunID:     seq.InstrumentRunID,
		SequenceRunID:       &runID,
		TimeStamp:           "2025-03-14T09:30:00Z",
		SampleSheetName:     "SampleSheet.csv",
		SamplesheetBase64gz: &encoded,
		Comment:             &events.Comment{Comment: "rerun with new indexes", CreatedBy: "lab"},
	}
	if err := svc.HandleSampleSheetChangeEvent(context.Background(), detail); err != nil {
		t.Fatalf("handle: %v", err)
	}

	libraries := svc.Libraries(context.Background(), seq.ID)
	if len(libraries) != 3 {
		t.Fatalf("expected 3 linked libraries, got %v", libraries)
	}
	sheets := svc.ListSampleSheets(context.Background(), seq.ID)
	if len(sheets) != 1 {
		t.Fatalf("expected 1 sheet, got %d", len(sheets))
	}
	comments := svc.ListComments(context.Background(), domain.CommentTarget{Kind: domain.CommentTargetSampleSheet, ID: sheets[0].ID})
	if len(comments) != 1 || comments[0].CreatedBy != "lab" {
		t.Fatalf("event comment not attached: %+v", comments)
	}
}

func TestHandleSampleSheetChangeEmptyDataSkipsLinking(t *testing.T) {
	svc, _ := newTestService(t)
	seq := seedSequence(t, svc, "r.NODATA")

	encoded, err := EncodeBase64Gzip([]byte(sheetNoData))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	runID := seq.SequenceRunID
	if err := svc.HandleSampleSheetChangeEvent(context.Background(), events.SequenceRunSampleSheetChange{
		InstrumentRunID:     seq.InstrumentRunID,
		SequenceRunID:       &runID,
		TimeStamp:           "2025-03-14T09:30:00Z",
		SampleSheetName:     "SampleSheet.csv",
		SamplesheetBase64gz: &encoded,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := len(svc.ListSampleSheets(context.Background(), seq.ID)); got != 1 {
		t.Fatalf("sheet without data section must still be stored, got %d", got)
	}
	if got := svc.Libraries(context.Background(), seq.ID); len(got) != 0 {
		t.Fatalf("sheet without sample rows must not link libraries: %v", got)
	}
}

func TestHandleLibraryLinkingEvent(t *testing.T) {
	svc, _ := newTestService(t)
	seq := seedSequence(t, svc, "r.SRLLC")

	if err := svc.HandleLibraryLinkingEvent(context.Background(), events.SequenceRunLibraryLinkingChange{
		InstrumentRunID: seq.InstrumentRunID,
		SequenceRunID:   seq.SequenceRunID,
		TimeStamp:       time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
		LinkedLibraries: []string{"L9", "L8"},
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := svc.Libraries(context.Background(), seq.ID); len(got) != 2 {
		t.Fatalf("expected 2 libraries, got %v", got)
	}
}

func TestHandleWorkflowRunUpdateChecksumMatch(t *testing.T) {
	svc, _ := newTestService(t)
	seq := seedSequence(t, svc, "r.WRU")

	change, err := svc.IngestSampleSheet(context.Background(), IngestRequest{
		SequenceRunID: seq.SequenceRunID,
		SheetName:     "SampleSheet.csv",
		Source:        inlineSource(t, sheetThreeSamples),
	})
	if err != nil {
		t.Fatalf("seed sheet: %v", err)
	}

	report, err := svc.HandleWorkflowRunUpdate(context.Background(), WorkflowRunUpdate{
		SequenceRunID:     seq.SequenceRunID,
		SampleSheetName:   "SampleSheet.csv",
		Checksum:          change.Checksum,
		ChecksumAlgorithm: "sha256",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Match || report.StoredChecksum != change.Checksum {
		t.Fatalf("expected checksum match: %+v", report)
	}
}

func TestHandleWorkflowRunUpdateMismatchReingests(t *testing.T) {
	fetcher := &stubFetcher{files: map[string]string{"SampleSheet.csv": sheetThreeSamples}}
	svc, _ := newTestService(t, WithRunFileFetcher(fetcher))
	if _, _, err := svc.ReconcileRunState(context.Background(), startedPayload()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := svc.HandleWorkflowRunUpdate(context.Background(), WorkflowRunUpdate{
		SequenceRunID:   "r.RECON",
		SampleSheetName: "SampleSheet.csv",
		Checksum:        "claimed-but-unknown",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Match {
		t.Fatalf("unknown sheet must not match")
	}
	if !report.Reingested {
		t.Fatalf("mismatch with an API URL must re-ingest")
	}

	seq, err := svc.GetSequenceByRunID(context.Background(), "r.RECON")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got := len(svc.ListSampleSheets(context.Background(), seq.ID)); got != 1 {
		t.Fatalf("re-ingest did not store the sheet, got %d", got)
	}
}

func TestHandleWorkflowRunUpdateRejectsUnknownAlgorithm(t *testing.T) {
	svc, _ := newTestService(t)
	seedSequence(t, svc, "r.ALG")

	_, err := svc.HandleWorkflowRunUpdate(context.Background(), WorkflowRunUpdate{
		SequenceRunID:     "r.ALG",
		Checksum:          "x",
		ChecksumAlgorithm: "md5",
	})
	if err == nil {
		t.Fatalf("md5 claims must be rejected")
	}
}

func TestParseWorkflowRunUpdate(t *testing.T) {
	detail := map[string]any{
		"payload": map[string]any{
			"data": map[string]any{
				"tags": map[string]any{
					"instrumentRunId":         "251010_A01052_0123_BH7TVMDSX7",
					"samplesheetChecksum":     "abc123",
					"samplesheetChecksumType": "sha256",
				},
			},
			"inputs": map[string]any{
				"sampleSheetUri": "icav2://project/251010_A01052_0123_BH7TVMDSX7/SampleSheet.csv",
			},
		},
	}
	update, err := ParseWorkflowRunUpdate(detail)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if update.InstrumentRunID != "251010_A01052_0123_BH7TVMDSX7" || update.Checksum != "abc123" {
		t.Fatalf("tags not extracted: %+v", update)
	}
	if update.SampleSheetName != "SampleSheet.csv" {
		t.Fatalf("sheet name not derived from uri: %+v", update)
	}

	if _, err := ParseWorkflowRunUpdate(map[string]any{}); err == nil {
		t.Fatalf("missing payload must error")
	}
}

// failOnceLinkRule blocks the first library association create it sees and
// passes everything afterwards.
type failOnceLinkRule struct {
	tripped bool
}

func (r *failOnceLinkRule) Name() string { return "reject-first-linking" }

func (r *failOnceLinkRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	if r.tripped {
		return domain.Result{}, nil
	}
	for _, change := range changes {
		if change.Entity == domain.EntityLibraryAssociation && change.Action == domain.ActionCreate {
			r.tripped = true
			return domain.Result{Violations: []domain.Violation{{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  "linking rejected",
				Entity:   domain.EntityLibraryAssociation,
			}}}, nil
		}
	}
	return domain.Result{}, nil
}

func TestHandleSampleSheetChangeRetriesLinkingOnRedelivery(t *testing.T) {
	engine := NewDefaultRulesEngine()
	engine.Register(&failOnceLinkRule{})
	svc := NewService(memory.NewStore(engine))
	seq := seedSequence(t, svc, "r.REDELIVER")

	encoded, err := EncodeBase64Gzip([]byte(sheetThreeSamples))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	runID := seq.SequenceRunID
	detail := events.SequenceRunSampleSheetChange{
		InstrumentRunID:     seq.InstrumentRunID,
		SequenceRunID:       &runID,
		TimeStamp:           "2025-03-14T09:30:00Z",
		SampleSheetName:     "SampleSheet.csv",
		SamplesheetBase64gz: &encoded,
	}

	err = svc.HandleSampleSheetChangeEvent(context.Background(), detail)
	var ruleErr domain.RuleViolationError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("first delivery must fail on blocked linking, got %v", err)
	}
	if got := len(svc.ListSampleSheets(context.Background(), seq.ID)); got != 1 {
		t.Fatalf("sheet must be stored despite failed linking, got %d", got)
	}
	if got := svc.Libraries(context.Background(), seq.ID); len(got) != 0 {
		t.Fatalf("blocked linking left associations: %v", got)
	}

	// Redelivery finds the content unchanged but must still converge.
	if err := svc.HandleSampleSheetChangeEvent(context.Background(), detail); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := svc.Libraries(context.Background(), seq.ID); len(got) != 3 {
		t.Fatalf("redelivery must link libraries from the stored sheet, got %v", got)
	}
	if got := len(svc.ListSampleSheets(context.Background(), seq.ID)); got != 1 {
		t.Fatalf("redelivery must not duplicate the sheet, got %d", got)
	}
}

const sheetSingleSample = `[Header]
FileFormatVersion,2
RunName,Run-1-custom

[Reads]
Read1Cycles,151

[BCLConvert_Data]
Sample_ID,Index
L2400009,GACTGAGTAG
`

func TestIngestRunSampleSheetsKeepsActiveSheetName(t *testing.T) {
	fetcher := &stubFetcher{
		names: []string{"SampleSheet.csv", "SampleSheet_custom.csv"},
		files: map[string]string{
			"SampleSheet.csv":        sheetThreeSamples,
			"SampleSheet_custom.csv": sheetSingleSample,
		},
	}
	svc, _ := newTestService(t, WithRunFileFetcher(fetcher))
	if _, _, err := svc.ReconcileRunState(context.Background(), startedPayload()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	outcomes, err := svc.IngestRunSampleSheets(context.Background(), "r.RECON", "https://api.example.org/v2/runs/r.RECON")
	if err != nil {
		t.Fatalf("ingest run sheets: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}

	seq, err := svc.GetSequenceByRunID(context.Background(), "r.RECON")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if seq.SampleSheetName != "SampleSheet.csv" {
		t.Fatalf("discovered variant displaced the vendor-reported sheet name: %q", seq.SampleSheetName)
	}
	libraries := svc.Libraries(context.Background(), seq.ID)
	if len(libraries) != 3 {
		t.Fatalf("linkage must follow the active sheet, got %v", libraries)
	}
	for _, id := range libraries {
		if id == "L2400009" {
			t.Fatalf("variant sheet samples must not be linked: %v", libraries)
		}
	}
}

func TestHandleEnvelopeDispatchesWorkflowRunUpdate(t *testing.T) {
	fetcher := &stubFetcher{files: map[string]string{"SampleSheet.csv": sheetThreeSamples}}
	svc, _ := newTestService(t, WithRunFileFetcher(fetcher))
	if _, _, err := svc.ReconcileRunState(context.Background(), startedPayload()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	detail := map[string]any{
		"payload": map[string]any{
			"data": map[string]any{
				"tags": map[string]any{
					"sequenceRunId":           "r.RECON",
					"samplesheetChecksum":     "claimed-but-unknown",
					"samplesheetChecksumType": "sha256",
				},
			},
			"inputs": map[string]any{
				"sampleSheetUri": "icav2://project/run/SampleSheet.csv",
			},
		},
	}
	env, err := events.NewEnvelope(events.DetailTypeWorkflowRunUpdate, detail)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := svc.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	seq, err := svc.GetSequenceByRunID(context.Background(), "r.RECON")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got := len(svc.ListSampleSheets(context.Background(), seq.ID)); got != 1 {
		t.Fatalf("checksum mismatch carried by the envelope must re-ingest the sheet, got %d", got)
	}
}

func TestHandleSampleSheetChangeEmptyRevisionKeepsLibraries(t *testing.T) {
	svc, _ := newTestService(t)
	seq := seedSequence(t, svc, "r.REVISE")
	runID := seq.SequenceRunID

	deliver := func(content string) error {
		encoded, err := EncodeBase64Gzip([]byte(content))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return svc.HandleSampleSheetChangeEvent(context.Background(), events.SequenceRunSampleSheetChange{
			InstrumentRunID:     seq.InstrumentRunID,
			SequenceRunID:       &runID,
			TimeStamp:           "2025-03-14T09:30:00Z",
			SampleSheetName:     "SampleSheet.csv",
			SamplesheetBase64gz: &encoded,
		})
	}

	if err := deliver(sheetThreeSamples); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if got := svc.Libraries(context.Background(), seq.ID); len(got) != 3 {
		t.Fatalf("expected 3 libraries after first delivery, got %v", got)
	}

	if err := deliver(sheetNoData); err != nil {
		t.Fatalf("revision delivery: %v", err)
	}
	if got := len(svc.ListSampleSheets(context.Background(), seq.ID)); got != 2 {
		t.Fatalf("revision must be stored as a new version, got %d", got)
	}
	if got := svc.Libraries(context.Background(), seq.ID); len(got) != 3 {
		t.Fatalf("revision without sample rows must not wipe linkage, got %v", got)
	}
}

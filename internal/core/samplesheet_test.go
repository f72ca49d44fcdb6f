package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"seqruncore/internal/events"
	"seqruncore/pkg/domain"
	"seqruncore/pkg/samplesheet"
)

const sheetThreeSamples = `[Header]
FileFormatVersion,2
RunName,Run-1
InstrumentPlatform,NovaSeqXSeries

[Reads]
Read1Cycles,151
Read2Cycles,151

[BCLConvert_Settings]
SoftwareVersion,4.2.7

[BCLConvert_Data]
Sample_ID,Index,Index2
L2400001,GACTGAGTAG,CACTATCAAC
L2400002,AGTCAGACGA,TGTCGCTGGT
L2400003,CCGTATGTTC,ACAGGCCTTG
`

const sheetNoData = `[Header]
FileFormatVersion,2
RunName,Run-1

[Reads]
Read1Cycles,151
`

type stubFetcher struct {
	files map[string]string
	names []string
	err   error
}

func (f *stubFetcher) FetchFile(_ context.Context, _ string, name string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	content, ok := f.files[name]
	if !ok {
		return nil, fmt.Errorf("file %s not found", name)
	}
	return []byte(content), nil
}

func (f *stubFetcher) ListFiles(_ context.Context, _ string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.names, nil
}

type captureArchive struct {
	objects map[string][]byte
}

func (a *captureArchive) Put(_ context.Context, key string, data []byte) error {
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[key] = append([]byte(nil), data...)
	return nil
}

func seedSequence(t *testing.T, svc *Service, runID string) Sequence {
	t.Helper()
	seq, _, err := svc.ReconcileRunState(context.Background(), RunStatePayload{
		SequenceRunID:   runID,
		InstrumentRunID: "251010_A01052_0123_BH7TVMDSX7",
		VendorStatus:    "Running",
	})
	if err != nil {
		t.Fatalf("seed sequence: %v", err)
	}
	return seq
}

func inlineSource(t *testing.T, raw string) SheetSource {
	t.Helper()
	encoded, err := EncodeBase64Gzip([]byte(raw))
	if err != nil {
		t.Fatalf("encode sheet: %v", err)
	}
	return SheetSource{InlineBase64Gz: encoded}
}

func TestIngestStoresNewSheetVersion(t *testing.T) {
	archive := &captureArchive{}
	svc, bus := newTestService(t, WithSheetArchive(archive))
	seq := seedSequence(t, svc, "r.INGEST")

	change, err := svc.IngestSampleSheet(context.Background(), IngestRequest{
		SequenceRunID:   seq.SequenceRunID,
		InstrumentRunID: seq.InstrumentRunID,
		SheetName:       "SampleSheet.csv",
		Source:          inlineSource(t, sheetThreeSamples),
		Comment:         &CommentInput{Text: "initial upload", CreatedBy: "ops"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if change == nil {
		t.Fatalf("expected a sheet change")
	}
	if change.Sheet.ContentOriginal != sheetThreeSamples {
		t.Fatalf("raw content not preserved")
	}
	if change.ChecksumAlgorithm != samplesheet.ChecksumAlgorithm || change.Checksum == "" {
		t.Fatalf("checksum missing: %+v", change)
	}
	if got := change.Sheet.Content.SampleIDs(); len(got) != 3 {
		t.Fatalf("expected 3 sample ids, got %v", got)
	}

	stored, err := svc.GetSequenceByRunID(context.Background(), seq.SequenceRunID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.SampleSheetName != "SampleSheet.csv" {
		t.Fatalf("denormalized sheet name not updated: %q", stored.SampleSheetName)
	}

	comments := svc.ListComments(context.Background(), domain.CommentTarget{Kind: domain.CommentTargetSampleSheet, ID: change.Sheet.ID})
	if len(comments) != 1 || comments[0].Text != "initial upload" {
		t.Fatalf("sheet comment not attached: %+v", comments)
	}

	key := change.ChecksumAlgorithm + "/" + change.Checksum
	if string(archive.objects[key]) != sheetThreeSamples {
		t.Fatalf("raw content not archived under %s", key)
	}

	emitted := bus.byType(events.DetailTypeSampleSheetChange)
	if len(emitted) != 1 {
		t.Fatalf("expected one sheet change event, got %d", len(emitted))
	}
	var detail events.SequenceRunSampleSheetChange
	if err := json.Unmarshal([]byte(emitted[0].Detail), &detail); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if detail.SequenceRunID == nil || *detail.SequenceRunID != seq.SequenceRunID {
		t.Fatalf("existing run must be reported by id: %+v", detail)
	}
	if detail.Checksum != change.Checksum || detail.ChecksumAlgorithm != change.ChecksumAlgorithm {
		t.Fatalf("event checksum mismatch: %+v", detail)
	}
	if detail.SamplesheetBase64gz != nil {
		t.Fatalf("emitted events must not carry inline content")
	}
}

func TestIngestUnchangedContentIsNoOp(t *testing.T) {
	svc, bus := newTestService(t)
	seq := seedSequence(t, svc, "r.NOOP")
	req := IngestRequest{
		SequenceRunID:   seq.SequenceRunID,
		InstrumentRunID: seq.InstrumentRunID,
		SheetName:       "SampleSheet.csv",
		Source:          inlineSource(t, sheetThreeSamples),
	}

	if _, err := svc.IngestSampleSheet(context.Background(), req); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	change, err := svc.IngestSampleSheet(context.Background(), req)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if change != nil {
		t.Fatalf("identical content must be a no-op, got %+v", change)
	}
	if got := len(svc.ListSampleSheets(context.Background(), seq.ID)); got != 1 {
		t.Fatalf("duplicate ingest created %d versions", got)
	}
	if got := len(bus.byType(events.DetailTypeSampleSheetChange)); got != 1 {
		t.Fatalf("duplicate ingest re-emitted, got %d events", got)
	}
}

func TestIngestRevisionCreatesNewVersion(t *testing.T) {
	svc, _ := newTestService(t)
	seq := seedSequence(t, svc, "r.REV")

	base := IngestRequest{
		SequenceRunID: seq.SequenceRunID,
		SheetName:     "SampleSheet.csv",
		Source:        inlineSource(t, sheetThreeSamples),
	}
	if _, err := svc.IngestSampleSheet(context.Background(), base); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	revised := base
	revised.Source = inlineSource(t, strings.Replace(sheetThreeSamples, "L2400003", "L2400004", 1))
	change, err := svc.IngestSampleSheet(context.Background(), revised)
	if err != nil {
		t.Fatalf("revision ingest: %v", err)
	}
	if change == nil {
		t.Fatalf("revised content must produce a change")
	}

	sheets := svc.ListSampleSheets(context.Background(), seq.ID)
	if len(sheets) != 2 {
		t.Fatalf("expected 2 immutable versions, got %d", len(sheets))
	}
	if !sheets[0].AssociationTimestamp.After(sheets[1].AssociationTimestamp) {
		t.Fatalf("latest version must sort first")
	}
	if sheets[0].ID != change.Sheet.ID {
		t.Fatalf("newest sheet mismatch")
	}
}

func TestIngestGhostCreationForUnknownRun(t *testing.T) {
	svc, bus := newTestService(t)

	change, err := svc.IngestSampleSheet(context.Background(), IngestRequest{
		InstrumentRunID: "251010_A01052_0999_BH7TVMDSX7",
		SheetName:       "SampleSheet.csv",
		Source:          inlineSource(t, sheetThreeSamples),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if change == nil || !change.SequenceCreated {
		t.Fatalf("expected ghost creation, got %+v", change)
	}
	if !strings.HasPrefix(change.Sequence.SequenceRunID, "ghost.") {
		t.Fatalf("ghost run id malformed: %q", change.Sequence.SequenceRunID)
	}
	if !change.Sequence.IsGhost() {
		t.Fatalf("placeholder must be a ghost record")
	}

	emitted := bus.byType(events.DetailTypeSampleSheetChange)
	if len(emitted) != 1 {
		t.Fatalf("expected one event, got %d", len(emitted))
	}
	var detail events.SequenceRunSampleSheetChange
	if err := json.Unmarshal([]byte(emitted[0].Detail), &detail); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if detail.SequenceRunID != nil {
		t.Fatalf("newly created placeholder must report null sequenceRunId: %+v", detail)
	}

	// A second early sheet for the same instrument run reuses the ghost.
	second, err := svc.IngestSampleSheet(context.Background(), IngestRequest{
		InstrumentRunID: "251010_A01052_0999_BH7TVMDSX7",
		SheetName:       "SampleSheet_v2.csv",
		Source:          inlineSource(t, sheetNoData),
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.SequenceCreated || second.Sequence.ID != change.Sequence.ID {
		t.Fatalf("ghost not reused: %+v", second)
	}
}

func TestIngestRemoteFetchErrorLeavesNoState(t *testing.T) {
	fetchErr := errors.New("bssh: 503")
	svc, _ := newTestService(t, WithRunFileFetcher(&stubFetcher{err: fetchErr}))
	seq := seedSequence(t, svc, "r.FETCH")

	_, err := svc.IngestSampleSheet(context.Background(), IngestRequest{
		SequenceRunID: seq.SequenceRunID,
		SheetName:     "SampleSheet.csv",
		Source:        SheetSource{APIURL: "https://api.example.org/v2/runs/r.FETCH"},
	})
	if !errors.Is(err, fetchErr) {
		t.Fatalf("fetch error must surface, got %v", err)
	}
	if got := len(svc.ListSampleSheets(context.Background(), seq.ID)); got != 0 {
		t.Fatalf("failed fetch left %d sheets", got)
	}
}

func TestIngestMalformedSheetIsTypedError(t *testing.T) {
	svc, _ := newTestService(t)
	seq := seedSequence(t, svc, "r.BAD")

	_, err := svc.IngestSampleSheet(context.Background(), IngestRequest{
		SequenceRunID: seq.SequenceRunID,
		SheetName:     "SampleSheet.csv",
		Source:        inlineSource(t, "Sample_ID,Index\nL1,AAAA\n"),
	})
	var parseErr samplesheet.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestIngestRunSampleSheetsIsolatesFailures(t *testing.T) {
	fetcher := &stubFetcher{
		names: []string{"SampleSheet.csv", "RunParameters.xml", "sampleSheet_v2.csv"},
		files: map[string]string{
			"SampleSheet.csv":    sheetThreeSamples,
			"sampleSheet_v2.csv": "Sample_ID\nbroken",
		},
	}
	svc, _ := newTestService(t, WithRunFileFetcher(fetcher))
	seq := seedSequence(t, svc, "r.MULTI")

	outcomes, err := svc.IngestRunSampleSheets(context.Background(), seq.SequenceRunID, "https://api.example.org/v2/runs/r.MULTI")
	if err != nil {
		t.Fatalf("ingest run sheets: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 sheet outcomes (xml filtered), got %d", len(outcomes))
	}
	if outcomes[0].Err != nil || outcomes[0].Change == nil {
		t.Fatalf("good sheet failed: %+v", outcomes[0])
	}
	if outcomes[1].Err == nil {
		t.Fatalf("broken sheet must report its error without aborting the batch")
	}
	if got := len(svc.ListSampleSheets(context.Background(), seq.ID)); got != 1 {
		t.Fatalf("expected 1 stored sheet, got %d", got)
	}
}

func TestIngestReportsRunIDForRunCreatedInCall(t *testing.T) {
	svc, bus := newTestService(t)

	change, err := svc.IngestSampleSheet(context.Background(), IngestRequest{
		SequenceRunID:   "r.EARLY",
		InstrumentRunID: "251010_A01052_0777_BH7TVMDSX7",
		SheetName:       "SampleSheet.csv",
		Source:          inlineSource(t, sheetThreeSamples),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if change == nil || !change.SequenceCreated {
		t.Fatalf("expected run creation, got %+v", change)
	}

	emitted := bus.byType(events.DetailTypeSampleSheetChange)
	if len(emitted) != 1 {
		t.Fatalf("expected one event, got %d", len(emitted))
	}
	var detail events.SequenceRunSampleSheetChange
	if err := json.Unmarshal([]byte(emitted[0].Detail), &detail); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if detail.SequenceRunID == nil || *detail.SequenceRunID != "r.EARLY" {
		t.Fatalf("known run id must be carried even when the run record was created by the ingest: %+v", detail)
	}
}

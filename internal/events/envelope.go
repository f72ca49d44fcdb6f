// Package events defines the outbound and inbound event contract of the run
// manager: EventBridge-shaped envelopes carrying typed detail payloads.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source is the event namespace stamped on every emitted envelope.
const Source = "orcabus.sequencerunmanager"

// Detail types dispatched on the bus.
const (
	DetailTypeStateChange       = "SequenceRunStateChange"
	DetailTypeSampleSheetChange = "SequenceRunSampleSheetChange"
	DetailTypeLibraryLinking    = "SequenceRunLibraryLinkingChange"
	DetailTypeWorkflowRunUpdate = "WorkflowRunUpdate"
)

// Envelope is the EventBridge event shape. Detail stays raw until the
// consumer dispatches on DetailType.
type Envelope struct {
	ID         string          `json:"id,omitempty"`
	Region     string          `json:"region,omitempty"`
	Resources  []string        `json:"resources,omitempty"`
	Source     string          `json:"source"`
	Time       *time.Time      `json:"time,omitempty"`
	Version    string          `json:"version,omitempty"`
	Account    string          `json:"account,omitempty"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// NewEnvelope wraps a detail payload in an envelope stamped with the
// canonical source namespace.
func NewEnvelope(detailType string, detail any) (Envelope, error) {
	data, err := json.Marshal(detail)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s detail: %w", detailType, err)
	}
	return Envelope{
		Source:     Source,
		DetailType: detailType,
		Detail:     data,
	}, nil
}

// DecodeDetail unmarshals the raw detail into the provided payload struct.
func (e Envelope) DecodeDetail(v any) error {
	if err := json.Unmarshal(e.Detail, v); err != nil {
		return fmt.Errorf("decode %s detail: %w", e.DetailType, err)
	}
	return nil
}

// SequenceRunStateChange reports a run lifecycle transition.
type SequenceRunStateChange struct {
	ID              string     `json:"id"`
	InstrumentRunID string     `json:"instrumentRunId"`
	RunVolumeName   string     `json:"runVolumeName"`
	RunFolderPath   string     `json:"runFolderPath"`
	RunDataURI      string     `json:"runDataUri"`
	SampleSheetName string     `json:"sampleSheetName"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime"`
	Status          string     `json:"status"`
}

// Comment is the optional free-text annotation carried on sample sheet
// change events. Field casing follows the published schema, which mixes
// camelCase payloads with snake_case comment metadata.
type Comment struct {
	Comment   string     `json:"comment"`
	CreatedBy string     `json:"created_by"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// SequenceRunSampleSheetChange reports a new or revised sample sheet.
// SamplesheetBase64gz is the deprecated inline-content shape; it is accepted
// on ingest but never set on emitted events, which carry APIURL plus a
// content checksum instead. A nil SequenceRunID signals that the referenced
// run was newly created as a placeholder.
type SequenceRunSampleSheetChange struct {
	InstrumentRunID     string   `json:"instrumentRunId"`
	SequenceRunID       *string  `json:"sequenceRunId"`
	TimeStamp           string   `json:"timeStamp"`
	SampleSheetName     string   `json:"sampleSheetName"`
	SamplesheetBase64gz *string  `json:"samplesheetBase64gz,omitempty"`
	APIURL              string   `json:"apiUrl,omitempty"`
	Checksum            string   `json:"checksum,omitempty"`
	ChecksumAlgorithm   string   `json:"checksumAlgorithm,omitempty"`
	Comment             *Comment `json:"comment"`
}

// SequenceRunLibraryLinkingChange reports the converged library set of a run.
type SequenceRunLibraryLinkingChange struct {
	InstrumentRunID string    `json:"instrumentRunId"`
	SequenceRunID   string    `json:"sequenceRunId"`
	TimeStamp       time.Time `json:"timeStamp"`
	LinkedLibraries []string  `json:"linkedLibraries"`
}

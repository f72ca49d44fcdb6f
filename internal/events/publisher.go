package events

import (
	"context"
	"encoding/json"
	"fmt"

	"seqruncore/pkg/domain"
)

// Entry is one PutEvents request entry handed to a Bus implementation.
type Entry struct {
	Detail       string
	DetailType   string
	Resources    []string
	Source       string
	EventBusName string
	TraceHeader  string
}

// Bus abstracts the transport that delivers entries downstream. Duplicate
// emits are acceptable; consumers are expected to be idempotent.
type Bus interface {
	Emit(ctx context.Context, entry Entry) error
}

// Publisher converts detail payloads into bus entries. A nil Publisher is
// valid and drops every event, which keeps the core usable without a bus.
type Publisher struct {
	bus     Bus
	busName string
}

// NewPublisher constructs a publisher targeting the named event bus.
func NewPublisher(bus Bus, busName string) *Publisher {
	return &Publisher{bus: bus, busName: busName}
}

// PublishStateChange emits a SequenceRunStateChange event.
func (p *Publisher) PublishStateChange(ctx context.Context, detail SequenceRunStateChange) error {
	return p.publish(ctx, DetailTypeStateChange, detail)
}

// PublishSampleSheetChange emits a SequenceRunSampleSheetChange event.
func (p *Publisher) PublishSampleSheetChange(ctx context.Context, detail SequenceRunSampleSheetChange) error {
	return p.publish(ctx, DetailTypeSampleSheetChange, detail)
}

// PublishLibraryLinking emits a SequenceRunLibraryLinkingChange event.
func (p *Publisher) PublishLibraryLinking(ctx context.Context, detail SequenceRunLibraryLinkingChange) error {
	return p.publish(ctx, DetailTypeLibraryLinking, detail)
}

func (p *Publisher) publish(ctx context.Context, detailType string, detail any) error {
	if p == nil || p.bus == nil {
		return nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return domain.PublishError{DetailType: detailType, Err: fmt.Errorf("marshal detail: %w", err)}
	}
	entry := Entry{
		Detail:       string(data),
		DetailType:   detailType,
		Resources:    []string{},
		Source:       Source,
		EventBusName: p.busName,
	}
	if err := p.bus.Emit(ctx, entry); err != nil {
		return domain.PublishError{DetailType: detailType, Err: err}
	}
	return nil
}

// Package eventbridge delivers publisher entries through AWS EventBridge.
package eventbridge

import (
	"context"
	"fmt"
	"os"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"

	"seqruncore/internal/events"
)

// Client is the PutEvents surface of the EventBridge SDK client. Tests swap
// in a capture implementation.
type Client interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Bus implements events.Bus over EventBridge PutEvents.
type Bus struct {
	client Client
}

// Config holds explicit construction parameters. Static credentials are
// optional; when absent the default AWS credential chain applies.
type Config struct {
	Region          string
	Endpoint        string // optional, for localstack
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Environment variables:
//   SEQRUNCORE_EVENTBRIDGE_REGION=<region> (default us-east-1)
//   SEQRUNCORE_EVENTBRIDGE_ENDPOINT=<url> (optional, for localstack)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// New creates an EventBridge bus from Config.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Bus{client: client}, nil
}

// OpenFromEnv constructs a bus from process environment.
func OpenFromEnv(ctx context.Context) (*Bus, error) {
	return New(ctx, Config{
		Region:   os.Getenv("SEQRUNCORE_EVENTBRIDGE_REGION"),
		Endpoint: os.Getenv("SEQRUNCORE_EVENTBRIDGE_ENDPOINT"),
	})
}

// NewFromClient wraps an existing client. Tests use it with a capture.
func NewFromClient(client Client) *Bus {
	return &Bus{client: client}
}

// Emit delivers one entry. Partial failures from PutEvents surface as errors
// so the caller's publish-failure handling applies.
func (b *Bus) Emit(ctx context.Context, entry events.Entry) error {
	request := types.PutEventsRequestEntry{
		Detail:     aws.String(entry.Detail),
		DetailType: aws.String(entry.DetailType),
		Source:     aws.String(entry.Source),
		Resources:  entry.Resources,
	}
	if entry.EventBusName != "" {
		request.EventBusName = aws.String(entry.EventBusName)
	}
	if entry.TraceHeader != "" {
		request.TraceHeader = aws.String(entry.TraceHeader)
	}

	out, err := b.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{request},
	})
	if err != nil {
		return err
	}
	if out.FailedEntryCount > 0 {
		for _, result := range out.Entries {
			if result.ErrorCode != nil {
				return fmt.Errorf("put events entry failed: %s: %s",
					aws.ToString(result.ErrorCode), aws.ToString(result.ErrorMessage))
			}
		}
		return fmt.Errorf("put events reported %d failed entries", out.FailedEntryCount)
	}
	return nil
}

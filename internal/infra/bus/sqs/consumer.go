// Package sqs polls an SQS queue for bus envelopes and dispatches them to a
// handler. EventBridge rules targeting an SQS queue deliver the full envelope
// JSON as the message body.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"seqruncore/internal/events"
)

// Client is the queue surface of the SQS SDK client. Tests swap in a stub.
type Client interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Handler consumes one decoded envelope. A returned error leaves the message
// on the queue for redelivery.
type Handler interface {
	HandleEnvelope(ctx context.Context, env events.Envelope) error
}

// Logger matches the service logging surface.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds consumer construction parameters.
type Config struct {
	QueueURL    string
	Region      string
	Endpoint    string // optional, for localstack
	WaitSeconds int32  // long poll duration, default 20
	BatchSize   int32  // messages per receive, default 10
}

// Environment variables:
//   SEQRUNCORE_SQS_QUEUE_URL=<url> (required)
//   SEQRUNCORE_SQS_REGION=<region> (default us-east-1)
//   SEQRUNCORE_SQS_ENDPOINT=<url> (optional, for localstack)

// ConfigFromEnv reads consumer settings from process environment.
func ConfigFromEnv() (Config, error) {
	queueURL := os.Getenv("SEQRUNCORE_SQS_QUEUE_URL")
	if queueURL == "" {
		return Config{}, errors.New("SEQRUNCORE_SQS_QUEUE_URL required")
	}
	return Config{
		QueueURL: queueURL,
		Region:   os.Getenv("SEQRUNCORE_SQS_REGION"),
		Endpoint: os.Getenv("SEQRUNCORE_SQS_ENDPOINT"),
	}, nil
}

// Consumer long-polls one queue and hands each decoded envelope to the
// handler. Messages are deleted only after the handler succeeds, so failed
// handling falls back on queue redelivery.
type Consumer struct {
	client   Client
	handler  Handler
	logger   Logger
	queueURL string
	wait     int32
	batch    int32
}

// New creates a consumer with an SDK client built from Config.
func New(ctx context.Context, cfg Config, handler Handler) (*Consumer, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewFromClient(client, cfg, handler), nil
}

// NewFromClient wraps an existing client. Tests use it with a stub.
func NewFromClient(client Client, cfg Config, handler Handler) *Consumer {
	wait := cfg.WaitSeconds
	if wait <= 0 {
		wait = 20
	}
	batch := cfg.BatchSize
	if batch <= 0 || batch > 10 {
		batch = 10
	}
	return &Consumer{
		client:   client,
		handler:  handler,
		logger:   noopLogger{},
		queueURL: cfg.QueueURL,
		wait:     wait,
		batch:    batch,
	}
}

// SetLogger attaches a logger. Nil loggers are ignored.
func (c *Consumer) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Run polls until the context is cancelled. Receive errors are logged and
// polling continues; only context cancellation stops the loop.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: c.batch,
			WaitTimeSeconds:     c.wait,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("receive failed", "queue_url", c.queueURL, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range out.Messages {
			c.handleMessage(ctx, msg)
		}
	}
}

// Drain processes at most one receive batch. Lambda-style invocations and
// tests use it instead of the long-running loop.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.batch,
		WaitTimeSeconds:     0,
	})
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, msg := range out.Messages {
		if c.handleMessage(ctx, msg) {
			handled++
		}
	}
	return handled, nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg types.Message) bool {
	var env events.Envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		// Malformed bodies never become valid; delete instead of poisoning
		// redelivery.
		c.logger.Warn("dropping malformed message", "message_id", aws.ToString(msg.MessageId), "error", err)
		c.delete(ctx, msg)
		return false
	}
	if err := c.handler.HandleEnvelope(ctx, env); err != nil {
		c.logger.Error("envelope handling failed",
			"message_id", aws.ToString(msg.MessageId), "detail_type", env.DetailType, "error", err)
		return false
	}
	c.delete(ctx, msg)
	return true
}

func (c *Consumer) delete(ctx context.Context, msg types.Message) {
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		c.logger.Warn("delete failed", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

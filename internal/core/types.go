// Package core implements the reconciliation operations of the run manager:
// sequence state upserts, sample sheet ingestion, and library linking
// convergence, together with the event handlers that drive them.
package core

import (
	"context"
	"log/slog"
	"time"

	"seqruncore/pkg/domain"
)

type (
	// Sequence is an alias of domain.Sequence.
	Sequence = domain.Sequence
	// SampleSheet is an alias of domain.SampleSheet.
	SampleSheet = domain.SampleSheet
	// LibraryAssociation is an alias of domain.LibraryAssociation.
	LibraryAssociation = domain.LibraryAssociation
	// Comment is an alias of domain.Comment.
	Comment = domain.Comment
	// Transaction is an alias of domain.Transaction.
	Transaction = domain.Transaction
	// TransactionView is an alias of domain.TransactionView.
	TransactionView = domain.TransactionView
	// PersistentStore is an alias of domain.PersistentStore.
	PersistentStore = domain.PersistentStore
	// RulesEngine is an alias of domain.RulesEngine.
	RulesEngine = domain.RulesEngine
	// Result is an alias of domain.Result.
	Result = domain.Result
	// ErrNotFound is an alias of domain.ErrNotFound.
	ErrNotFound = domain.ErrNotFound
)

// Logger is the leveled key-value logging contract used across the service.
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

// SlogLogger adapts a *slog.Logger to the service Logger contract.
type SlogLogger struct {
	L *slog.Logger
}

// Debug logs at debug level.
func (s SlogLogger) Debug(msg string, args ...any) { s.L.Debug(msg, args...) }

// Info logs at info level.
func (s SlogLogger) Info(msg string, args ...any) { s.L.Info(msg, args...) }

// Warn logs at warn level.
func (s SlogLogger) Warn(msg string, args ...any) { s.L.Warn(msg, args...) }

// Error logs at error level.
func (s SlogLogger) Error(msg string, args ...any) { s.L.Error(msg, args...) }

// MetricsRecorder receives one observation per service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// Package audit provides append-only sinks for settlement transition events.
// The engine writes to a sink and never reads it back for decisions.
package audit

import (
	"context"
	"log/slog"

	settler "github.com/railpay/settler"
)

// SlogSink writes audit events to a structured logger. It is the default
// sink and the fallback when no durable sink is configured.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a logger-backed sink.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Record logs the event. Never fails.
func (s *SlogSink) Record(_ context.Context, event settler.AuditEvent) error {
	s.logger.Info("settlement transition",
		"settlement_id", event.SettlementID,
		"from", event.From,
		"to", event.To,
		"action", event.Action,
		"reason", event.Reason,
		"tx_hash", event.TxHash,
		"at", event.At)
	return nil
}

// MultiSink fans one event out to several sinks, returning the first error.
type MultiSink struct {
	sinks []settler.AuditSink
}

// NewMultiSink combines sinks.
func NewMultiSink(sinks ...settler.AuditSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Record delivers the event to every sink.
func (m *MultiSink) Record(ctx context.Context, event settler.AuditEvent) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Record(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ensure sinks implement settler.AuditSink
var (
	_ settler.AuditSink = (*SlogSink)(nil)
	_ settler.AuditSink = (*MultiSink)(nil)
)

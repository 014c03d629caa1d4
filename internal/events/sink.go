package events

import (
	"context"

	"github.com/rs/zerolog"
)

// Sink receives emitted events. Delivery failures are the caller's to handle;
// the engine's state change has already committed by the time a sink runs.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a log-backed sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "event_log").Logger()}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, ev Event) error {
	entry := s.logger.Info().
		Str("event_id", ev.ID.String()).
		Str("kind", string(ev.Kind)).
		Time("occurred_at", ev.OccurredAt).
		Str("sender", ev.Sender.Hex())
	if ev.BidID != "" {
		entry = entry.Str("bid_id", ev.BidID)
	}
	if ev.Bidder != "" {
		entry = entry.Str("bidder", ev.Bidder)
	}
	if ev.Amount != "" {
		entry = entry.Str("amount", ev.Amount)
	}
	entry.Msg("event emitted")
	return nil
}

// MultiSink fans one event out to several sinks. The first failure is
// returned, but every sink still receives the event.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, ev Event) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Emit(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = MultiSink(nil)
)

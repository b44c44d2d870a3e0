// Package checklist decides which documents a tax case needs and keeps the
// case's checklist consistent with its client's answers.
package checklist

import (
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/taxintake/internal/condition"
	"github.com/pitabwire/taxintake/internal/observability"
)

// Option configures a Generator, Refresher or Cascader.
type Option func(*settings)

type settings struct {
	logger            *zap.Logger
	metrics           *observability.Metrics
	maxConditionBytes int
	now               func() time.Time
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:            zap.NewNop(),
		maxConditionBytes: condition.EvaluationMaxBytes,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records generation, refresh and cascade metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithMaxConditionBytes overrides the size ceiling applied when parsing
// template conditions during generation.
func WithMaxConditionBytes(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxConditionBytes = n
		}
	}
}

// WithClock overrides the time source used for item timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

package trainer

import "github.com/rs/zerolog"

// Metric keys emitted once per training step.
const (
	MetricReturns        = "returns"
	MetricKL             = "kl"
	MetricGradNorm       = "grad_norm"
	MetricSkippedBatches = "skipped_batches"
)

// MetricSink receives per-step scalar metrics. Only the primary worker owns
// a real sink; everyone else gets the nop sink.
type MetricSink interface {
	Log(step int, fields map[string]float64)
}

type logSink struct {
	logger zerolog.Logger
}

// NewLogSink emits metrics as structured log lines under the given project
// name.
func NewLogSink(logger zerolog.Logger, project string) MetricSink {
	return &logSink{logger: logger.With().Str("project", project).Logger()}
}

func (s *logSink) Log(step int, fields map[string]float64) {
	ev := s.logger.Info().Int("step", step)
	for k, v := range fields {
		ev = ev.Float64(k, v)
	}
	ev.Msg("metrics")
}

type nopSink struct{}

// NewNopSink returns a sink that drops everything, for offline runs and
// non-primary workers.
func NewNopSink() MetricSink {
	return nopSink{}
}

func (nopSink) Log(int, map[string]float64) {}

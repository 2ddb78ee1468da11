// Package tracking reports hyperparameters, metrics and images of a probe
// run to an experiment tracker.
package tracking

import (
	"context"
	"sort"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// MetricsSink receives everything a run reports. Step is the epoch index
// for per-epoch metrics. Finish gets the error that ended the run, nil on
// success.
type MetricsSink interface {
	LogHyperparams(ctx context.Context, params map[string]interface{}) error
	LogMetrics(ctx context.Context, step int, metrics map[string]float64) error
	LogImage(ctx context.Context, key string, png []byte) error
	Finish(ctx context.Context, runErr error) error
}

// LogSink writes everything to a zap logger. It is used when no remote
// tracker is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) LogHyperparams(ctx context.Context, params map[string]interface{}) error {
	fields := make([]zap.Field, 0, len(params))
	for _, k := range sortedKeys(params) {
		fields = append(fields, zap.Any(k, params[k]))
	}
	s.logger.Info("hyperparameters", fields...)
	return nil
}

func (s *LogSink) LogMetrics(ctx context.Context, step int, metrics map[string]float64) error {
	fields := []zap.Field{zap.Int("step", step)}
	for _, k := range sortedKeys(metrics) {
		fields = append(fields, zap.Float64(k, metrics[k]))
	}
	s.logger.Debug("metrics", fields...)
	return nil
}

func (s *LogSink) LogImage(ctx context.Context, key string, png []byte) error {
	s.logger.Debug("image", zap.String("key", key), zap.String("size", humanize.Bytes(uint64(len(png)))))
	return nil
}

func (s *LogSink) Finish(ctx context.Context, runErr error) error {
	if runErr != nil {
		s.logger.Error("run failed", zap.Error(runErr))
		return nil
	}
	s.logger.Info("run finished")
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MultiSink fans every call out to each sink in order, stopping at the
// first error.
type MultiSink []MetricsSink

func (m MultiSink) LogHyperparams(ctx context.Context, params map[string]interface{}) error {
	for _, s := range m {
		if err := s.LogHyperparams(ctx, params); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) LogMetrics(ctx context.Context, step int, metrics map[string]float64) error {
	for _, s := range m {
		if err := s.LogMetrics(ctx, step, metrics); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) LogImage(ctx context.Context, key string, png []byte) error {
	for _, s := range m {
		if err := s.LogImage(ctx, key, png); err != nil {
			return err
		}
	}
	return nil
}

// Finish finishes every sink and returns the first error.
func (m MultiSink) Finish(ctx context.Context, runErr error) error {
	var first error
	for _, s := range m {
		if err := s.Finish(ctx, runErr); err != nil && first == nil {
			first = err
		}
	}
	return first
}

package tracking

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	ctx := context.Background()

	require.NoError(t, sink.LogHyperparams(ctx, map[string]interface{}{"seed": 2024, "epochs": 10}))
	require.NoError(t, sink.LogMetrics(ctx, 3, map[string]float64{"val_acc": 0.75, "val_loss": 0.4}))
	require.NoError(t, sink.LogImage(ctx, "tsne_plot", make([]byte, 2048)))
	require.NoError(t, sink.Finish(ctx, nil))
	require.NoError(t, sink.Finish(ctx, errors.New("split: no samples")))

	entries := logs.AllUntimed()
	require.Len(t, entries, 5)

	hp := entries[0].ContextMap()
	assert.EqualValues(t, 2024, hp["seed"])
	assert.EqualValues(t, 10, hp["epochs"])

	metrics := entries[1].ContextMap()
	assert.EqualValues(t, 3, metrics["step"])
	assert.Equal(t, 0.75, metrics["val_acc"])

	assert.Equal(t, "tsne_plot", entries[2].ContextMap()["key"])
	assert.Equal(t, "2.0 kB", entries[2].ContextMap()["size"])

	assert.Equal(t, "run finished", entries[3].Message)
	assert.Equal(t, "run failed", entries[4].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[4].Level)
	assert.Equal(t, "split: no samples", entries[4].ContextMap()["error"])
}

type countingSink struct {
	calls  int
	err    error
	runErr error
}

func (c *countingSink) LogHyperparams(context.Context, map[string]interface{}) error {
	c.calls++
	return c.err
}

func (c *countingSink) LogMetrics(context.Context, int, map[string]float64) error {
	c.calls++
	return c.err
}

func (c *countingSink) LogImage(context.Context, string, []byte) error {
	c.calls++
	return c.err
}

func (c *countingSink) Finish(_ context.Context, runErr error) error {
	c.calls++
	c.runErr = runErr
	return c.err
}

func TestMultiSink(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	sink := MultiSink{a, b}
	ctx := context.Background()

	require.NoError(t, sink.LogHyperparams(ctx, nil))
	require.NoError(t, sink.LogMetrics(ctx, 0, nil))
	require.NoError(t, sink.LogImage(ctx, "k", nil))
	cancelled := errors.Wrap(context.Canceled, "training")
	require.NoError(t, sink.Finish(ctx, cancelled))
	assert.Equal(t, 4, a.calls)
	assert.Equal(t, 4, b.calls)
	assert.Equal(t, cancelled, b.runErr)
}

func TestMultiSinkStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	a, b := &countingSink{err: boom}, &countingSink{}
	sink := MultiSink{a, b}
	ctx := context.Background()

	assert.True(t, errors.Is(sink.LogMetrics(ctx, 0, nil), boom))
	assert.Equal(t, 0, b.calls)

	// Finish reaches every sink
	assert.True(t, errors.Is(sink.Finish(ctx, nil), boom))
	assert.Equal(t, 1, b.calls)
}

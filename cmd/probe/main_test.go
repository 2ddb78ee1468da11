package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-probe/config"
)

func TestResolveDefaults(t *testing.T) {
	cfg, err := resolve(args{})
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestResolveFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data:\n  layer: 4\ntraining:\n  epochs: 2\n  batch_size: 16\n"), 0644))

	layer, lr, url := 9, 0.05, "http://tracker:9000"
	cfg, err := resolve(args{
		Config:      path,
		Layer:       &layer,
		LR:          &lr,
		Tracking:    true,
		TrackingURL: &url,
	})
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Data.Layer)
	assert.Equal(t, 2, cfg.Training.Epochs)
	assert.Equal(t, 16, cfg.Training.BatchSize)
	assert.Equal(t, 0.05, cfg.Training.LearningRate)
	assert.True(t, cfg.Tracking.Enabled)
	assert.Equal(t, url, cfg.Tracking.BaseURL)
	assert.Equal(t, "mlp_act_9", cfg.Column())
}

func TestResolveRejectsInvalid(t *testing.T) {
	batch := 0
	_, err := resolve(args{Batch: &batch})
	assert.True(t, errors.Is(err, config.ErrInvalid))

	_, err = resolve(args{Config: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

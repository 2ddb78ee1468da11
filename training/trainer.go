package training

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-probe/layers"
	"github.com/tsawler/go-probe/optimizer"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// MetricsLogger receives per-step scalar metrics. The tracking sinks
// implement it.
type MetricsLogger interface {
	LogMetrics(ctx context.Context, step int, metrics map[string]float64) error
}

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs     int
	NumClasses int
	Progress   bool      // Draw a progress bar per pass
	Output     io.Writer // Progress destination, os.Stderr when nil
}

// EpochMetrics holds metrics for a single epoch
type EpochMetrics struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
	EpochDuration time.Duration
	BatchCount    int
}

// Map returns the metrics under their tracking keys
func (m EpochMetrics) Map() map[string]float64 {
	return map[string]float64{
		"train_loss": m.TrainLoss,
		"train_acc":  m.TrainAccuracy,
		"val_loss":   m.ValidLoss,
		"val_acc":    m.ValidAccuracy,
	}
}

// TestMetrics holds the metrics of the final evaluation pass
type TestMetrics struct {
	Loss      float64
	Accuracy  float64
	F1        float64 // macro
	Precision float64 // macro
	Recall    float64 // macro
	Samples   int
	Confusion *ConfusionMatrix
}

// Map returns the metrics under their tracking keys
func (m TestMetrics) Map() map[string]float64 {
	return map[string]float64{
		"test_loss":      m.Loss,
		"test_acc":       m.Accuracy,
		"test_f1":        m.F1,
		"test_precision": m.Precision,
		"test_recall":    m.Recall,
	}
}

// Trainer manages the training process
type Trainer struct {
	model     layers.Module
	optimizer optimizer.Optimizer
	criterion Loss
	config    TrainingConfig
	metrics   []EpochMetrics
	steps     int

	logger *zap.Logger
	sink   MetricsLogger
}

// NewTrainer creates a new Trainer
func NewTrainer(model layers.Module, opt optimizer.Optimizer, criterion Loss, config TrainingConfig) (*Trainer, error) {
	if model == nil || opt == nil || criterion == nil {
		return nil, errors.New("model, optimizer and loss are required")
	}
	if config.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.NumClasses <= 0 {
		return nil, errors.Errorf("class count must be positive, got %d", config.NumClasses)
	}
	if config.Output == nil {
		config.Output = os.Stderr
	}

	return &Trainer{
		model:     model,
		optimizer: opt,
		criterion: criterion,
		config:    config,
		metrics:   make([]EpochMetrics, 0, config.Epochs),
		logger:    zap.NewNop(),
	}, nil
}

// SetLogger sets the logger for epoch summaries
func (t *Trainer) SetLogger(logger *zap.Logger) {
	t.logger = logger
}

// SetMetricsSink forwards per-epoch metrics to sink
func (t *Trainer) SetMetricsSink(sink MetricsLogger) {
	t.sink = sink
}

// Fit runs Epochs rounds of one training pass followed by one validation
// pass and returns the metrics of every epoch. Any error aborts the run.
func (t *Trainer) Fit(ctx context.Context, trainLoader, validLoader *DataLoader) ([]EpochMetrics, error) {
	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		epochStart := time.Now()

		t.model.Train()
		train, batches, err := t.runPass(ctx, trainLoader, true, "train")
		if err != nil {
			return t.metrics, errors.Wrapf(err, "training epoch %d failed", epoch)
		}

		t.model.Eval()
		valid, _, err := t.runPass(ctx, validLoader, false, "val")
		if err != nil {
			return t.metrics, errors.Wrapf(err, "validation epoch %d failed", epoch)
		}

		metrics := EpochMetrics{
			Epoch:         epoch,
			TrainLoss:     train.Loss(),
			TrainAccuracy: train.Accuracy(),
			ValidLoss:     valid.Loss(),
			ValidAccuracy: valid.Accuracy(),
			EpochDuration: time.Since(epochStart),
			BatchCount:    batches,
		}
		t.metrics = append(t.metrics, metrics)

		t.logger.Info("epoch complete",
			zap.Int("epoch", epoch+1),
			zap.Int("epochs", t.config.Epochs),
			zap.Float64("train_loss", metrics.TrainLoss),
			zap.Float64("train_acc", metrics.TrainAccuracy),
			zap.Float64("val_loss", metrics.ValidLoss),
			zap.Float64("val_acc", metrics.ValidAccuracy),
			zap.Duration("duration", metrics.EpochDuration),
		)

		if t.sink != nil {
			if err := t.sink.LogMetrics(ctx, epoch, metrics.Map()); err != nil {
				return t.metrics, errors.Wrapf(err, "logging epoch %d metrics", epoch)
			}
		}
	}

	return t.metrics, nil
}

// Test runs one evaluation pass and computes loss, accuracy and macro
// F1, precision and recall.
func (t *Trainer) Test(ctx context.Context, loader *DataLoader) (*TestMetrics, error) {
	t.model.Eval()
	acc, _, err := t.runPass(ctx, loader, false, "test")
	if err != nil {
		return nil, errors.Wrap(err, "test pass failed")
	}

	cm := acc.ConfusionMatrix()
	metrics := &TestMetrics{
		Loss:      acc.Loss(),
		Accuracy:  acc.Accuracy(),
		F1:        cm.GetMetric(MacroF1),
		Precision: cm.GetMetric(MacroPrecision),
		Recall:    cm.GetMetric(MacroRecall),
		Samples:   acc.Samples(),
		Confusion: cm,
	}

	t.logger.Info("test complete",
		zap.Float64("test_loss", metrics.Loss),
		zap.Float64("test_acc", metrics.Accuracy),
		zap.Float64("test_f1", metrics.F1),
		zap.Float64("test_precision", metrics.Precision),
		zap.Float64("test_recall", metrics.Recall),
		zap.Int("samples", metrics.Samples),
	)

	if t.sink != nil {
		if err := t.sink.LogMetrics(ctx, t.config.Epochs, metrics.Map()); err != nil {
			return metrics, errors.Wrap(err, "logging test metrics")
		}
	}
	return metrics, nil
}

// runPass iterates loader once. Training passes update the parameters after
// every batch.
func (t *Trainer) runPass(ctx context.Context, loader *DataLoader, train bool, desc string) (*EpochAccumulator, int, error) {
	acc := NewEpochAccumulator(t.config.NumClasses)

	var bar *ProgressBar
	if t.config.Progress {
		bar = NewProgressBar(t.config.Output, desc, loader.Len())
		defer bar.Finish()
	}

	it := loader.Epoch(ctx)
	defer it.Close()

	batches := 0
	for {
		batch, err := it.Next()
		if err != nil {
			return nil, batches, err
		}
		if batch == nil {
			break
		}

		loss, preds, err := t.step(batch, train)
		if err != nil {
			return nil, batches, errors.Wrapf(err, "batch %d", batches)
		}
		if err := acc.Add(loss, preds, batch.Y); err != nil {
			return nil, batches, errors.Wrapf(err, "batch %d", batches)
		}
		batches++

		bar.Update(batches, map[string]float64{"loss": acc.Loss(), "acc": acc.Accuracy()})
	}

	if acc.Samples() == 0 {
		return nil, batches, errors.New("pass saw no samples")
	}
	return acc, batches, nil
}

// step runs forward (and for training, backward and an optimizer step) on
// one batch, returning the batch loss and predicted classes.
func (t *Trainer) step(batch *Batch, train bool) (float64, []int, error) {
	if train {
		t.optimizer.ZeroGrad()
	}

	logits, err := t.model.Forward(batch.X)
	if err != nil {
		return 0, nil, errors.Wrap(err, "forward")
	}
	loss, err := t.criterion.Forward(logits, batch.Y)
	if err != nil {
		return 0, nil, errors.Wrap(err, "loss")
	}

	if train {
		grad, err := t.criterion.Backward(logits, batch.Y)
		if err != nil {
			return 0, nil, errors.Wrap(err, "loss gradient")
		}
		if _, err := t.model.Backward(grad); err != nil {
			return 0, nil, errors.Wrap(err, "backward")
		}
		if err := t.optimizer.Step(); err != nil {
			return 0, nil, errors.Wrap(err, "optimizer step")
		}
		t.steps++
	}

	return loss, layers.Predict(logits), nil
}

// GetMetrics returns all epoch metrics recorded so far
func (t *Trainer) GetMetrics() []EpochMetrics {
	return t.metrics
}

// Steps returns the number of optimizer steps taken
func (t *Trainer) Steps() int {
	return t.steps
}

// Predict returns the logits of the model in evaluation mode
func (t *Trainer) Predict(x *mat.Dense) (*mat.Dense, error) {
	t.model.Eval()
	return t.model.Forward(x)
}

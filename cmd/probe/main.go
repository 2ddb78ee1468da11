package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/tsawler/go-probe/config"
	"github.com/tsawler/go-probe/logging"
	"github.com/tsawler/go-probe/pipeline"
	"go.uber.org/zap"
)

type args struct {
	Config      string   `arg:"--config" help:"YAML config file; flags override it"`
	Table       *string  `arg:"--table" help:"activation table (.msgpack, optionally .sz snappy framed)"`
	Study       *string  `arg:"--study" help:"activation family, e.g. mlp_act or states"`
	Layer       *int     `arg:"--layer" help:"layer index"`
	Seed        *int64   `arg:"--seed" help:"seed for split, shuffling, init and t-SNE"`
	Epochs      *int     `arg:"--epochs"`
	Hidden      *int     `arg:"--hidden" help:"hidden layer width"`
	Batch       *int     `arg:"--batch" help:"batch size"`
	LR          *float64 `arg:"--lr" help:"learning rate"`
	Tracking    bool     `arg:"--tracking" help:"report to the remote tracker"`
	TrackingURL *string  `arg:"--tracking-url" help:"tracker base URL"`
	Checkpoint  *string  `arg:"--checkpoint" help:"save the trained probe here (.json or .pb)"`
	PlotDir     *string  `arg:"--plot-dir" help:"directory for local plots"`
	Open        bool     `arg:"--open" help:"open the t-SNE plot when done"`
	LogLevel    *string  `arg:"--log-level" help:"debug, info, warn or error"`
	JSONLogs    bool     `arg:"--json-logs" help:"log as JSON"`
}

func (args) Description() string {
	return "Trains an MLP probe on precomputed activations and plots their t-SNE projection."
}

// resolve layers flags over the config file over the defaults.
func resolve(a args) (config.Config, error) {
	cfg := config.Default()
	if a.Config != "" {
		var err error
		if cfg, err = config.Load(a.Config); err != nil {
			return cfg, err
		}
	}

	if a.Table != nil {
		cfg.Data.TablePath = *a.Table
	}
	if a.Study != nil {
		cfg.Data.Study = *a.Study
	}
	if a.Layer != nil {
		cfg.Data.Layer = *a.Layer
	}
	if a.Seed != nil {
		cfg.Seed = *a.Seed
	}
	if a.Epochs != nil {
		cfg.Training.Epochs = *a.Epochs
	}
	if a.Hidden != nil {
		cfg.Model.HiddenSize = *a.Hidden
	}
	if a.Batch != nil {
		cfg.Training.BatchSize = *a.Batch
	}
	if a.LR != nil {
		cfg.Training.LearningRate = *a.LR
	}
	if a.Tracking {
		cfg.Tracking.Enabled = true
	}
	if a.TrackingURL != nil {
		cfg.Tracking.BaseURL = *a.TrackingURL
	}
	if a.Checkpoint != nil {
		cfg.Checkpoint.Path = *a.Checkpoint
	}
	if a.PlotDir != nil {
		cfg.Plot.OutputDir = *a.PlotDir
	}
	if a.Open {
		cfg.Plot.Open = true
	}
	if a.LogLevel != nil {
		cfg.Log.Level = *a.LogLevel
	}
	if a.JSONLogs {
		cfg.Log.JSON = true
	}
	return cfg, cfg.Validate()
}

func main() {
	var a args
	arg.MustParse(&a)

	cfg, err := resolve(a)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(cfg, logger)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	res, err := p.Run(ctx)
	if err != nil {
		logger.Error("probe failed", zap.Error(err))
		stop()
		logger.Sync()
		os.Exit(1)
	}

	fmt.Printf("test_loss=%.4f test_acc=%.4f test_f1=%.4f test_precision=%.4f test_recall=%.4f\n",
		res.Test.Loss, res.Test.Accuracy, res.Test.F1, res.Test.Precision, res.Test.Recall)
}

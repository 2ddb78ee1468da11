// Package pipeline runs one probing experiment end to end: load, split,
// train, test, project, plot and optionally checkpoint.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/skratchdot/open-golang/open"
	"github.com/tsawler/go-probe/activations"
	"github.com/tsawler/go-probe/checkpoints"
	"github.com/tsawler/go-probe/config"
	"github.com/tsawler/go-probe/layers"
	"github.com/tsawler/go-probe/optimizer"
	"github.com/tsawler/go-probe/plotting"
	"github.com/tsawler/go-probe/projection"
	"github.com/tsawler/go-probe/tracking"
	"github.com/tsawler/go-probe/training"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Image keys used for tracker uploads and local file names.
const (
	ImageTSNE           = "tsne_plot"
	ImageTrainingCurves = "training_curves"
	ImageConfusion      = "confusion_matrix"
)

// Result summarizes a finished run.
type Result struct {
	Summary    activations.Summary
	Classes    []string
	TrainSize  int
	ValSize    int
	TestSize   int
	History    []training.EpochMetrics
	Test       *training.TestMetrics
	Embedding  *mat.Dense
	Plots      map[string]string // image key -> written file, local mode only
	RunID      string            // tracker run id, tracking mode only
	Checkpoint string
	Duration   time.Duration
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithOutput sets where progress bars and the model summary are written.
func WithOutput(w io.Writer) Option {
	return func(p *Pipeline) { p.out = w }
}

// WithOpener replaces the function used to show a plot locally.
func WithOpener(opener func(path string) error) Option {
	return func(p *Pipeline) { p.opener = opener }
}

// WithEmbedder replaces the t-SNE built from the projection config.
func WithEmbedder(e projection.Embedder) Option {
	return func(p *Pipeline) { p.embedder = e }
}

// Pipeline holds the immutable configuration of one run.
type Pipeline struct {
	cfg      config.Config
	logger   *zap.Logger
	out      io.Writer
	opener   func(path string) error
	embedder projection.Embedder
}

// New validates cfg and returns a pipeline ready to Run.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{cfg: cfg, logger: logger, out: os.Stderr, opener: open.Run}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// splits are the loaders of one run. test aliases val when the validation
// set doubles as the test set.
type splits struct {
	train, val, test *training.DataLoader
}

// Run executes every stage in order. The first error aborts the run; the
// tracker run, if any, is still finished.
func (p *Pipeline) Run(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	cfg := p.cfg
	res = &Result{Plots: map[string]string{}}

	ds, summary, err := p.load()
	if err != nil {
		return nil, errors.Wrap(err, "load")
	}
	res.Summary = summary
	res.Classes = ds.Classes

	loaders, err := p.split(ds, res)
	if err != nil {
		return nil, errors.Wrap(err, "split")
	}

	sink, client, err := p.sink(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "tracking")
	}
	if client != nil {
		res.RunID = client.RunID()
	}
	defer func() {
		if ferr := sink.Finish(context.Background(), err); ferr != nil && err == nil {
			err = errors.Wrap(ferr, "finishing tracking run")
		}
	}()
	if err := sink.LogHyperparams(ctx, cfg.Hyperparams()); err != nil {
		return nil, errors.Wrap(err, "tracking")
	}

	model, spec, err := layers.NewMLPClassifier(ds.Features(), cfg.Model.HiddenSize, ds.NumClasses(), cfg.Seed)
	if err != nil {
		return nil, errors.Wrap(err, "building model")
	}
	training.NewModelArchitecturePrinter("MLPClassifier").PrintArchitecture(p.out, spec)

	opt, err := optimizer.New(optimizer.Config{
		Type:         cfg.Training.Optimizer,
		LearningRate: cfg.Training.LearningRate,
		Beta1:        cfg.Training.Beta1,
		Beta2:        cfg.Training.Beta2,
		Epsilon:      cfg.Training.Epsilon,
		WeightDecay:  cfg.Training.WeightDecay,
		Momentum:     cfg.Training.Momentum,
	}, model.Parameters())
	if err != nil {
		return nil, errors.Wrap(err, "building optimizer")
	}

	trainer, err := training.NewTrainer(model, opt, training.NewCrossEntropyLoss("mean"), training.TrainingConfig{
		Epochs:     cfg.Training.Epochs,
		NumClasses: ds.NumClasses(),
		Progress:   cfg.Training.Progress,
		Output:     p.out,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building trainer")
	}
	trainer.SetLogger(p.logger)
	trainer.SetMetricsSink(sink)

	if res.History, err = trainer.Fit(ctx, loaders.train, loaders.val); err != nil {
		return nil, errors.Wrap(err, "training")
	}
	if res.Test, err = trainer.Test(ctx, loaders.test); err != nil {
		return nil, errors.Wrap(err, "testing")
	}
	p.logger.Debug("class report", zap.String("report", res.Test.Confusion.ClassReport(ds.Classes)))

	collector := training.NewVisualizationCollector(cfg.RunName())
	for _, m := range res.History {
		collector.RecordEpoch(m)
	}
	collector.RecordConfusionMatrix(res.Test.Confusion, ds.Classes)

	scatter, err := p.project(ctx, ds, res)
	if err != nil {
		return nil, errors.Wrap(err, "projection")
	}

	if err := p.plot(ctx, scatter, collector, client, sink, res); err != nil {
		return nil, errors.Wrap(err, "plot")
	}

	if cfg.Checkpoint.Path != "" {
		if err := p.checkpoint(model, spec, opt, ds, res); err != nil {
			return nil, errors.Wrap(err, "checkpoint")
		}
		res.Checkpoint = cfg.Checkpoint.Path
	}

	res.Duration = time.Since(start)
	p.logger.Info("run complete",
		zap.Float64("test_acc", res.Test.Accuracy),
		zap.Float64("test_f1", res.Test.F1),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (p *Pipeline) load() (*activations.Dataset, activations.Summary, error) {
	column := p.cfg.Column()
	table, err := activations.OpenTable(p.cfg.Data.TablePath, column, p.cfg.Data.LabelColumn)
	if err != nil {
		return nil, activations.Summary{}, err
	}
	ds, err := activations.Load(table)
	if err != nil {
		return nil, activations.Summary{}, err
	}

	s := ds.Summary()
	p.logger.Info("activations loaded",
		zap.String("column", column),
		zap.Int("rows", len(table.Records)),
		zap.Int("examples", s.Examples),
		zap.Int("features", s.Features),
		zap.Int("classes", s.Classes),
	)
	p.logger.Debug("activation statistics", zap.Float64("mean", s.Mean), zap.Float64("stddev", s.StdDev))
	return ds, s, nil
}

func (p *Pipeline) split(ds *activations.Dataset, res *Result) (*splits, error) {
	t := p.cfg.Training
	full, err := training.NewTensorDataset(ds.X, ds.Y)
	if err != nil {
		return nil, err
	}

	fractions := []float64{t.ValSplit}
	if !t.UseValidationAsTest {
		fractions = append(fractions, t.TestSplit)
	}
	sizes, err := training.SplitSizes(full.Len(), fractions...)
	if err != nil {
		return nil, err
	}
	parts, err := training.RandomSplit(full, sizes, p.cfg.Seed)
	if err != nil {
		return nil, err
	}

	newLoader := func(ds training.Dataset, shuffle bool) (*training.DataLoader, error) {
		return training.NewDataLoader(ds, training.DataLoaderConfig{
			BatchSize:     t.BatchSize,
			Shuffle:       shuffle,
			NumWorkers:    t.NumWorkers,
			PrefetchDepth: t.PrefetchDepth,
			Seed:          p.cfg.Seed,
		})
	}

	var out splits
	if out.train, err = newLoader(parts[0], true); err != nil {
		return nil, err
	}
	if out.val, err = newLoader(parts[1], false); err != nil {
		return nil, err
	}
	out.test = out.val
	if len(parts) == 3 {
		if out.test, err = newLoader(parts[2], false); err != nil {
			return nil, err
		}
	}

	res.TrainSize, res.ValSize, res.TestSize = parts[0].Len(), parts[1].Len(), out.test.Dataset().Len()
	p.logger.Info("dataset split",
		zap.Int("train", res.TrainSize),
		zap.Int("val", res.ValSize),
		zap.Int("test", res.TestSize),
		zap.Bool("val_as_test", t.UseValidationAsTest),
	)
	return &out, nil
}

// sink returns the metrics sink of the run. With tracking enabled it also
// returns the started client.
func (p *Pipeline) sink(ctx context.Context) (tracking.MetricsSink, *tracking.Client, error) {
	logSink := tracking.NewLogSink(p.logger)
	if !p.cfg.Tracking.Enabled {
		return logSink, nil, nil
	}

	t := p.cfg.Tracking
	client := tracking.NewClient(tracking.Config{
		BaseURL:       t.BaseURL,
		Project:       t.Project,
		RunName:       p.cfg.RunName(),
		Timeout:       t.Timeout,
		RetryAttempts: t.RetryAttempts,
		RetryDelay:    t.RetryDelay,
	}, p.logger)
	if err := client.CheckHealth(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "tracker unavailable")
	}
	if err := client.Start(ctx); err != nil {
		return nil, nil, err
	}
	return tracking.MultiSink{client, logSink}, client, nil
}

func (p *Pipeline) project(ctx context.Context, ds *activations.Dataset, res *Result) (training.PlotData, error) {
	cfg := p.cfg
	x, labels := p.projectionInput(ds)

	embedder := p.embedder
	if embedder == nil {
		tsne := projection.NewTSNE(cfg.Seed)
		tsne.Perplexity = cfg.Projection.Perplexity
		tsne.Iterations = cfg.Projection.Iterations
		tsne.LearningRate = cfg.Projection.LearningRate
		tsne.EarlyExaggeration = cfg.Projection.EarlyExaggeration
		tsne.Init = cfg.Projection.Init
		tsne.Logger = p.logger
		embedder = tsne
	}

	started := time.Now()
	embedding, err := embedder.Embed(ctx, x)
	if err != nil {
		return training.PlotData{}, err
	}
	res.Embedding = embedding
	fields := []zap.Field{zap.Int("points", len(labels)), zap.Duration("duration", time.Since(started))}
	if tsne, ok := embedder.(*projection.TSNE); ok {
		fields = append(fields, zap.Float64("kl_divergence", tsne.KLDivergence()))
	}
	p.logger.Info("projection complete", fields...)

	title := fmt.Sprintf("TSNE of %s activations for layer %d", cfg.Data.Study, cfg.Data.Layer)
	return training.GenerateScatterPlot(title, embedding, labels, ds.Classes)
}

// projectionInput returns the rows to embed: all of them, or a seeded
// subsample of Projection.MaxPoints rows.
func (p *Pipeline) projectionInput(ds *activations.Dataset) (*mat.Dense, []int) {
	idx := projection.Subsample(ds.Len(), p.cfg.Projection.MaxPoints, p.cfg.Seed)
	if len(idx) == ds.Len() {
		return ds.X, ds.Y
	}

	p.logger.Info("subsampling for projection",
		zap.Int("examples", ds.Len()),
		zap.Int("points", len(idx)),
	)
	x := mat.NewDense(len(idx), ds.Features(), nil)
	labels := make([]int, len(idx))
	for i, row := range idx {
		x.SetRow(i, ds.X.RawRowView(row))
		labels[i] = ds.Y[row]
	}
	return x, labels
}

type namedPlot struct {
	key  string
	data training.PlotData
}

// plot renders the scatter and, if configured, the training curves and the
// confusion matrix. With tracking enabled the images are uploaded (the extra
// plots only with Tracking.ExtraPlots), otherwise they are written to the
// output directory and the scatter is optionally opened.
func (p *Pipeline) plot(ctx context.Context, scatter training.PlotData, collector *training.VisualizationCollector,
	client *tracking.Client, sink tracking.MetricsSink, res *Result) error {
	cfg := p.cfg
	opts := plotting.Options{WidthInches: cfg.Plot.WidthInches, HeightInches: cfg.Plot.HeightInches}

	plots := []namedPlot{{ImageTSNE, scatter}}
	if cfg.Plot.TrainingCurves && (client == nil || cfg.Tracking.ExtraPlots) {
		plots = append(plots,
			namedPlot{ImageTrainingCurves, collector.GenerateTrainingCurvesPlot()},
			namedPlot{ImageConfusion, collector.GenerateConfusionMatrixPlot()},
		)
	}

	for _, pl := range plots {
		img, err := plotting.Render(pl.data, opts)
		if err != nil {
			return errors.Wrapf(err, "rendering %s", pl.key)
		}

		if client != nil {
			if err := sink.LogImage(ctx, pl.key, img); err != nil {
				return err
			}
			if err := client.LogPlot(ctx, pl.data); err != nil {
				return err
			}
			continue
		}

		path := filepath.Join(cfg.Plot.OutputDir, cfg.Expand("{study}_layer_{layer}_")+pl.key+".png")
		if err := os.MkdirAll(cfg.Plot.OutputDir, 0755); err != nil {
			return errors.Wrap(err, "creating plot directory")
		}
		if err := os.WriteFile(path, img, 0644); err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
		res.Plots[pl.key] = path
		p.logger.Info("plot written", zap.String("key", pl.key), zap.String("path", path))
	}

	if client == nil && cfg.Plot.Open {
		if err := p.opener(res.Plots[ImageTSNE]); err != nil {
			p.logger.Warn("could not open plot", zap.String("path", res.Plots[ImageTSNE]), zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) checkpoint(model *layers.Sequential, spec *layers.ModelSpec, opt optimizer.Optimizer,
	ds *activations.Dataset, res *Result) error {
	path := p.cfg.Checkpoint.Path
	format, err := checkpoints.FormatFromPath(path)
	if err != nil {
		return err
	}
	optState, err := opt.GetState()
	if err != nil {
		return err
	}

	last := res.History[len(res.History)-1]
	metrics := last.Map()
	for k, v := range res.Test.Map() {
		metrics[k] = v
	}
	cp := &checkpoints.Checkpoint{
		ModelSpec: spec,
		Weights:   checkpoints.ExtractWeights(model.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Epoch:        len(res.History),
			Step:         int(opt.GetStepCount()),
			LearningRate: opt.GetLearningRate(),
			BestLoss:     last.ValidLoss,
			BestAccuracy: last.ValidAccuracy,
			TotalSteps:   int(opt.GetStepCount()),
			Metrics:      metrics,
		},
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("probe on %s", p.cfg.Column()),
			Tags:        []string{p.cfg.Data.Study, fmt.Sprintf("layer_%d", p.cfg.Data.Layer)},
			Classes:     ds.Classes,
			Column:      p.cfg.Column(),
		},
	}

	if err := checkpoints.NewCheckpointSaver(format).SaveCheckpoint(cp, path); err != nil {
		return err
	}
	p.logger.Info("checkpoint saved", zap.String("path", path), zap.Stringer("format", format))
	return nil
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ErrInvalid is returned (wrapped) by Validate for any rejected value.
var ErrInvalid = errors.New("invalid configuration")

// Optimizer names accepted by Training.Optimizer.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// Config holds every run parameter. It is passed by value and never
// mutated after Validate succeeds.
type Config struct {
	Data       Data       `yaml:"data"`
	Seed       int64      `yaml:"seed"`
	Model      Model      `yaml:"model"`
	Training   Training   `yaml:"training"`
	Projection Projection `yaml:"projection"`
	Plot       Plot       `yaml:"plot"`
	Tracking   Tracking   `yaml:"tracking"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Log        Log        `yaml:"log"`
}

// Data selects the activation table and the column to probe.
type Data struct {
	TablePath      string `yaml:"table_path"`
	Study          string `yaml:"study"`
	Layer          int    `yaml:"layer"`
	ColumnTemplate string `yaml:"column_template"`
	LabelColumn    string `yaml:"label_column"`
}

// Model configures the probe architecture.
type Model struct {
	HiddenSize int `yaml:"hidden_size"`
}

// Training configures batching, splitting and the optimizer.
type Training struct {
	BatchSize           int     `yaml:"batch_size"`
	LearningRate        float64 `yaml:"learning_rate"`
	ValSplit            float64 `yaml:"val_split"`
	TestSplit           float64 `yaml:"test_split"`
	UseValidationAsTest bool    `yaml:"use_validation_as_test"`
	Epochs              int     `yaml:"epochs"`
	NumWorkers          int     `yaml:"num_workers"`
	PrefetchDepth       int     `yaml:"prefetch_depth"`
	Optimizer           string  `yaml:"optimizer"`
	Beta1               float64 `yaml:"beta1"`
	Beta2               float64 `yaml:"beta2"`
	Epsilon             float64 `yaml:"epsilon"`
	WeightDecay         float64 `yaml:"weight_decay"`
	Momentum            float64 `yaml:"momentum"`
	Progress            bool    `yaml:"progress"`
}

// Projection configures the t-SNE embedding.
type Projection struct {
	Perplexity        float64 `yaml:"perplexity"`
	Iterations        int     `yaml:"iterations"`
	LearningRate      float64 `yaml:"learning_rate"`
	EarlyExaggeration float64 `yaml:"early_exaggeration"`
	MaxPoints         int     `yaml:"max_points"`
	Init              string  `yaml:"init"`
}

// Plot configures local rendering. It is ignored when tracking is enabled
// except for the image size.
type Plot struct {
	OutputDir      string  `yaml:"output_dir"`
	WidthInches    float64 `yaml:"width_inches"`
	HeightInches   float64 `yaml:"height_inches"`
	Open           bool    `yaml:"open"`
	TrainingCurves bool    `yaml:"training_curves"`
}

// Tracking configures the remote experiment tracker.
type Tracking struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	Project       string        `yaml:"project"`
	RunName       string        `yaml:"run_name"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	// ExtraPlots also uploads the training curves and confusion matrix
	// next to tsne_plot.
	ExtraPlots bool `yaml:"extra_plots"`
}

// Checkpoint configures where the trained probe is saved. Empty disables it.
type Checkpoint struct {
	Path string `yaml:"path"`
}

// Log configures the zap logger.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultMaxPoints caps the exact t-SNE, whose cost is quadratic in the
// number of points.
const DefaultMaxPoints = 5000

// Default returns the configuration of the reference probing run.
func Default() Config {
	return Config{
		Data: Data{
			TablePath:      "data/02-processed/activation_tracker.msgpack",
			Study:          "mlp_act",
			Layer:          1,
			ColumnTemplate: "{study}_{layer}",
			LabelColumn:    "language",
		},
		Seed:  2024,
		Model: Model{HiddenSize: 512},
		Training: Training{
			BatchSize:           8,
			LearningRate:        1e-3,
			ValSplit:            0.1,
			TestSplit:           0.1,
			UseValidationAsTest: true,
			Epochs:              10,
			NumWorkers:          10,
			PrefetchDepth:       4,
			Optimizer:           OptimizerAdam,
			Beta1:               0.9,
			Beta2:               0.999,
			Epsilon:             1e-8,
			Progress:            true,
		},
		Projection: Projection{
			Perplexity:        30,
			Iterations:        1000,
			EarlyExaggeration: 12,
			MaxPoints:         DefaultMaxPoints,
			Init:              "pca",
		},
		Plot: Plot{
			OutputDir:      "plots",
			WidthInches:    10,
			HeightInches:   10,
			TrainingCurves: true,
		},
		Tracking: Tracking{
			BaseURL:       "http://localhost:8080",
			Project:       "llama-3.2-1B-multilingual-interpretability",
			RunName:       "{study}_layer_{layer}",
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads a YAML file on top of Default. Keys missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// Validate reports the first rejected value.
func (c Config) Validate() error {
	switch {
	case c.Data.TablePath == "":
		return invalid("data.table_path is empty")
	case c.Data.Study == "":
		return invalid("data.study is empty")
	case c.Data.Layer < 0:
		return invalid("data.layer must be >= 0, got %d", c.Data.Layer)
	case c.Data.LabelColumn == "":
		return invalid("data.label_column is empty")
	case !strings.Contains(c.Data.ColumnTemplate, "{study}") && !strings.Contains(c.Data.ColumnTemplate, "{layer}"):
		return invalid("data.column_template %q has no {study} or {layer} placeholder", c.Data.ColumnTemplate)
	case c.Model.HiddenSize <= 0:
		return invalid("model.hidden_size must be positive, got %d", c.Model.HiddenSize)
	case c.Training.BatchSize <= 0:
		return invalid("training.batch_size must be positive, got %d", c.Training.BatchSize)
	case c.Training.Epochs <= 0:
		return invalid("training.epochs must be positive, got %d", c.Training.Epochs)
	case c.Training.LearningRate <= 0:
		return invalid("training.learning_rate must be positive, got %g", c.Training.LearningRate)
	case c.Training.ValSplit <= 0 || c.Training.ValSplit >= 1:
		return invalid("training.val_split must be in (0, 1), got %g", c.Training.ValSplit)
	case c.Training.NumWorkers < 0:
		return invalid("training.num_workers must be >= 0, got %d", c.Training.NumWorkers)
	case c.Training.PrefetchDepth < 0:
		return invalid("training.prefetch_depth must be >= 0, got %d", c.Training.PrefetchDepth)
	case c.Training.WeightDecay < 0:
		return invalid("training.weight_decay must be >= 0, got %g", c.Training.WeightDecay)
	case c.Projection.Perplexity <= 0:
		return invalid("projection.perplexity must be positive, got %g", c.Projection.Perplexity)
	case c.Projection.Iterations <= 250:
		return invalid("projection.iterations must exceed the 250 exaggeration iterations, got %d", c.Projection.Iterations)
	case c.Projection.MaxPoints < 0:
		return invalid("projection.max_points must be >= 0, got %d", c.Projection.MaxPoints)
	case c.Projection.Init != "pca" && c.Projection.Init != "random":
		return invalid("projection.init must be pca or random, got %q", c.Projection.Init)
	case c.Plot.WidthInches <= 0 || c.Plot.HeightInches <= 0:
		return invalid("plot size must be positive, got %gx%g", c.Plot.WidthInches, c.Plot.HeightInches)
	}

	if !c.Training.UseValidationAsTest {
		if c.Training.TestSplit <= 0 || c.Training.TestSplit >= 1 {
			return invalid("training.test_split must be in (0, 1), got %g", c.Training.TestSplit)
		}
		if c.Training.ValSplit+c.Training.TestSplit >= 1 {
			return invalid("training.val_split + training.test_split must be < 1")
		}
	}

	switch c.Training.Optimizer {
	case OptimizerAdam:
		if c.Training.Beta1 <= 0 || c.Training.Beta1 >= 1 {
			return invalid("training.beta1 must be in (0, 1), got %g", c.Training.Beta1)
		}
		if c.Training.Beta2 <= 0 || c.Training.Beta2 >= 1 {
			return invalid("training.beta2 must be in (0, 1), got %g", c.Training.Beta2)
		}
		if c.Training.Epsilon <= 0 {
			return invalid("training.epsilon must be positive, got %g", c.Training.Epsilon)
		}
	case OptimizerSGD:
		if c.Training.Momentum < 0 || c.Training.Momentum >= 1 {
			return invalid("training.momentum must be in [0, 1), got %g", c.Training.Momentum)
		}
	default:
		return invalid("unknown training.optimizer %q", c.Training.Optimizer)
	}

	if c.Tracking.Enabled {
		if c.Tracking.BaseURL == "" {
			return invalid("tracking.base_url is empty")
		}
		if c.Tracking.RetryAttempts <= 0 {
			return invalid("tracking.retry_attempts must be positive, got %d", c.Tracking.RetryAttempts)
		}
	}
	return nil
}

// Column is the activation column selected by Data.
func (c Config) Column() string {
	return c.Expand(c.Data.ColumnTemplate)
}

// RunName is the tracker run name.
func (c Config) RunName() string {
	return c.Expand(c.Tracking.RunName)
}

// Expand replaces the {study} and {layer} placeholders in s.
func (c Config) Expand(s string) string {
	r := strings.NewReplacer("{study}", c.Data.Study, "{layer}", strconv.Itoa(c.Data.Layer))
	return r.Replace(s)
}

// Hyperparams is the set of values reported to the tracker at run start.
func (c Config) Hyperparams() map[string]interface{} {
	return map[string]interface{}{
		"hidden_size":   c.Model.HiddenSize,
		"batch_size":    c.Training.BatchSize,
		"seed":          c.Seed,
		"learning_rate": c.Training.LearningRate,
		"val_split":     c.Training.ValSplit,
		"epochs":        c.Training.Epochs,
		"study":         c.Data.Study,
		"layer":         c.Data.Layer,
		"optimizer":     c.Training.Optimizer,
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-probe/activations"
	"github.com/tsawler/go-probe/checkpoints"
	"github.com/tsawler/go-probe/config"
	"gonum.org/v1/gonum/mat"
)

// writeTable writes 3 languages x 10 rows x 5 examples of 4 features to a
// msgpack file. Language i is shifted along feature i.
func writeTable(t *testing.T, dir string) string {
	t.Helper()
	rng := rand.New(rand.NewSource(9))
	table := &activations.Table{Column: "mlp_act_1", LabelColumn: "language"}
	for row := 0; row < 30; row++ {
		lang := row % 3
		acts := mat.NewDense(5, 4, nil)
		for i := 0; i < 5; i++ {
			for j := 0; j < 4; j++ {
				v := 0.3 * rng.NormFloat64()
				if j == lang {
					v += 4
				}
				acts.Set(i, j, v)
			}
		}
		table.Records = append(table.Records, activations.Record{
			Activations: acts,
			Label:       []string{"en", "es", "fr"}[lang],
		})
	}

	path := filepath.Join(dir, "acts.msgpack")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, activations.WriteTable(f, table))
	require.NoError(t, f.Close())
	return path
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Data.TablePath = writeTable(t, dir)
	cfg.Model.HiddenSize = 16
	cfg.Training.Epochs = 3
	cfg.Training.LearningRate = 0.01
	cfg.Training.NumWorkers = 2
	cfg.Training.Progress = false
	cfg.Projection.Iterations = 300
	cfg.Projection.Perplexity = 10
	cfg.Projection.MaxPoints = 60
	cfg.Plot.OutputDir = filepath.Join(dir, "plots")
	cfg.Plot.WidthInches = 4
	cfg.Plot.HeightInches = 4
	return cfg
}

func TestRunLocal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plot.Open = true
	cfg.Checkpoint.Path = filepath.Join(t.TempDir(), "probe.pb")

	var opened []string
	p, err := New(cfg, nil, WithOutput(io.Discard), WithOpener(func(path string) error {
		opened = append(opened, path)
		return errors.New("no display")
	}))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 150, res.Summary.Examples)
	assert.Equal(t, []string{"en", "es", "fr"}, res.Classes)
	assert.Equal(t, 135, res.TrainSize)
	assert.Equal(t, 15, res.ValSize)
	assert.Equal(t, 15, res.TestSize, "validation set doubles as test set")
	require.Len(t, res.History, 3)
	assert.GreaterOrEqual(t, res.Test.Accuracy, 0.0)
	assert.LessOrEqual(t, res.Test.F1, 1.0)
	assert.Empty(t, res.RunID)

	r, c := res.Embedding.Dims()
	assert.Equal(t, 60, r)
	assert.Equal(t, 2, c)

	for _, key := range []string{ImageTSNE, ImageTrainingCurves, ImageConfusion} {
		path := res.Plots[key]
		require.NotEmpty(t, path, key)
		assert.True(t, strings.HasSuffix(path, "mlp_act_layer_1_"+key+".png"))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
	assert.Equal(t, []string{res.Plots[ImageTSNE]}, opened)

	cp, err := checkpoints.NewCheckpointSaver(checkpoints.FormatProto).LoadCheckpoint(res.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, []string{"en", "es", "fr"}, cp.Metadata.Classes)
	assert.Equal(t, "mlp_act_1", cp.Metadata.Column)
	assert.Equal(t, 3, cp.TrainingState.Epoch)
	assert.InDelta(t, res.Test.Accuracy, cp.TrainingState.Metrics["test_acc"], 1e-12)
	model, err := checkpoints.Restore(cp)
	require.NoError(t, err)
	assert.Len(t, model.Parameters(), 6)
}

func TestRunThreeWaySplit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.UseValidationAsTest = false
	cfg.Plot.TrainingCurves = false

	p, err := New(cfg, nil, WithOutput(io.Discard))
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 120, res.TrainSize)
	assert.Equal(t, 15, res.ValSize)
	assert.Equal(t, 15, res.TestSize)
	assert.Equal(t, 15, res.Test.Samples)
	assert.Len(t, res.Plots, 1)
}

type trackerLog struct {
	mu     sync.Mutex
	paths  []string
	images []string
	status string
}

func (l *trackerLog) handler(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	l.mu.Lock()
	defer l.mu.Unlock()
	parts := strings.Split(r.URL.Path, "/")
	l.paths = append(l.paths, parts[len(parts)-1])
	if key, ok := body["key"].(string); ok {
		l.images = append(l.images, key)
	}
	if status, ok := body["status"].(string); ok {
		l.status = status
	}
}

func (l *trackerLog) count(endpoint string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.paths {
		if p == endpoint {
			n++
		}
	}
	return n
}

func TestRunTracking(t *testing.T) {
	log := &trackerLog{}
	server := httptest.NewServer(http.HandlerFunc(log.handler))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Tracking.Enabled = true
	cfg.Tracking.BaseURL = server.URL

	p, err := New(cfg, nil, WithOutput(io.Discard))
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Empty(t, res.Plots, "nothing is written locally when tracking")
	_, err = os.Stat(cfg.Plot.OutputDir)
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, 1, log.count("health"))
	assert.Equal(t, 1, log.count("runs"))
	assert.Equal(t, 1, log.count("config"))
	assert.Equal(t, 4, log.count("metrics"), "one per epoch plus the test pass")
	assert.Equal(t, 1, log.count("plots"))
	assert.Equal(t, 1, log.count("finish"))
	assert.Equal(t, []string{ImageTSNE}, log.images)
	assert.Equal(t, "finished", log.status)
}

func TestRunTrackingExtraPlots(t *testing.T) {
	log := &trackerLog{}
	server := httptest.NewServer(http.HandlerFunc(log.handler))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Tracking.Enabled = true
	cfg.Tracking.BaseURL = server.URL
	cfg.Tracking.ExtraPlots = true

	p, err := New(cfg, nil, WithOutput(io.Discard))
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, log.count("plots"))
	assert.Equal(t, []string{ImageTSNE, ImageTrainingCurves, ImageConfusion}, log.images)
}

func TestRunTrackingMarksFailedRun(t *testing.T) {
	log := &trackerLog{}
	server := httptest.NewServer(http.HandlerFunc(log.handler))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Tracking.Enabled = true
	cfg.Tracking.BaseURL = server.URL
	cfg.Checkpoint.Path = filepath.Join(t.TempDir(), "probe.bin")

	p, err := New(cfg, nil, WithOutput(io.Discard))
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, log.count("finish"))
	assert.Equal(t, "failed", log.status)
}

func TestProjectionInputSubsamplesByDefault(t *testing.T) {
	n := config.DefaultMaxPoints + 1000
	ds := &activations.Dataset{
		X:       mat.NewDense(n, 2, nil),
		Y:       make([]int, n),
		Classes: []string{"en"},
	}
	for i := 0; i < n; i++ {
		ds.X.Set(i, 0, float64(i))
	}

	cfg := config.Default()
	cfg.Data.TablePath = "unused.msgpack"
	p, err := New(cfg, nil)
	require.NoError(t, err)

	x, labels := p.projectionInput(ds)
	r, _ := x.Dims()
	assert.Equal(t, config.DefaultMaxPoints, r)
	assert.Len(t, labels, config.DefaultMaxPoints)
	for i := 1; i < r; i++ {
		require.Less(t, x.At(i-1, 0), x.At(i, 0), "rows keep their order")
	}

	cfg.Projection.MaxPoints = 0
	p, err = New(cfg, nil)
	require.NoError(t, err)
	x, _ = p.projectionInput(ds)
	assert.Same(t, ds.X, x)
}

func TestRunTrackerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Tracking.Enabled = true
	cfg.Tracking.BaseURL = server.URL
	cfg.Tracking.RetryAttempts = 1

	p, err := New(cfg, nil, WithOutput(io.Discard))
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracking")
}

func TestRunFailsFast(t *testing.T) {
	t.Run("missing column", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Data.Layer = 2

		p, err := New(cfg, nil, WithOutput(io.Discard))
		require.NoError(t, err)
		_, err = p.Run(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, activations.ErrColumnNotFound), "got %v", err)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Data.TablePath = filepath.Join(t.TempDir(), "absent.msgpack")

		p, err := New(cfg, nil, WithOutput(io.Discard))
		require.NoError(t, err)
		_, err = p.Run(context.Background())
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Training.BatchSize = 0
		_, err := New(cfg, nil)
		assert.True(t, errors.Is(err, config.ErrInvalid))
	})

	t.Run("bad checkpoint extension", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Plot.TrainingCurves = false
		cfg.Checkpoint.Path = filepath.Join(t.TempDir(), "probe.bin")

		p, err := New(cfg, nil, WithOutput(io.Discard))
		require.NoError(t, err)
		_, err = p.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checkpoint")
	})
}

// lineEmbedder places every point on the diagonal.
type lineEmbedder struct{ calls int }

func (l *lineEmbedder) Embed(ctx context.Context, x *mat.Dense) (*mat.Dense, error) {
	l.calls++
	n, _ := x.Dims()
	y := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		y.Set(i, 0, float64(i))
		y.Set(i, 1, float64(i))
	}
	return y, nil
}

func TestRunCustomEmbedder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Projection.MaxPoints = 0
	cfg.Plot.TrainingCurves = false

	e := &lineEmbedder{}
	p, err := New(cfg, nil, WithOutput(io.Discard), WithEmbedder(e))
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, e.calls)
	r, _ := res.Embedding.Dims()
	assert.Equal(t, 150, r)
	assert.Equal(t, 149.0, res.Embedding.At(149, 1))
}

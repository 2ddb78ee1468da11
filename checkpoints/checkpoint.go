package checkpoints

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-probe/layers"
)

// CheckpointFormat is the on-disk encoding of a Checkpoint.
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	if cf == FormatJSON {
		return "JSON"
	} else if cf == FormatProto {
		return "Proto"
	}
	return "Unknown"
}

// FormatFromPath picks the format from the file extension: .json or .pb.
func FormatFromPath(path string) (CheckpointFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".pb":
		return FormatProto, nil
	default:
		return 0, errors.Errorf("unknown checkpoint extension %q (want .json or .pb)", filepath.Ext(path))
	}
}

// Checkpoint is everything needed to restore a trained probe. OptimizerState
// is nil when the optimizer was not saved.
type Checkpoint struct {
	ModelSpec      *layers.ModelSpec  `json:"model_spec"`
	Weights        []WeightTensor     `json:"weights"`
	TrainingState  TrainingState      `json:"training_state"`
	OptimizerState *OptimizerState    `json:"optimizer_state,omitempty"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one parameter, row-major.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState records where training stopped and how it scored.
type TrainingState struct {
	Epoch        int                `json:"epoch"`
	Step         int                `json:"step"`
	LearningRate float64            `json:"learning_rate"`
	BestLoss     float64            `json:"best_loss"`
	BestAccuracy float64            `json:"best_accuracy"`
	TotalSteps   int                `json:"total_steps"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// OptimizerState holds the optimizer hyperparameters and its per-parameter
// buffers.
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor is one optimizer buffer for the parameter Name.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Classes     []string  `json:"classes,omitempty"` // label per output index
	Column      string    `json:"column,omitempty"`  // activation column the probe was trained on
}

// CheckpointSaver reads and writes checkpoints in a single format.
type CheckpointSaver struct {
	format CheckpointFormat
}

func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint stamps missing metadata and writes checkpoint to path,
// creating the parent directory.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-probe"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create checkpoint directory")
		}
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProto:
		return cs.saveProto(checkpoint, path)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProto:
		return cs.loadProto(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	return file.Close()
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}

	return &checkpoint, nil
}

// ExtractWeights copies model parameters into checkpoint tensors. Parameter
// names have the form "<layer>.<type>".
func ExtractWeights(params []*layers.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		r, c := p.Value.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}

		layer, kind := p.Name, ""
		if i := strings.LastIndex(p.Name, "."); i >= 0 {
			layer, kind = p.Name[:i], p.Name[i+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: []int{r, c},
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies checkpoint tensors into the parameters with the same
// name. Every parameter must be present with a matching shape.
func LoadWeights(weights []WeightTensor, params []*layers.Parameter) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no tensor %q", p.Name)
		}
		r, c := p.Value.Dims()
		if len(w.Shape) != 2 || w.Shape[0] != r || w.Shape[1] != c || len(w.Data) != r*c {
			return errors.Errorf("tensor %q has shape %v, parameter is [%d %d]", p.Name, w.Shape, r, c)
		}
		for i := 0; i < r; i++ {
			copy(p.Value.RawRowView(i), w.Data[i*c:(i+1)*c])
		}
	}
	return nil
}

// Restore rebuilds the model described by the checkpoint and loads its
// weights.
func Restore(checkpoint *Checkpoint) (*layers.Sequential, error) {
	if checkpoint.ModelSpec == nil {
		return nil, errors.New("checkpoint has no model spec")
	}
	// initial values are overwritten by LoadWeights
	model, err := layers.Build(checkpoint.ModelSpec, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, errors.Wrap(err, "rebuilding model")
	}
	if err := LoadWeights(checkpoint.Weights, model.Parameters()); err != nil {
		return nil, err
	}
	return model, nil
}

package layers

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// LayerType tags a LayerSpec.
type LayerType int

const (
	LayerDense LayerType = iota
	LayerReLU
)

var layerTypeNames = map[LayerType]string{
	LayerDense: "Dense",
	LayerReLU:  "ReLU",
}

func (lt LayerType) String() string {
	if name, ok := layerTypeNames[lt]; ok {
		return name
	}
	return "Unknown"
}

// LayerSpec describes one layer. Shapes and counts are filled in by Compile;
// Parameters carries output_size and use_bias for dense layers, plus
// input_size once compiled.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	InputShape      []int   `json:"input_shape,omitempty"`
	OutputShape     []int   `json:"output_shape,omitempty"`
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// DenseSizes returns the input and output width of a compiled dense layer.
func (ls LayerSpec) DenseSizes() (in, out int) {
	in, _ = IntParam(ls.Parameters["input_size"])
	out, _ = IntParam(ls.Parameters["output_size"])
	return in, out
}

// UseBias defaults to true when the parameter is absent.
func (ls LayerSpec) UseBias() bool {
	if b, ok := ls.Parameters["use_bias"].(bool); ok {
		return b
	}
	return true
}

// ModelSpec is a compiled stack of layers. It is what checkpoints persist
// and what Build turns back into a Sequential.
type ModelSpec struct {
	Layers          []LayerSpec `json:"layers"`
	TotalParameters int64       `json:"total_parameters"`
	ParameterShapes [][]int     `json:"parameter_shapes"`
	InputShape      []int       `json:"input_shape"`
	OutputShape     []int       `json:"output_shape"`
	Compiled        bool        `json:"compiled"`
}

// ModelBuilder accumulates layers until Compile.
type ModelBuilder struct {
	inputShape []int
	layers     []LayerSpec
}

// NewModelBuilder starts a model whose input is [batch, features].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{inputShape: inputShape}
}

func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       LayerDense,
		Name:       name,
		Parameters: map[string]interface{}{"output_size": outputSize, "use_bias": useBias},
	})
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: LayerReLU, Name: name, Parameters: map[string]interface{}{}})
}

// Compile infers every layer's shapes and parameter count. The builder's
// layers are copied, so the builder can be reused.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	switch {
	case len(mb.layers) == 0:
		return nil, errors.New("cannot compile empty model")
	case len(mb.inputShape) != 2:
		return nil, errors.Errorf("input shape must be [batch, features], got %v", mb.inputShape)
	}

	ms := &ModelSpec{InputShape: append([]int(nil), mb.inputShape...)}
	shape := ms.InputShape
	for i, src := range mb.layers {
		l := src
		l.Parameters = make(map[string]interface{}, len(src.Parameters)+1)
		for k, v := range src.Parameters {
			l.Parameters[k] = v
		}
		l.InputShape = append([]int(nil), shape...)

		if err := infer(&l); err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s)", i, l.Name)
		}
		ms.Layers = append(ms.Layers, l)
		ms.ParameterShapes = append(ms.ParameterShapes, l.ParameterShapes...)
		ms.TotalParameters += l.ParameterCount
		shape = l.OutputShape
	}
	ms.OutputShape = shape
	ms.Compiled = true
	return ms, nil
}

// infer fills the output shape and parameter metadata of l from its input
// shape.
func infer(l *LayerSpec) error {
	batch, width := l.InputShape[0], l.InputShape[1]
	switch l.Type {
	case LayerReLU:
		l.OutputShape = []int{batch, width}
		return nil
	case LayerDense:
		out, ok := IntParam(l.Parameters["output_size"])
		if !ok || out <= 0 {
			return errors.Errorf("invalid output_size %v", l.Parameters["output_size"])
		}
		if width <= 0 {
			return errors.Errorf("invalid input size %d", width)
		}
		l.Parameters["input_size"] = width
		l.OutputShape = []int{batch, out}
		l.ParameterShapes = [][]int{{width, out}}
		l.ParameterCount = int64(width * out)
		if l.UseBias() {
			l.ParameterShapes = append(l.ParameterShapes, []int{out})
			l.ParameterCount += int64(out)
		}
		return nil
	default:
		return errors.Errorf("unsupported layer type: %s", l.Type)
	}
}

// IntParam reads an integer layer parameter, accepting the float64 values
// a spec carries after a JSON round trip.
func IntParam(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), float64(int(n)) == n
	default:
		return 0, false
	}
}

func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary: %v -> %v\n", ms.InputShape, ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %s\n", humanize.Comma(ms.TotalParameters))
	for i, l := range ms.Layers {
		fmt.Fprintf(&sb, "  %d. %-8s %-6s %v -> %v  params=%s\n", i+1, l.Name, l.Type,
			l.InputShape, l.OutputShape, humanize.Comma(l.ParameterCount))
	}
	return sb.String()
}

// Build instantiates a compiled spec, drawing initial weights from rng.
func Build(spec *ModelSpec, rng *rand.Rand) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model not compiled")
	}

	modules := make([]Module, 0, len(spec.Layers))
	for i, l := range spec.Layers {
		switch l.Type {
		case LayerDense:
			in, out := l.DenseSizes()
			modules = append(modules, NewDense(l.Name, in, out, l.UseBias(), rng))
		case LayerReLU:
			modules = append(modules, NewReLU(l.Name))
		default:
			return nil, errors.Errorf("layer %d: unsupported layer type %s", i, l.Type)
		}
	}
	return NewSequential(modules...), nil
}

// MLPSpec compiles the probe architecture fc1 -> relu -> fc2 -> relu -> fc3.
func MLPSpec(inputSize, hiddenSize, numClasses int) (*ModelSpec, error) {
	return NewModelBuilder([]int{1, inputSize}).
		AddDense(hiddenSize, true, "fc1").
		AddReLU("relu1").
		AddDense(hiddenSize, true, "fc2").
		AddReLU("relu2").
		AddDense(numClasses, true, "fc3").
		Compile()
}

// NewMLPClassifier builds the three-layer probe with seeded initialization.
func NewMLPClassifier(inputSize, hiddenSize, numClasses int, seed int64) (*Sequential, *ModelSpec, error) {
	spec, err := MLPSpec(inputSize, hiddenSize, numClasses)
	if err != nil {
		return nil, nil, err
	}
	model, err := Build(spec, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, nil, err
	}
	return model, spec, nil
}

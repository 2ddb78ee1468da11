package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Parameter is a trainable tensor and its accumulated gradient.
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParameter(name string, rows, cols int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// ZeroGrad resets the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *mat.Dense) (*mat.Dense, error)
	// Backward takes dLoss/dOutput of the last Forward call, accumulates
	// parameter gradients and returns dLoss/dInput.
	Backward(gradOutput *mat.Dense) (*mat.Dense, error)
	Parameters() []*Parameter
	Train()           // Sets module to training mode
	Eval()            // Sets module to evaluation mode
	IsTraining() bool // Returns true if in training mode
}

// DenseLayer implements a fully connected layer: y = xW + b
type DenseLayer struct {
	name     string
	weight   *Parameter // [inputSize, outputSize]
	bias     *Parameter // [1, outputSize], nil without bias
	input    *mat.Dense
	training bool
}

// NewDense creates a dense layer with weights and bias drawn from
// U(-1/sqrt(inputSize), 1/sqrt(inputSize)).
func NewDense(name string, inputSize, outputSize int, bias bool, rng *rand.Rand) *DenseLayer {
	bound := 1 / math.Sqrt(float64(inputSize))
	uniform := func(v []float64) {
		for i := range v {
			v[i] = (rng.Float64()*2 - 1) * bound
		}
	}

	d := &DenseLayer{
		name:     name,
		weight:   newParameter(name+".weight", inputSize, outputSize),
		training: true,
	}
	uniform(d.weight.Value.RawMatrix().Data)
	if bias {
		d.bias = newParameter(name+".bias", 1, outputSize)
		uniform(d.bias.Value.RawMatrix().Data)
	}
	return d
}

// Forward performs the forward pass: y = xW + b
func (d *DenseLayer) Forward(input *mat.Dense) (*mat.Dense, error) {
	batch, in := input.Dims()
	wIn, out := d.weight.Value.Dims()
	if in != wIn {
		return nil, errors.Errorf("%s: input size mismatch: expected %d, got %d", d.name, wIn, in)
	}

	output := mat.NewDense(batch, out, nil)
	output.Mul(input, d.weight.Value)
	if d.bias != nil {
		b := d.bias.Value.RawRowView(0)
		for i := 0; i < batch; i++ {
			floats.Add(output.RawRowView(i), b)
		}
	}

	d.input = input
	return output, nil
}

// Backward accumulates dW = x^T g and db = sum_rows(g), returning g W^T.
func (d *DenseLayer) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if d.input == nil {
		return nil, errors.Errorf("%s: backward called before forward", d.name)
	}
	batch, in := d.input.Dims()
	gb, out := gradOutput.Dims()
	if gb != batch || out != d.weight.Value.RawMatrix().Cols {
		return nil, errors.Errorf("%s: gradient shape %dx%d does not match output %dx%d",
			d.name, gb, out, batch, d.weight.Value.RawMatrix().Cols)
	}

	var dW mat.Dense
	dW.Mul(d.input.T(), gradOutput)
	d.weight.Grad.Add(d.weight.Grad, &dW)

	if d.bias != nil {
		db := d.bias.Grad.RawRowView(0)
		for i := 0; i < batch; i++ {
			floats.Add(db, gradOutput.RawRowView(i))
		}
	}

	gradInput := mat.NewDense(batch, in, nil)
	gradInput.Mul(gradOutput, d.weight.Value.T())
	return gradInput, nil
}

// Parameters returns the weight followed by the bias.
func (d *DenseLayer) Parameters() []*Parameter {
	if d.bias == nil {
		return []*Parameter{d.weight}
	}
	return []*Parameter{d.weight, d.bias}
}

// Train sets the layer to training mode
func (d *DenseLayer) Train() { d.training = true }

// Eval sets the layer to evaluation mode
func (d *DenseLayer) Eval() { d.training = false }

// IsTraining returns true if in training mode
func (d *DenseLayer) IsTraining() bool { return d.training }

// ReLULayer implements max(0, x)
type ReLULayer struct {
	name     string
	mask     *mat.Dense
	training bool
}

// NewReLU creates a new ReLU activation
func NewReLU(name string) *ReLULayer {
	return &ReLULayer{name: name, training: true}
}

// Forward applies the activation element-wise.
func (r *ReLULayer) Forward(input *mat.Dense) (*mat.Dense, error) {
	rows, cols := input.Dims()
	output := mat.NewDense(rows, cols, nil)
	mask := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		in, o, m := input.RawRowView(i), output.RawRowView(i), mask.RawRowView(i)
		for j, v := range in {
			if v > 0 {
				o[j] = v
				m[j] = 1
			}
		}
	}
	r.mask = mask
	return output, nil
}

// Backward passes the gradient through where the input was positive.
func (r *ReLULayer) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if r.mask == nil {
		return nil, errors.Errorf("%s: backward called before forward", r.name)
	}
	var gradInput mat.Dense
	gradInput.MulElem(gradOutput, r.mask)
	return &gradInput, nil
}

// Parameters returns nothing; ReLU has no trainable state.
func (r *ReLULayer) Parameters() []*Parameter { return nil }

// Train sets the layer to training mode
func (r *ReLULayer) Train() { r.training = true }

// Eval sets the layer to evaluation mode
func (r *ReLULayer) Eval() { r.training = false }

// IsTraining returns true if in training mode
func (r *ReLULayer) IsTraining() bool { return r.training }

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *mat.Dense) (*mat.Dense, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, errors.Wrapf(err, "module %d forward failed", i)
		}
	}

	return output, nil
}

// Backward propagates the gradient through the modules in reverse order.
func (s *Sequential) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	grad := gradOutput
	var err error

	for i := len(s.modules) - 1; i >= 0; i-- {
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, errors.Wrapf(err, "module %d backward failed", i)
		}
	}

	return grad, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*Parameter {
	var allParams []*Parameter
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// ZeroGrad resets the gradients of every parameter.
func (s *Sequential) ZeroGrad() {
	for _, p := range s.Parameters() {
		p.ZeroGrad()
	}
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining returns true if in training mode
func (s *Sequential) IsTraining() bool {
	return s.training
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Predict returns the arg-max column of each row; ties go to the lowest
// index.
func Predict(logits mat.Matrix) []int {
	rows, cols := logits.Dims()
	preds := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := 0
		for j := 1; j < cols; j++ {
			if logits.At(i, j) > logits.At(i, best) {
				best = j
			}
		}
		preds[i] = best
	}
	return preds
}

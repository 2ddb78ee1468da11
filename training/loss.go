package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Forward(logits *mat.Dense, targets []int) (float64, error)
	Backward(logits *mat.Dense, targets []int) (*mat.Dense, error)
}

// CrossEntropyLoss implements softmax cross entropy over class indices
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

func (ce *CrossEntropyLoss) check(logits *mat.Dense, targets []int) (int, int, error) {
	batchSize, numClasses := logits.Dims()
	if len(targets) != batchSize {
		return 0, 0, errors.Errorf("batch size mismatch: logits %d, targets %d", batchSize, len(targets))
	}
	for i, y := range targets {
		if y < 0 || y >= numClasses {
			return 0, 0, errors.Errorf("target %d of sample %d out of range [0, %d)", y, i, numClasses)
		}
	}
	return batchSize, numClasses, nil
}

// Forward computes -log softmax(logits)[target], reduced over the batch.
// logits: [batch_size, num_classes], targets: class indices
func (ce *CrossEntropyLoss) Forward(logits *mat.Dense, targets []int) (float64, error) {
	batchSize, _, err := ce.check(logits, targets)
	if err != nil {
		return 0, err
	}

	total := 0.0
	for i, y := range targets {
		row := logits.RawRowView(i)
		total += floats.LogSumExp(row) - row[y]
	}

	if ce.reduction == "mean" {
		total /= float64(batchSize)
	}
	return total, nil
}

// Backward computes dLoss/dLogits = (softmax(logits) - onehot(target)),
// divided by the batch size under mean reduction
func (ce *CrossEntropyLoss) Backward(logits *mat.Dense, targets []int) (*mat.Dense, error) {
	batchSize, numClasses, err := ce.check(logits, targets)
	if err != nil {
		return nil, err
	}

	scale := 1.0
	if ce.reduction == "mean" {
		scale = 1 / float64(batchSize)
	}

	grad := mat.NewDense(batchSize, numClasses, nil)
	for i, y := range targets {
		row := logits.RawRowView(i)
		g := grad.RawRowView(i)
		lse := floats.LogSumExp(row)
		for j, v := range row {
			g[j] = math.Exp(v-lse) * scale
		}
		g[y] -= scale
	}
	return grad, nil
}

// Softmax returns the row-wise softmax of logits
func Softmax(logits mat.Matrix) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		mat.Row(row, i, logits)
		lse := floats.LogSumExp(row)
		for j := range row {
			row[j] = math.Exp(row[j] - lse)
		}
	}
	return out
}

package training

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MetricType selects a score derived from a ConfusionMatrix. Macro scores
// average per-class values; micro scores pool the counts first.
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

var metricNames = [...]string{"Accuracy", "MacroPrecision", "MacroRecall", "MacroF1", "MicroPrecision", "MicroRecall", "MicroF1"}

func (mt MetricType) String() string {
	if mt >= 0 && int(mt) < len(metricNames) {
		return metricNames[mt]
	}
	return fmt.Sprintf("Unknown(%d)", int(mt))
}

// ConfusionMatrix counts predictions per true class. Matrix is indexed
// [true][predicted].
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	cm := &ConfusionMatrix{NumClasses: numClasses, Matrix: make([][]int, numClasses)}
	for i := range cm.Matrix {
		cm.Matrix[i] = make([]int, numClasses)
	}
	return cm
}

// Reset zeroes the counts, keeping the class count.
func (cm *ConfusionMatrix) Reset() {
	for _, row := range cm.Matrix {
		for j := range row {
			row[j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one batch of predicted and true class indices
func (cm *ConfusionMatrix) Update(predictions, labels []int) error {
	if len(predictions) != len(labels) {
		return errors.Errorf("predictions length mismatch: %d predictions for %d labels", len(predictions), len(labels))
	}

	for i, trueClass := range labels {
		predClass := predictions[i]
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return errors.Errorf("label %d out of range [0, %d)", trueClass, cm.NumClasses)
		}
		if predClass < 0 || predClass >= cm.NumClasses {
			return errors.Errorf("prediction %d out of range [0, %d)", predClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}
	return nil
}

// counts returns true positives, false positives and false negatives of class
func (cm *ConfusionMatrix) counts(class int) (tp, fp, fn float64) {
	tp = float64(cm.Matrix[class][class])
	for other := 0; other < cm.NumClasses; other++ {
		if other == class {
			continue
		}
		fp += float64(cm.Matrix[other][class])
		fn += float64(cm.Matrix[class][other])
	}
	return tp, fp, fn
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// GetMetric calculates an evaluation metric. Macro averages skip classes
// that occur neither as label nor as prediction and are 0 when no class
// remains.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision, MacroRecall, MacroF1:
		return cm.macro(metric)
	case MicroPrecision, MicroRecall, MicroF1:
		return cm.micro(metric)
	default:
		return 0.0
	}
}

func (cm *ConfusionMatrix) macro(metric MetricType) float64 {
	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp, fp, fn := cm.counts(class)
		if tp+fp+fn == 0 {
			continue
		}
		validClasses++

		switch metric {
		case MacroPrecision:
			sum += ratio(tp, tp+fp)
		case MacroRecall:
			sum += ratio(tp, tp+fn)
		case MacroF1:
			sum += ratio(2*tp, 2*tp+fp+fn)
		}
	}

	return ratio(sum, float64(validClasses))
}

func (cm *ConfusionMatrix) micro(metric MetricType) float64 {
	var totalTP, totalFP, totalFN float64
	for class := 0; class < cm.NumClasses; class++ {
		tp, fp, fn := cm.counts(class)
		totalTP += tp
		totalFP += fp
		totalFN += fn
	}

	switch metric {
	case MicroPrecision:
		return ratio(totalTP, totalTP+totalFP)
	case MicroRecall:
		return ratio(totalTP, totalTP+totalFN)
	default:
		return ratio(2*totalTP, 2*totalTP+totalFP+totalFN)
	}
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	correct := 0
	for class := 0; class < cm.NumClasses; class++ {
		correct += cm.Matrix[class][class]
	}
	return ratio(float64(correct), float64(cm.TotalSamples))
}

// ClassMetrics holds the per-class scores of a confusion matrix
type ClassMetrics struct {
	Class     int
	Precision float64
	Recall    float64
	F1        float64
	Support   int // number of true samples
}

// PerClass returns precision, recall, F1 and support for every class
func (cm *ConfusionMatrix) PerClass() []ClassMetrics {
	out := make([]ClassMetrics, cm.NumClasses)
	for class := range out {
		tp, fp, fn := cm.counts(class)
		out[class] = ClassMetrics{
			Class:     class,
			Precision: ratio(tp, tp+fp),
			Recall:    ratio(tp, tp+fn),
			F1:        ratio(2*tp, 2*tp+fp+fn),
			Support:   int(tp + fn),
		}
	}
	return out
}

// ClassReport formats the per-class scores as a table. classNames may be
// shorter than the class count; missing names fall back to the index.
func (cm *ConfusionMatrix) ClassReport(classNames []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s %9s %9s %9s %9s\n", "class", "precision", "recall", "f1", "support")
	for _, m := range cm.PerClass() {
		name := fmt.Sprint(m.Class)
		if m.Class < len(classNames) {
			name = classNames[m.Class]
		}
		fmt.Fprintf(&sb, "%-12s %9.4f %9.4f %9.4f %9d\n", name, m.Precision, m.Recall, m.F1, m.Support)
	}
	fmt.Fprintf(&sb, "%-12s %9.4f %9.4f %9.4f %9d\n", "macro",
		cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall), cm.GetMetric(MacroF1), cm.TotalSamples)
	return sb.String()
}

// EpochAccumulator aggregates loss and predictions over one pass
type EpochAccumulator struct {
	lossSum float64
	samples int
	cm      *ConfusionMatrix
}

// NewEpochAccumulator creates an accumulator for numClasses classes
func NewEpochAccumulator(numClasses int) *EpochAccumulator {
	return &EpochAccumulator{cm: NewConfusionMatrix(numClasses)}
}

// Add records a batch with mean loss batchLoss
func (ea *EpochAccumulator) Add(batchLoss float64, predictions, labels []int) error {
	if err := ea.cm.Update(predictions, labels); err != nil {
		return err
	}
	ea.lossSum += batchLoss * float64(len(labels))
	ea.samples += len(labels)
	return nil
}

// Loss returns the sample-weighted mean loss
func (ea *EpochAccumulator) Loss() float64 {
	return ratio(ea.lossSum, float64(ea.samples))
}

// Accuracy returns the fraction of correct predictions
func (ea *EpochAccumulator) Accuracy() float64 {
	return ea.cm.GetAccuracy()
}

// Samples returns the number of samples seen
func (ea *EpochAccumulator) Samples() int {
	return ea.samples
}

// ConfusionMatrix returns the underlying confusion matrix
func (ea *EpochAccumulator) ConfusionMatrix() *ConfusionMatrix {
	return ea.cm
}

// Reset clears the accumulator for a new pass
func (ea *EpochAccumulator) Reset() {
	ea.lossSum = 0
	ea.samples = 0
	ea.cm.Reset()
}

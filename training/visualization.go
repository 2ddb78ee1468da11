package training

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves      PlotType = "training_curves"
	EmbeddingScatter    PlotType = "embedding_scatter"
	ConfusionMatrixPlot PlotType = "confusion_matrix"
)

// PlotData is the renderer-independent description of one plot. It is
// rendered to PNG by the plotting package and may be shipped as JSON.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"` // "line", "scatter", "heatmap"
	Data  []DataPoint `json:"data"`
	Style SeriesStyle `json:"style,omitempty"`
}

// SeriesStyle holds optional rendering hints for a series
type SeriesStyle struct {
	Dashed bool    `json:"dashed,omitempty"`
	Radius float64 `json:"radius,omitempty"` // points, scatter only
}

// DataPoint represents a single data point
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z,omitempty"` // heatmap cell value
	Label string  `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// VisualizationCollector handles data collection for plotting
type VisualizationCollector struct {
	modelName string
	enabled   bool

	epochs             []int
	trainingLoss       []float64
	trainingAccuracy   []float64
	validationLoss     []float64
	validationAccuracy []float64

	confusionMatrix [][]int
	classNames      []string
}

// NewVisualizationCollector creates an enabled collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName: modelName,
		enabled:   true,
	}
}

// Enable enables data collection
func (vc *VisualizationCollector) Enable() {
	vc.enabled = true
}

// Disable disables data collection
func (vc *VisualizationCollector) Disable() {
	vc.enabled = false
}

// IsEnabled returns whether visualization is enabled
func (vc *VisualizationCollector) IsEnabled() bool {
	return vc.enabled
}

// RecordEpoch records the end-of-epoch metrics
func (vc *VisualizationCollector) RecordEpoch(m EpochMetrics) {
	if !vc.enabled {
		return
	}
	vc.epochs = append(vc.epochs, m.Epoch)
	vc.trainingLoss = append(vc.trainingLoss, m.TrainLoss)
	vc.trainingAccuracy = append(vc.trainingAccuracy, m.TrainAccuracy)
	vc.validationLoss = append(vc.validationLoss, m.ValidLoss)
	vc.validationAccuracy = append(vc.validationAccuracy, m.ValidAccuracy)
}

// RecordConfusionMatrix stores the final confusion matrix
func (vc *VisualizationCollector) RecordConfusionMatrix(cm *ConfusionMatrix, classNames []string) {
	if !vc.enabled || cm == nil {
		return
	}
	vc.confusionMatrix = make([][]int, len(cm.Matrix))
	for i := range cm.Matrix {
		vc.confusionMatrix[i] = append([]int(nil), cm.Matrix[i]...)
	}
	vc.classNames = append([]string(nil), classNames...)
}

// Epochs returns the number of recorded epochs
func (vc *VisualizationCollector) Epochs() int {
	return len(vc.epochs)
}

// GenerateTrainingCurvesPlot generates training curves plot data, one line
// per metric with epochs numbered from 1.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	line := func(name string, values []float64, dashed bool) SeriesData {
		s := SeriesData{
			Name:  name,
			Type:  "line",
			Data:  make([]DataPoint, len(values)),
			Style: SeriesStyle{Dashed: dashed},
		}
		for i, v := range values {
			s.Data[i] = DataPoint{X: float64(vc.epochs[i] + 1), Y: v}
		}
		return s
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			line("Training Loss", vc.trainingLoss, false),
			line("Training Accuracy", vc.trainingAccuracy, false),
			line("Validation Loss", vc.validationLoss, true),
			line("Validation Accuracy", vc.validationAccuracy, true),
		},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss / Accuracy",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
}

// GenerateConfusionMatrixPlot generates a heatmap of the recorded matrix.
// Rows are true classes, columns predictions.
func (vc *VisualizationCollector) GenerateConfusionMatrixPlot() PlotData {
	var points []DataPoint
	for i, row := range vc.confusionMatrix {
		for j, count := range row {
			points = append(points, DataPoint{X: float64(j), Y: float64(i), Z: float64(count)})
		}
	}

	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion Matrix - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{{Name: "Confusion Matrix", Type: "heatmap", Data: points}},
		Config: PlotConfig{
			XAxisLabel: "Predicted",
			YAxisLabel: "True",
			Width:      600,
			Height:     600,
		},
		Metrics: map[string]interface{}{"class_names": vc.classNames},
	}
}

// GenerateScatterPlot builds one scatter series per class from a 2-D
// embedding. labels[i] is the class code of row i; classes with no rows get
// no series. Series are ordered by class code.
func GenerateScatterPlot(title string, embedding mat.Matrix, labels []int, classNames []string) (PlotData, error) {
	rows, cols := embedding.Dims()
	if cols != 2 {
		return PlotData{}, errors.Errorf("scatter embedding must have 2 columns, got %d", cols)
	}
	if rows != len(labels) {
		return PlotData{}, errors.Errorf("embedding has %d rows but %d labels", rows, len(labels))
	}

	byClass := make([][]DataPoint, len(classNames))
	for i, c := range labels {
		if c < 0 || c >= len(classNames) {
			return PlotData{}, errors.Errorf("label %d of row %d out of range [0, %d)", c, i, len(classNames))
		}
		byClass[c] = append(byClass[c], DataPoint{
			X:     embedding.At(i, 0),
			Y:     embedding.At(i, 1),
			Label: classNames[c],
		})
	}

	var series []SeriesData
	for c, points := range byClass {
		if len(points) == 0 {
			continue
		}
		series = append(series, SeriesData{
			Name:  classNames[c],
			Type:  "scatter",
			Data:  points,
			Style: SeriesStyle{Radius: 2},
		})
	}

	return PlotData{
		PlotType:  EmbeddingScatter,
		Title:     title,
		Timestamp: time.Now(),
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Component 1",
			YAxisLabel: "Component 2",
			ShowLegend: true,
			Width:      1000,
			Height:     1000,
		},
	}, nil
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data to JSON")
	}
	return string(jsonData), nil
}

// Clear resets all collected data
func (vc *VisualizationCollector) Clear() {
	vc.epochs = vc.epochs[:0]
	vc.trainingLoss = vc.trainingLoss[:0]
	vc.trainingAccuracy = vc.trainingAccuracy[:0]
	vc.validationLoss = vc.validationLoss[:0]
	vc.validationAccuracy = vc.validationAccuracy[:0]
	vc.confusionMatrix = nil
	vc.classNames = nil
}

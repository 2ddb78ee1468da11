package training

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/tsawler/go-probe/layers"
)

const progressTemplate = `{{string . "prefix"}} {{counters . }} {{bar . "[" "=" ">" " " "]"}} {{etime . }} {{string . "metrics"}}`

// ProgressBar provides per-pass progress visualization. A nil
// *ProgressBar is valid and draws nothing.
type ProgressBar struct {
	bar *pb.ProgressBar
}

// NewProgressBar creates and starts a progress bar writing to w
func NewProgressBar(w io.Writer, description string, total int) *ProgressBar {
	bar := pb.ProgressBarTemplate(progressTemplate).New(total)
	bar.SetWriter(w)
	bar.Set("prefix", description)
	bar.Start()
	return &ProgressBar{bar: bar}
}

// Update advances the progress bar to step and shows metrics
func (p *ProgressBar) Update(step int, metrics map[string]float64) {
	if p == nil {
		return
	}
	p.bar.SetCurrent(int64(step))
	p.bar.Set("metrics", formatMetrics(metrics))
}

// Finish completes the progress bar
func (p *ProgressBar) Finish() {
	if p == nil {
		return
	}
	p.bar.Finish()
}

func formatMetrics(metrics map[string]float64) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4f", k, metrics[k])
	}
	return strings.Join(parts, " ")
}

// ModelArchitecturePrinter prints a nested, one line per layer model summary
// followed by parameter totals.
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// PrintArchitecture writes the summary of modelSpec to w.
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(w, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(w, "  %s\n", p.formatLayer(layer))
	}
	fmt.Fprintf(w, ")\n")

	paramBytes := uint64(modelSpec.TotalParameters * 8) // float64 parameters
	fmt.Fprintf(w, "Total parameters: %s\n", humanize.Comma(modelSpec.TotalParameters))
	fmt.Fprintf(w, "Params size: %s\n", humanize.Bytes(paramBytes))
}

// formatLayer formats a single layer for display
func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.LayerDense:
		in, out := layer.DenseSizes()
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)", layer.Name, in, out, layer.UseBias())
	case layers.LayerReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type)
	}
}

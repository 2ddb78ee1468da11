// Package plotting renders training.PlotData documents to PNG with
// gonum/plot.
package plotting

import (
	"bytes"
	"image/color"

	"github.com/pkg/errors"
	"github.com/tsawler/go-probe/training"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// ErrNoData is returned when a plot has no series or no points.
var ErrNoData = errors.New("plot has no data")

// Tab10 is matplotlib's default categorical palette. Categories beyond ten
// reuse it cyclically.
var Tab10 = []color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	color.RGBA{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
	color.RGBA{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
	color.RGBA{R: 0xe3, G: 0x77, B: 0xc2, A: 0xff},
	color.RGBA{R: 0x7f, G: 0x7f, B: 0x7f, A: 0xff},
	color.RGBA{R: 0xbc, G: 0xbd, B: 0x22, A: 0xff},
	color.RGBA{R: 0x17, G: 0xbe, B: 0xcf, A: 0xff},
}

// Options sets the image size. Zero values fall back to the size in the
// plot's config at 100 pixels per inch.
type Options struct {
	WidthInches  float64
	HeightInches float64
}

func (o Options) size(cfg training.PlotConfig) (vg.Length, vg.Length) {
	w, h := o.WidthInches, o.HeightInches
	if w <= 0 {
		w = float64(cfg.Width) / 100
	}
	if h <= 0 {
		h = float64(cfg.Height) / 100
	}
	if w <= 0 {
		w = 8
	}
	if h <= 0 {
		h = 6
	}
	return vg.Length(w) * vg.Inch, vg.Length(h) * vg.Inch
}

// Render dispatches on the plot type.
func Render(pd training.PlotData, opts Options) ([]byte, error) {
	switch pd.PlotType {
	case training.EmbeddingScatter:
		return RenderScatter(pd, opts)
	case training.TrainingCurves:
		return RenderLines(pd, opts)
	case training.ConfusionMatrixPlot:
		return RenderHeatmap(pd, opts)
	default:
		return nil, errors.Errorf("unsupported plot type %q", pd.PlotType)
	}
}

// RenderScatter draws every series as colored points with a legend entry.
func RenderScatter(pd training.PlotData, opts Options) ([]byte, error) {
	if !hasPoints(pd) {
		return nil, ErrNoData
	}
	p, err := newPlot(pd)
	if err != nil {
		return nil, err
	}

	for i, s := range pd.Series {
		sc, err := plotter.NewScatter(xys(s.Data))
		if err != nil {
			return nil, errors.Wrapf(err, "series %q", s.Name)
		}
		sc.GlyphStyle.Color = Tab10[i%len(Tab10)]
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		radius := s.Style.Radius
		if radius <= 0 {
			radius = 2
		}
		sc.GlyphStyle.Radius = vg.Points(radius)
		p.Add(sc)
		p.Legend.Add(s.Name, sc)
	}
	return encode(p, pd.Config, opts)
}

// RenderLines draws every series as a polyline; dashed series use a dash
// pattern.
func RenderLines(pd training.PlotData, opts Options) ([]byte, error) {
	if !hasPoints(pd) {
		return nil, ErrNoData
	}
	p, err := newPlot(pd)
	if err != nil {
		return nil, err
	}

	for i, s := range pd.Series {
		if len(s.Data) == 0 {
			continue
		}
		l, err := plotter.NewLine(xys(s.Data))
		if err != nil {
			return nil, errors.Wrapf(err, "series %q", s.Name)
		}
		l.LineStyle.Color = Tab10[i%len(Tab10)]
		l.LineStyle.Width = vg.Points(1.5)
		if s.Style.Dashed {
			l.LineStyle.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
		}
		p.Add(l)
		p.Legend.Add(s.Name, l)
	}
	return encode(p, pd.Config, opts)
}

// RenderHeatmap draws the first series as a grid of cells, X as column and
// Y as row. Class names from pd.Metrics["class_names"] label both axes.
func RenderHeatmap(pd training.PlotData, opts Options) ([]byte, error) {
	if !hasPoints(pd) {
		return nil, ErrNoData
	}
	g := newGrid(pd.Series[0].Data)

	p, err := newPlot(pd)
	if err != nil {
		return nil, err
	}
	hm := plotter.NewHeatMap(g, palette.Heat(12, 1))
	if hm.Max == hm.Min {
		hm.Max = hm.Min + 1
	}
	p.Add(hm)
	if names, ok := pd.Metrics["class_names"].([]string); ok && len(names) == g.cols && len(names) == g.rows {
		p.NominalX(names...)
		p.NominalY(names...)
	}
	return encode(p, pd.Config, opts)
}

func newPlot(pd training.PlotData) (*plot.Plot, error) {
	p, err := plot.New()
	if err != nil {
		return nil, errors.Wrap(err, "creating plot")
	}
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel
	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}
	p.Legend.Top = true
	return p, nil
}

func encode(p *plot.Plot, cfg training.PlotConfig, opts Options) ([]byte, error) {
	w, h := opts.size(cfg)
	wt, err := p.WriterTo(w, h, "png")
	if err != nil {
		return nil, errors.Wrap(err, "encoding png")
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "encoding png")
	}
	return buf.Bytes(), nil
}

func hasPoints(pd training.PlotData) bool {
	for _, s := range pd.Series {
		if len(s.Data) > 0 {
			return true
		}
	}
	return false
}

func xys(points []training.DataPoint) plotter.XYs {
	out := make(plotter.XYs, len(points))
	for i, pt := range points {
		out[i].X = pt.X
		out[i].Y = pt.Y
	}
	return out
}

// grid adapts heatmap points to plotter.GridXYZ.
type grid struct {
	rows, cols int
	z          []float64
}

func newGrid(points []training.DataPoint) *grid {
	g := &grid{}
	for _, pt := range points {
		if c := int(pt.X) + 1; c > g.cols {
			g.cols = c
		}
		if r := int(pt.Y) + 1; r > g.rows {
			g.rows = r
		}
	}
	g.z = make([]float64, g.rows*g.cols)
	for _, pt := range points {
		g.z[int(pt.Y)*g.cols+int(pt.X)] = pt.Z
	}
	return g
}

func (g *grid) Dims() (c, r int)   { return g.cols, g.rows }
func (g *grid) Z(c, r int) float64 { return g.z[r*g.cols+c] }
func (g *grid) X(c int) float64    { return float64(c) }
func (g *grid) Y(r int) float64    { return float64(r) }

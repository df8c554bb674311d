package report

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// ChartOptions configures RenderChart.
type ChartOptions struct {
	Title  string
	Width  vg.Length
	Height vg.Length
}

// DefaultChartOptions returns a 12x6 inch chart.
func DefaultChartOptions() ChartOptions {
	return ChartOptions{
		Title:  "Response size over time",
		Width:  12 * vg.Inch,
		Height: 6 * vg.Inch,
	}
}

var (
	seriesColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	anomalyColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// ErrNothingToPlot is returned when no record carries a timestamp.
var ErrNothingToPlot = errors.New("no timestamped records to plot")

// RenderChart plots response size over time with anomalies highlighted and
// saves it to path. The image format follows the file extension.
func RenderChart(r *Report, path string, opts ChartOptions) error {
	if len(r.Series) == 0 {
		return ErrNothingToPlot
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		def := DefaultChartOptions()
		opts.Width, opts.Height = def.Width, def.Height
	}

	p := plot.New()
	p.Title.Text = opts.Title
	p.X.Label.Text = "Timestamp"
	p.Y.Label.Text = "Response size (bytes)"
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02\n15:04:05"}
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(toXYs(r.Series))
	if err != nil {
		return fmt.Errorf("failed to build series: %w", err)
	}
	line.LineStyle.Color = seriesColor
	line.LineStyle.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("Response size", line)

	if len(r.Anomalies) > 0 {
		scatter, err := plotter.NewScatter(toXYs(r.Anomalies))
		if err != nil {
			return fmt.Errorf("failed to build anomaly series: %w", err)
		}
		scatter.GlyphStyle.Color = anomalyColor
		scatter.GlyphStyle.Radius = vg.Points(3)
		scatter.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(scatter)
		p.Legend.Add("Anomaly", scatter)
	}
	p.Legend.Top = true

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create chart directory: %w", err)
		}
	}
	if err := p.Save(opts.Width, opts.Height, path); err != nil {
		return fmt.Errorf("failed to save chart: %w", err)
	}
	return nil
}

func toXYs(points []Point) plotter.XYs {
	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		xys[i].X = float64(pt.Time.Unix())
		xys[i].Y = float64(pt.ResponseSize)
	}
	return xys
}

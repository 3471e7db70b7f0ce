package plot

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	gonumplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Bar is one labelled value of a bar chart.
type Bar struct {
	Label string
	Value float64
	// Failed bars are drawn in FailColor.
	Failed bool
}

// Default plot settings
const (
	DefaultWidth    = 6 * vg.Inch
	DefaultHeight   = 4 * vg.Inch
	DefaultBarWidth = 14
	inchPerBar      = 0.45
)

var (
	DefaultFillColor = color.RGBA{127, 188, 165, 255}
	FailColor        = color.RGBA{214, 96, 77, 255}
)

// BarChart renders bars to exportPath. The format follows the file extension
// (png, svg or pdf).
func BarChart(title, yLabel string, bars []Bar, exportPath string) error {
	if len(bars) == 0 {
		return errors.New("no data points to plot")
	}

	p := gonumplot.New()
	p.Title.Text = title
	p.Y.Label.Text = yLabel
	p.Y.Min = 0

	var passed, failed plotter.Values
	labels := make([]string, len(bars))
	for i, b := range bars {
		labels[i] = b.Label
		if b.Failed {
			passed = append(passed, 0)
			failed = append(failed, b.Value)
		} else {
			passed = append(passed, b.Value)
			failed = append(failed, 0)
		}
	}

	width := vg.Points(DefaultBarWidth)
	ok, err := plotter.NewBarChart(passed, width)
	if err != nil {
		return err
	}
	ok.Color = DefaultFillColor
	ok.LineStyle.Width = 0

	bad, err := plotter.NewBarChart(failed, width)
	if err != nil {
		return err
	}
	bad.Color = FailColor
	bad.LineStyle.Width = 0
	bad.StackOn(ok)

	p.Add(ok, bad)
	p.NominalX(labels...)
	p.X.Tick.Label.Rotation = 0.8

	if err := os.MkdirAll(filepath.Dir(exportPath), 0755); err != nil {
		return err
	}
	chartWidth := max(DefaultWidth, vg.Length(float64(len(bars))*inchPerBar)*vg.Inch)
	if err := p.Save(chartWidth, DefaultHeight, exportPath); err != nil {
		return fmt.Errorf("saving chart: %w", err)
	}
	return nil
}

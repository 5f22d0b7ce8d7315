package main

import (
	"image/color"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.viam.com/gvins/slam/backend"
)

// writeErrorPlot saves a PNG of the mean reprojection error before and after every pass that
// was not skipped.
func writeErrorPlot(path string, reports []backend.PassReport) error {
	before := make(plotter.XYs, 0, len(reports))
	after := make(plotter.XYs, 0, len(reports))
	for _, r := range reports {
		if r.Skipped || r.Residuals == 0 {
			continue
		}
		before = append(before, plotter.XY{X: float64(r.Pass), Y: r.InitialError.Mean})
		after = append(after, plotter.XY{X: float64(r.Pass), Y: r.FinalError.Mean})
	}
	if len(before) == 0 {
		return errors.New("no passes with residuals to plot")
	}

	p := plot.New()
	p.Title.Text = "Reprojection error per pass"
	p.X.Label.Text = "pass"
	p.Y.Label.Text = "mean error (px)"

	for _, series := range []struct {
		name  string
		pts   plotter.XYs
		color color.Color
	}{
		{"before", before, color.RGBA{R: 200, A: 255}},
		{"after", after, color.RGBA{B: 200, A: 255}},
	} {
		line, err := plotter.NewLine(series.pts)
		if err != nil {
			return errors.Wrapf(err, "creating %s line", series.name)
		}
		line.Color = series.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrap(err, "saving plot")
	}
	return nil
}

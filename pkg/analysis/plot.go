package analysis

import (
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// fitSamples is the number of volumes the fitted curve is evaluated on.
const fitSamples = 300

var (
	pointColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	curveColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

// SaveEOSPlot writes an equation of state plot to path: the sampled points
// plus the fitted curve evaluated across the sampled volume range. The image
// format follows the file extension (.png, .svg, .pdf); a path without an
// extension gets ".png" appended. It returns the path actually written.
func SaveEOSPlot(volumes, energies []float64, fit *EOSFit, path string) (string, error) {
	if len(volumes) != len(energies) {
		return "", fmt.Errorf("volumes and energies differ in length: %d != %d", len(volumes), len(energies))
	}
	if len(volumes) == 0 {
		return "", fmt.Errorf("no samples to plot")
	}

	p := plot.New()
	p.X.Label.Text = "Volume [Å^3]"
	p.Y.Label.Text = "Energy [eV]"
	p.Add(plotter.NewGrid())

	points := make(plotter.XYs, len(volumes))
	for i := range volumes {
		points[i].X = volumes[i]
		points[i].Y = energies[i]
	}
	scatter, err := plotter.NewScatter(points)
	if err != nil {
		return "", err
	}
	scatter.GlyphStyle.Radius = vg.Points(2.5)
	scatter.GlyphStyle.Color = pointColor

	vmin, vmax := floats.Min(volumes), floats.Max(volumes)
	curve := make(plotter.XYs, fitSamples)
	for i := range curve {
		v := vmin + (vmax-vmin)*float64(i)/float64(fitSamples-1)
		curve[i].X = v
		curve[i].Y = fit.Energy(v)
	}
	line, err := plotter.NewLine(curve)
	if err != nil {
		return "", err
	}
	line.LineStyle.Width = vg.Points(1.5)
	line.LineStyle.Color = curveColor

	p.Add(scatter, line)

	return save(p, path)
}

// SaveDissociationPlot writes a dissociation curve plot to path: energies
// against distances, points joined by a line. Path handling matches
// SaveEOSPlot.
func SaveDissociationPlot(distances, energies []float64, path string) (string, error) {
	if len(distances) != len(energies) {
		return "", fmt.Errorf("distances and energies differ in length: %d != %d", len(distances), len(energies))
	}
	if len(distances) == 0 {
		return "", fmt.Errorf("no samples to plot")
	}

	p := plot.New()
	p.X.Label.Text = "Distance [Å]"
	p.Y.Label.Text = "Energy [eV]"
	p.Add(plotter.NewGrid())

	points := make(plotter.XYs, len(distances))
	for i := range distances {
		points[i].X = distances[i]
		points[i].Y = energies[i]
	}
	line, scatter, err := plotter.NewLinePoints(points)
	if err != nil {
		return "", err
	}
	line.LineStyle.Width = vg.Points(1)
	line.LineStyle.Color = pointColor
	scatter.GlyphStyle.Radius = vg.Points(2.5)
	scatter.GlyphStyle.Color = pointColor

	p.Add(line, scatter)

	return save(p, path)
}

func save(p *plot.Plot, path string) (string, error) {
	if filepath.Ext(path) == "" {
		path += ".png"
	}
	if err := p.Save(14*vg.Centimeter, 10*vg.Centimeter, path); err != nil {
		return "", fmt.Errorf("failed to save plot: %w", err)
	}
	return path, nil
}

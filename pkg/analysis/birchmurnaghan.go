// Package analysis post-processes workflow results: it fits a
// Birch-Murnaghan equation of state to volume/energy samples, renders
// equation of state and dissociation curve plots, and formats plain-text
// result tables. Inputs are expected in the common output units, eV for
// energies, Å for distances and Å³ for volumes.
package analysis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/atomflow/atomflow/pkg/workflows"
)

// EOSFit holds the Birch-Murnaghan parameters fitted to a set of
// volume/energy samples.
type EOSFit struct {
	// E0 is the energy at the equilibrium volume, in eV.
	E0 float64

	// V0 is the equilibrium volume, in Å³.
	V0 float64

	// B0 is the bulk modulus at the equilibrium volume, in eV/Å³.
	B0 float64

	// B01 is the pressure derivative of the bulk modulus, dimensionless.
	B01 float64

	// RMSE is the root-mean-square residual of the fit over the input
	// samples, in eV.
	RMSE float64
}

// B0GPa returns the bulk modulus in GPa.
func (f *EOSFit) B0GPa() float64 {
	return f.B0 * workflows.EvPerA3ToGPa
}

// Energy evaluates the fitted equation of state at the given volume.
func (f *EOSFit) Energy(volume float64) float64 {
	return BirchMurnaghan(volume, f.E0, f.V0, f.B0, f.B01)
}

// BirchMurnaghan computes the energy at volume v for the given equation of
// state parameters.
func BirchMurnaghan(v, e0, v0, b0, b01 float64) float64 {
	r := math.Pow(v0/v, 2.0/3.0)
	return e0 + 9.0/16.0*b0*v0*(r-1.0)*(r-1.0)*(2.0+(b01-4.0)*(r-1.0))
}

// FitBirchMurnaghan fits equation of state parameters to the given samples by
// least squares, starting from the lowest sampled energy and the mean sampled
// volume. It needs at least four samples, one per free parameter.
func FitBirchMurnaghan(volumes, energies []float64) (*EOSFit, error) {
	if len(volumes) != len(energies) {
		return nil, fmt.Errorf("volumes and energies differ in length: %d != %d", len(volumes), len(energies))
	}
	if len(volumes) < 4 {
		return nil, fmt.Errorf("need at least 4 samples to fit 4 parameters, got %d", len(volumes))
	}

	sse := func(x []float64) float64 {
		var sum float64
		for i, v := range volumes {
			d := BirchMurnaghan(v, x[0], x[1], x[2], x[3]) - energies[i]
			sum += d * d
		}
		return sum
	}

	guess := []float64{
		floats.Min(energies),
		floats.Sum(volumes) / float64(len(volumes)),
		0.1,
		3.0,
	}

	problem := optimize.Problem{Func: sse}
	result, err := optimize.Minimize(problem, guess, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("equation of state fit failed: %w", err)
	}
	if err := result.Status.Err(); err != nil {
		return nil, fmt.Errorf("equation of state fit did not converge: %w", err)
	}

	fit := &EOSFit{
		E0:   result.X[0],
		V0:   result.X[1],
		B0:   result.X[2],
		B01:  result.X[3],
		RMSE: math.Sqrt(result.F / float64(len(volumes))),
	}
	if fit.V0 <= 0 || fit.B0 <= 0 {
		return nil, fmt.Errorf("equation of state fit reached an unphysical minimum (V0=%g Å³, B0=%g eV/Å³)", fit.V0, fit.B0)
	}
	return fit, nil
}

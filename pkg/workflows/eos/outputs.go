package eos

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
)

// Outputs collects the equation of state results, keyed by the position of
// the scale factor in the sampled list.
type Outputs struct {
	Structures          map[int]*crystal.Structure
	TotalEnergies       map[int]float64
	TotalMagnetizations map[int]float64
}

// OutputsFrom reads the namespaced outputs back out of a finished result.
// Structures may be typed or plain documents, so results read back from a
// store convert the same way as in-process ones.
func OutputsFrom(result *runtime.Result) (*Outputs, error) {
	if !result.Finished() {
		return nil, fmt.Errorf("result did not finish successfully (exit status %d)", result.ExitStatus)
	}

	outputs := &Outputs{
		Structures:          make(map[int]*crystal.Structure),
		TotalEnergies:       make(map[int]float64),
		TotalMagnetizations: make(map[int]float64),
	}

	structures, err := namespaceOutput(result, OutputStructures)
	if err != nil {
		return nil, err
	}
	for key, raw := range structures {
		index, err := namespaceIndex(OutputStructures, key)
		if err != nil {
			return nil, err
		}
		structure, err := structureValue(raw)
		if err != nil {
			return nil, fmt.Errorf("output %s.%s: %w", OutputStructures, key, err)
		}
		outputs.Structures[index] = structure
	}

	energies, err := namespaceOutput(result, OutputTotalEnergies)
	if err != nil {
		return nil, err
	}
	for key, raw := range energies {
		index, err := namespaceIndex(OutputTotalEnergies, key)
		if err != nil {
			return nil, err
		}
		value, err := floatValue(raw)
		if err != nil {
			return nil, fmt.Errorf("output %s.%s: %w", OutputTotalEnergies, key, err)
		}
		outputs.TotalEnergies[index] = value
	}

	if raw, ok := result.Output(OutputTotalMagnetizations); ok {
		magnetizations, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("output %q is not a namespace", OutputTotalMagnetizations)
		}
		for key, entry := range magnetizations {
			index, err := namespaceIndex(OutputTotalMagnetizations, key)
			if err != nil {
				return nil, err
			}
			value, err := floatValue(entry)
			if err != nil {
				return nil, fmt.Errorf("output %s.%s: %w", OutputTotalMagnetizations, key, err)
			}
			outputs.TotalMagnetizations[index] = value
		}
	}

	return outputs, nil
}

// Curve returns the volume and energy of every point that produced both a
// structure and an energy, sorted by increasing volume.
func (o *Outputs) Curve() (volumes, energies []float64) {
	type point struct {
		volume float64
		energy float64
	}
	points := make([]point, 0, len(o.TotalEnergies))
	for index, energy := range o.TotalEnergies {
		structure, ok := o.Structures[index]
		if !ok {
			continue
		}
		points = append(points, point{volume: structure.Volume(), energy: energy})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].volume < points[j].volume })

	volumes = make([]float64, len(points))
	energies = make([]float64, len(points))
	for i, p := range points {
		volumes[i] = p.volume
		energies[i] = p.energy
	}
	return volumes, energies
}

func namespaceOutput(result *runtime.Result, name string) (map[string]interface{}, error) {
	raw, ok := result.Output(name)
	if !ok {
		return nil, fmt.Errorf("output %q is missing", name)
	}
	entries, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q is not a namespace", name)
	}
	return entries, nil
}

func namespaceIndex(name, key string) (int, error) {
	index, err := strconv.Atoi(key)
	if err != nil {
		return 0, fmt.Errorf("output %s has non-numeric index %q", name, key)
	}
	return index, nil
}

func structureValue(raw interface{}) (*crystal.Structure, error) {
	switch v := raw.(type) {
	case *crystal.Structure:
		return v, nil
	case map[string]interface{}:
		return crystal.FromDocument(v)
	default:
		return nil, fmt.Errorf("expected a structure, got %T", raw)
	}
}

func floatValue(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
}

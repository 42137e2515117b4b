package dissociation

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/atomflow/atomflow/pkg/runtime"
)

// Outputs collects the dissociation curve results, keyed by the position of
// the distance in the sampled list. Failed points leave holes in the maps.
type Outputs struct {
	Distances           map[int]float64
	TotalEnergies       map[int]float64
	TotalMagnetizations map[int]float64
}

// OutputsFrom reads the namespaced outputs back out of a finished result.
func OutputsFrom(result *runtime.Result) (*Outputs, error) {
	if !result.Finished() {
		return nil, fmt.Errorf("result did not finish successfully (exit status %d)", result.ExitStatus)
	}

	outputs := &Outputs{
		Distances:           make(map[int]float64),
		TotalEnergies:       make(map[int]float64),
		TotalMagnetizations: make(map[int]float64),
	}

	if err := readNamespace(result, OutputDistances, true, outputs.Distances); err != nil {
		return nil, err
	}
	if err := readNamespace(result, OutputTotalEnergies, true, outputs.TotalEnergies); err != nil {
		return nil, err
	}
	if err := readNamespace(result, OutputTotalMagnetizations, false, outputs.TotalMagnetizations); err != nil {
		return nil, err
	}

	return outputs, nil
}

// Curve returns the distance and energy of every point that reported both,
// sorted by increasing distance.
func (o *Outputs) Curve() (distances, energies []float64) {
	indexes := make([]int, 0, len(o.TotalEnergies))
	for index := range o.TotalEnergies {
		if _, ok := o.Distances[index]; ok {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return o.Distances[indexes[i]] < o.Distances[indexes[j]] })

	distances = make([]float64, len(indexes))
	energies = make([]float64, len(indexes))
	for i, index := range indexes {
		distances[i] = o.Distances[index]
		energies[i] = o.TotalEnergies[index]
	}
	return distances, energies
}

func readNamespace(result *runtime.Result, name string, required bool, into map[int]float64) error {
	raw, ok := result.Output(name)
	if !ok {
		if required {
			return fmt.Errorf("output %q is missing", name)
		}
		return nil
	}
	entries, ok := raw.(map[string]interface{})
	if !ok {
		return fmt.Errorf("output %q is not a namespace", name)
	}
	for key, entry := range entries {
		index, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("output %s has non-numeric index %q", name, key)
		}
		value, err := floatValue(entry)
		if err != nil {
			return fmt.Errorf("output %s.%s: %w", name, key, err)
		}
		into[index] = value
	}
	return nil
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

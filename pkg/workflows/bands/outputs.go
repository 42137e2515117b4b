package bands

import "fmt"

// BandsValue converts a parsed band array into [kpoint][band] energies.
// Every k-point must carry the same number of bands.
func BandsValue(raw interface{}) ([][]float64, error) {
	if typed, ok := raw.([][]float64); ok {
		if err := checkWidths(typed); err != nil {
			return nil, err
		}
		return typed, nil
	}

	rows, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a band array, got %T", raw)
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		energies, err := asFloats(row)
		if err != nil {
			return nil, fmt.Errorf("k-point %d: %w", i, err)
		}
		out[i] = energies
	}
	if err := checkWidths(out); err != nil {
		return nil, err
	}
	return out, nil
}

// LabelsValue converts a parsed label map into label -> k-point index.
func LabelsValue(raw interface{}) (map[string]int, error) {
	if typed, ok := raw.(map[string]int); ok {
		return typed, nil
	}
	entries, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a label map, got %T", raw)
	}
	out := make(map[string]int, len(entries))
	for label, index := range entries {
		value, err := asFloat(index)
		if err != nil {
			return nil, fmt.Errorf("label %q: %w", label, err)
		}
		out[label] = int(value)
	}
	return out, nil
}

// FloatValue converts a scalar from a parsed document.
func FloatValue(raw interface{}) (float64, error) {
	return asFloat(raw)
}

func checkWidths(bands [][]float64) error {
	for i, row := range bands {
		if len(row) != len(bands[0]) {
			return fmt.Errorf("k-point %d has %d bands, expected %d", i, len(row), len(bands[0]))
		}
	}
	return nil
}

func asFloats(raw interface{}) ([]float64, error) {
	switch list := raw.(type) {
	case []float64:
		return list, nil
	case []interface{}:
		out := make([]float64, len(list))
		for i, item := range list {
			value, err := asFloat(item)
			if err != nil {
				return nil, err
			}
			out[i] = value
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of energies, got %T", raw)
}

func asFloat(raw interface{}) (float64, error) {
	switch value := raw.(type) {
	case float64:
		return value, nil
	case float32:
		return float64(value), nil
	case int:
		return float64(value), nil
	case int64:
		return float64(value), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", raw)
}

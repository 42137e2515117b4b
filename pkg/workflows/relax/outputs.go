package relax

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
)

// Raw-output readers shared by the engine converters. Result documents
// parsed from a calculation arrive as generic JSON shapes; results produced
// in-process carry typed values. Both are accepted.

// FloatOutput reads a numeric output and scales it by factor.
func FloatOutput(result *runtime.Result, key string, factor float64) (float64, error) {
	raw, ok := result.Output(key)
	if !ok {
		return 0, fmt.Errorf("output %q is missing", key)
	}
	value, err := asFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("output %q: %w", key, err)
	}
	return value * factor, nil
}

// OptionalFloatOutput reads a numeric output if present, scaled by factor.
func OptionalFloatOutput(result *runtime.Result, key string, factor float64) (*float64, error) {
	raw, ok := result.Output(key)
	if !ok {
		return nil, nil
	}
	value, err := asFloat(raw)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", key, err)
	}
	value *= factor
	return &value, nil
}

// ForcesOutput reads an Nx3 force array, scaling every component by factor.
func ForcesOutput(result *runtime.Result, key string, factor float64) ([][3]float64, error) {
	raw, ok := result.Output(key)
	if !ok {
		return nil, fmt.Errorf("output %q is missing", key)
	}
	forces, err := ForcesValue(raw, factor)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", key, err)
	}
	return forces, nil
}

// ForcesValue converts an Nx3 force array value, scaling every component by
// factor. Converters whose parsers nest the array inside another document
// call this on the extracted value.
func ForcesValue(raw interface{}, factor float64) ([][3]float64, error) {
	if typed, ok := raw.([][3]float64); ok {
		out := make([][3]float64, len(typed))
		for i, row := range typed {
			for j := 0; j < 3; j++ {
				out[i][j] = row[j] * factor
			}
		}
		return out, nil
	}

	rows, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list of 3-vectors, got %T", raw)
	}
	out := make([][3]float64, len(rows))
	for i, row := range rows {
		vector, err := asVector3(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		for j := 0; j < 3; j++ {
			out[i][j] = vector[j] * factor
		}
	}
	return out, nil
}

// FloatValue coerces a numeric value extracted from a nested output
// document.
func FloatValue(raw interface{}) (float64, error) {
	return asFloat(raw)
}

// StressOutput reads a 3x3 stress tensor if present, scaling every
// component by factor.
func StressOutput(result *runtime.Result, key string, factor float64) (*[3][3]float64, error) {
	raw, ok := result.Output(key)
	if !ok {
		return nil, nil
	}
	stress, err := StressValue(raw, factor)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", key, err)
	}
	return stress, nil
}

// StressValue converts a 3x3 stress tensor value, scaling every component
// by factor. Converters whose parsers nest the tensor inside another
// document call this on the extracted value.
func StressValue(raw interface{}, factor float64) (*[3][3]float64, error) {
	var out [3][3]float64
	if typed, ok := raw.([3][3]float64); ok {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				out[i][j] = typed[i][j] * factor
			}
		}
		return &out, nil
	}

	rows, ok := raw.([]interface{})
	if !ok || len(rows) != 3 {
		return nil, fmt.Errorf("expected a 3x3 tensor, got %T", raw)
	}
	for i, row := range rows {
		vector, err := asVector3(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		for j := 0; j < 3; j++ {
			out[i][j] = vector[j] * factor
		}
	}
	return &out, nil
}

// StructureOutput reads a structure output if present, accepting either a
// typed structure or its document form.
func StructureOutput(result *runtime.Result, key string) (*crystal.Structure, error) {
	raw, ok := result.Output(key)
	if !ok {
		return nil, nil
	}
	switch value := raw.(type) {
	case *crystal.Structure:
		return value, nil
	case map[string]interface{}:
		structure, err := crystal.FromDocument(value)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", key, err)
		}
		return structure, nil
	}
	return nil, fmt.Errorf("output %q has type %T, expected a structure", key, raw)
}

// StringOutput reads a string output if present.
func StringOutput(result *runtime.Result, key string) string {
	raw, ok := result.Output(key)
	if !ok {
		return ""
	}
	value, _ := raw.(string)
	return value
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

func asVector3(raw interface{}) ([3]float64, error) {
	var out [3]float64
	switch list := raw.(type) {
	case []float64:
		if len(list) != 3 {
			return out, fmt.Errorf("expected 3 values, got %d", len(list))
		}
		copy(out[:], list)
		return out, nil
	case [3]float64:
		return list, nil
	case []interface{}:
		if len(list) != 3 {
			return out, fmt.Errorf("expected 3 values, got %d", len(list))
		}
		for i, item := range list {
			value, err := asFloat(item)
			if err != nil {
				return out, err
			}
			out[i] = value
		}
		return out, nil
	}
	return out, fmt.Errorf("expected a 3-vector, got %T", raw)
}

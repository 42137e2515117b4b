package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name: "simple arithmetic",
			script: `
result = 2 + 2
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
			},
			wantErr: false,
		},
		{
			name: "use input variables",
			script: `
doubled = count * 2
`,
			input: map[string]interface{}{
				"count": 5,
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["doubled"] != int64(10) {
					t.Errorf("expected doubled=10, got %v", sr.Output["doubled"])
				}
			},
			wantErr: false,
		},
		{
			name: "generate list with function",
			script: `
def meshes(n):
    result = []
    for i in range(n):
        result.append([4 + 2 * i, 4 + 2 * i, 4 + 2 * i])
    return result

output = meshes(3)
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				output, ok := sr.Output["output"].([]interface{})
				if !ok {
					t.Fatalf("expected output to be a list, got %T", sr.Output["output"])
				}
				if len(output) != 3 {
					t.Errorf("expected list of length 3, got %d", len(output))
				}
				first, ok := output[0].([]interface{})
				if !ok || first[0] != int64(4) {
					t.Errorf("unexpected first mesh: %v", output[0])
				}
			},
			wantErr: false,
		},
		{
			name: "list comprehension",
			script: `
result = [i * 2 for i in range(1, 6)]
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				result, ok := sr.Output["result"].([]interface{})
				if !ok {
					t.Fatalf("expected result to be a list")
				}
				if len(result) != 5 {
					t.Errorf("expected list of length 5, got %d", len(result))
				}
			},
			wantErr: false,
		},
		{
			name: "dict comprehension",
			script: `
items = ["ecutwfc", "ecutrho", "conv_thr"]
result = {val: i for i, val in enumerate(items)}
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				result, ok := sr.Output["result"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected result to be a dict")
				}
				if len(result) != 3 {
					t.Errorf("expected dict with 3 keys, got %d", len(result))
				}
			},
			wantErr: false,
		},
		{
			name: "syntax error",
			script: `
invalid syntax here
`,
			input:   nil,
			wantErr: true,
		},
		{
			name: "runtime error",
			script: `
result = undefined_variable
`,
			input:   nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)

			if tt.wantErr {
				if err == nil && result.Error == "" {
					t.Errorf("expected error, got none")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if result.Error != "" {
					t.Errorf("unexpected result error: %s", result.Error)
				}
				if tt.checkFunc != nil {
					tt.checkFunc(t, result)
				}
			}

			// Check execution time is recorded
			if result != nil && result.ExecutionTime == 0 {
				t.Error("expected non-zero execution time")
			}
		})
	}
}

func TestStarlarkEvaluator_InputMutation(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	script := `
builder["inputs"]["parameters"]["ecutwfc"] = 80
builder["inputs"]["kpoints"] = [6, 6, 6]
`
	input := map[string]interface{}{
		"builder": map[string]interface{}{
			"process": "quantum_espresso.pw",
			"inputs": map[string]interface{}{
				"parameters": map[string]interface{}{"ecutwfc": 30},
			},
		},
	}

	result, err := evaluator.Evaluate(ctx, script, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	builder, ok := result.Inputs["builder"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected builder in inputs, got %T", result.Inputs["builder"])
	}
	inputs := builder["inputs"].(map[string]interface{})
	parameters := inputs["parameters"].(map[string]interface{})
	if parameters["ecutwfc"] != int64(80) {
		t.Errorf("expected mutated ecutwfc=80, got %v", parameters["ecutwfc"])
	}
	kpoints, ok := inputs["kpoints"].([]interface{})
	if !ok || len(kpoints) != 3 {
		t.Errorf("expected added kpoints list, got %v", inputs["kpoints"])
	}
}

func TestStarlarkEvaluator_EvaluateFile(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	_, err := evaluator.EvaluateFile(ctx, "override.star", "result = missing\n", nil)
	if err == nil {
		t.Fatal("expected error for undefined variable")
	}
	if !strings.Contains(err.Error(), "override.star") {
		t.Errorf("expected file name in error, got %v", err)
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)
	ctx := context.Background()

	// Script that takes too long
	script := `
def slow_function():
    result = 0
    for i in range(10000000):
        result = result + i
    return result

output = slow_function()
`

	result, err := evaluator.Evaluate(ctx, script, nil)
	if err == nil {
		t.Error("expected timeout error")
	}

	if result != nil && result.Error == "" {
		t.Error("expected timeout error in result")
	}
}

func TestStarlarkEvaluator_TypeConversion(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		input     map[string]interface{}
		script    string
		checkFunc func(*testing.T, *StarlarkResult)
	}{
		{
			name: "bool conversion",
			input: map[string]interface{}{
				"enabled": true,
			},
			script: `
result = enabled and True
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != true {
					t.Errorf("expected result=true, got %v", sr.Output["result"])
				}
			},
		},
		{
			name: "int conversion",
			input: map[string]interface{}{
				"count": 42,
			},
			script: `
result = count + 8
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(50) {
					t.Errorf("expected result=50, got %v", sr.Output["result"])
				}
			},
		},
		{
			name: "float conversion",
			input: map[string]interface{}{
				"cutoff": 36.75,
			},
			script: `
result = cutoff * 2
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				result, ok := sr.Output["result"].(float64)
				if !ok {
					t.Fatalf("expected result to be float64")
				}
				expected := 36.75 * 2
				if result != expected {
					t.Errorf("expected result=%.2f, got %.2f", expected, result)
				}
			},
		},
		{
			name: "string conversion",
			input: map[string]interface{}{
				"name": "test",
			},
			script: `
result = name + "-suffix"
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != "test-suffix" {
					t.Errorf("expected result='test-suffix', got %v", sr.Output["result"])
				}
			},
		},
		{
			name: "float list conversion",
			input: map[string]interface{}{
				"moments": []float64{0.5, 0.5},
			},
			script: `
result = len(moments)
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(2) {
					t.Errorf("expected result=2, got %v", sr.Output["result"])
				}
			},
		},
		{
			name: "dict conversion",
			input: map[string]interface{}{
				"options": map[string]interface{}{
					"queue_name":            "debug",
					"max_wallclock_seconds": 3600,
				},
			},
			script: `
result = options["queue_name"] + ":" + str(options["max_wallclock_seconds"])
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != "debug:3600" {
					t.Errorf("expected result='debug:3600', got %v", sr.Output["result"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Error != "" {
				t.Fatalf("unexpected result error: %s", result.Error)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Security(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	// Attempt to use print (should be suppressed)
	script := `
print("this should not appear")
result = "done"
`

	result, err := evaluator.Evaluate(ctx, script, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Output["result"] != "done" {
		t.Errorf("expected result='done', got %v", result.Output["result"])
	}
}

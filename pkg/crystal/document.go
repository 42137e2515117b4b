package crystal

import "fmt"

// Document returns the structure as a generic map for embedding in builder
// and result documents.
func (s *Structure) Document() map[string]interface{} {
	cell := make([]interface{}, 3)
	pbc := make([]interface{}, 3)
	for i := 0; i < 3; i++ {
		cell[i] = []interface{}{s.Cell[i][0], s.Cell[i][1], s.Cell[i][2]}
		pbc[i] = s.PBC[i]
	}

	kinds := make([]interface{}, len(s.Kinds))
	for i, kind := range s.Kinds {
		kinds[i] = map[string]interface{}{
			"name":   kind.Name,
			"symbol": kind.Symbol,
			"mass":   kind.Mass,
		}
	}

	sites := make([]interface{}, len(s.Sites))
	for i, site := range s.Sites {
		sites[i] = map[string]interface{}{
			"kind":     site.Kind,
			"position": []interface{}{site.Position[0], site.Position[1], site.Position[2]},
		}
	}

	return map[string]interface{}{
		"cell":  cell,
		"pbc":   pbc,
		"kinds": kinds,
		"sites": sites,
	}
}

// FromDocument rebuilds a structure from a generic map, accepting the
// shapes produced by Document and by JSON or YAML decoding.
func FromDocument(doc map[string]interface{}) (*Structure, error) {
	out := &Structure{}

	cell, err := floatMatrix(doc["cell"], 3, 3)
	if err != nil {
		return nil, fmt.Errorf("invalid cell: %w", err)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Cell[i][j] = cell[i][j]
		}
	}

	if raw, ok := doc["pbc"]; ok {
		list, ok := raw.([]interface{})
		if !ok || len(list) != 3 {
			return nil, fmt.Errorf("invalid pbc: expected 3 booleans, got %v", raw)
		}
		for i := 0; i < 3; i++ {
			flag, ok := list[i].(bool)
			if !ok {
				return nil, fmt.Errorf("invalid pbc entry %v", list[i])
			}
			out.PBC[i] = flag
		}
	} else {
		out.PBC = [3]bool{true, true, true}
	}

	kindsRaw, ok := doc["kinds"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid kinds: expected a list, got %T", doc["kinds"])
	}
	for _, raw := range kindsRaw {
		fields, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid kind entry %v", raw)
		}
		kind := Kind{}
		kind.Name, _ = fields["name"].(string)
		kind.Symbol, _ = fields["symbol"].(string)
		if kind.Name == "" || kind.Symbol == "" {
			return nil, fmt.Errorf("kind entry is missing name or symbol: %v", fields)
		}
		if mass, err := toFloat(fields["mass"]); err == nil {
			kind.Mass = mass
		}
		out.Kinds = append(out.Kinds, kind)
	}

	sitesRaw, ok := doc["sites"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid sites: expected a list, got %T", doc["sites"])
	}
	for _, raw := range sitesRaw {
		fields, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid site entry %v", raw)
		}
		site := Site{}
		site.Kind, _ = fields["kind"].(string)
		if site.Kind == "" {
			return nil, fmt.Errorf("site entry is missing kind: %v", fields)
		}
		if out.KindIndex(site.Kind) < 0 {
			return nil, fmt.Errorf("site refers to undeclared kind %q", site.Kind)
		}
		position, err := floatVector(fields["position"], 3)
		if err != nil {
			return nil, fmt.Errorf("invalid site position: %w", err)
		}
		copy(site.Position[:], position)
		out.Sites = append(out.Sites, site)
	}

	return out, nil
}

func floatMatrix(raw interface{}, rows, cols int) ([][]float64, error) {
	list, ok := raw.([]interface{})
	if !ok || len(list) != rows {
		return nil, fmt.Errorf("expected %d rows, got %v", rows, raw)
	}
	out := make([][]float64, rows)
	for i, row := range list {
		vector, err := floatVector(row, cols)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = vector
	}
	return out, nil
}

func floatVector(raw interface{}, length int) ([]float64, error) {
	switch list := raw.(type) {
	case []float64:
		if len(list) != length {
			return nil, fmt.Errorf("expected %d values, got %d", length, len(list))
		}
		return list, nil
	case []interface{}:
		if len(list) != length {
			return nil, fmt.Errorf("expected %d values, got %d", length, len(list))
		}
		out := make([]float64, length)
		for i, item := range list {
			value, err := toFloat(item)
			if err != nil {
				return nil, err
			}
			out[i] = value
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of numbers, got %T", raw)
}

func toFloat(raw interface{}) (float64, error) {
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

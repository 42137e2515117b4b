package workflows

import "fmt"

// RelaxType describes which degrees of freedom of a structure are optimized
// during relaxation.
type RelaxType string

const (
	// RelaxNone performs a single-point calculation without moving anything.
	RelaxNone RelaxType = "none"

	// RelaxPositions optimizes atomic positions at fixed cell.
	RelaxPositions RelaxType = "positions"

	// RelaxVolume optimizes the cell volume at fixed shape and fixed positions.
	RelaxVolume RelaxType = "volume"

	// RelaxShape optimizes the cell shape at fixed volume and fixed positions.
	RelaxShape RelaxType = "shape"

	// RelaxCell optimizes the full cell at fixed atomic positions.
	RelaxCell RelaxType = "cell"

	// RelaxPositionsCell optimizes atomic positions and the full cell.
	RelaxPositionsCell RelaxType = "positions_cell"

	// RelaxPositionsVolume optimizes atomic positions and the cell volume.
	RelaxPositionsVolume RelaxType = "positions_volume"

	// RelaxPositionsShape optimizes atomic positions and the cell shape at
	// fixed volume.
	RelaxPositionsShape RelaxType = "positions_shape"
)

// RelaxTypes returns all relaxation types in declaration order.
func RelaxTypes() []RelaxType {
	return []RelaxType{
		RelaxNone, RelaxPositions, RelaxVolume, RelaxShape,
		RelaxCell, RelaxPositionsCell, RelaxPositionsVolume, RelaxPositionsShape,
	}
}

// ParseRelaxType converts a string to a RelaxType.
func ParseRelaxType(s string) (RelaxType, error) {
	for _, t := range RelaxTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid relax type: %q", s)
}

// String returns the wire representation of the relax type.
func (t RelaxType) String() string { return string(t) }

// ChangesCell reports whether the relaxation modifies the cell vectors.
func (t RelaxType) ChangesCell() bool {
	switch t {
	case RelaxVolume, RelaxShape, RelaxCell, RelaxPositionsCell, RelaxPositionsVolume, RelaxPositionsShape:
		return true
	}
	return false
}

// ChangesVolume reports whether the relaxation modifies the cell volume.
func (t RelaxType) ChangesVolume() bool {
	switch t {
	case RelaxVolume, RelaxCell, RelaxPositionsCell, RelaxPositionsVolume:
		return true
	}
	return false
}

// SpinType describes the spin treatment of a calculation.
type SpinType string

const (
	// SpinNone runs a spin-restricted calculation.
	SpinNone SpinType = "none"

	// SpinCollinear runs a spin-polarized calculation with collinear moments.
	SpinCollinear SpinType = "collinear"

	// SpinNonCollinear allows the magnetic moments to point in arbitrary
	// directions.
	SpinNonCollinear SpinType = "non_collinear"

	// SpinOrbit includes spin-orbit coupling.
	SpinOrbit SpinType = "spin_orbit"
)

// SpinTypes returns all spin types in declaration order.
func SpinTypes() []SpinType {
	return []SpinType{SpinNone, SpinCollinear, SpinNonCollinear, SpinOrbit}
}

// ParseSpinType converts a string to a SpinType.
func ParseSpinType(s string) (SpinType, error) {
	for _, t := range SpinTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid spin type: %q", s)
}

// String returns the wire representation of the spin type.
func (t SpinType) String() string { return string(t) }

// ElectronicType describes the treatment of electronic occupations.
type ElectronicType string

const (
	// ElectronicAutomatic lets the engine pick a sensible occupation scheme.
	ElectronicAutomatic ElectronicType = "automatic"

	// ElectronicMetal uses smeared occupations suitable for metals.
	ElectronicMetal ElectronicType = "metal"

	// ElectronicInsulator uses fixed occupations for gapped systems.
	ElectronicInsulator ElectronicType = "insulator"

	// ElectronicUnknown applies a safe default for systems of unknown
	// character, typically metallic smearing.
	ElectronicUnknown ElectronicType = "unknown"
)

// ElectronicTypes returns all electronic types in declaration order.
func ElectronicTypes() []ElectronicType {
	return []ElectronicType{ElectronicAutomatic, ElectronicMetal, ElectronicInsulator, ElectronicUnknown}
}

// ParseElectronicType converts a string to an ElectronicType.
func ParseElectronicType(s string) (ElectronicType, error) {
	for _, t := range ElectronicTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid electronic type: %q", s)
}

// String returns the wire representation of the electronic type.
func (t ElectronicType) String() string { return string(t) }

// PhononProperty selects which derived phonon quantity a frozen-phonon
// workflow computes after the force calculations.
type PhononProperty string

const (
	// PhononNone computes force constants only.
	PhononNone PhononProperty = "none"

	// PhononBands computes the phonon band structure along an automatic path.
	PhononBands PhononProperty = "bands"

	// PhononDOS computes the phonon density of states.
	PhononDOS PhononProperty = "dos"

	// PhononThermodynamic computes thermal properties from the mesh.
	PhononThermodynamic PhononProperty = "thermodynamic"
)

// PhononProperties returns all phonon properties in declaration order.
func PhononProperties() []PhononProperty {
	return []PhononProperty{PhononNone, PhononBands, PhononDOS, PhononThermodynamic}
}

// ParsePhononProperty converts a string to a PhononProperty.
func ParsePhononProperty(s string) (PhononProperty, error) {
	for _, p := range PhononProperties() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("invalid phonon property: %q", s)
}

// Parameters returns the post-processing parameter set associated with the
// phonon property.
func (p PhononProperty) Parameters() map[string]any {
	switch p {
	case PhononBands:
		return map[string]any{"band": "auto"}
	case PhononDOS:
		return map[string]any{"dos": true, "mesh": 1000, "write_mesh": false}
	case PhononThermodynamic:
		return map[string]any{"tprop": true, "mesh": 1000, "write_mesh": false}
	default:
		return map[string]any{}
	}
}

// PostProcessQuantity identifies an optional post-processing quantity an
// engine may support in addition to the common outputs.
type PostProcessQuantity string

const (
	// QuantityPotential is the self-consistent effective potential.
	QuantityPotential PostProcessQuantity = "potential"

	// QuantityChargeDensity is the self-consistent charge density.
	QuantityChargeDensity PostProcessQuantity = "charge_density"
)

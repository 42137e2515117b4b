package workflows

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/crystal"
)

// RelaxOutputs is the common output schema every relax engine adapter
// normalizes to. Energies are eV, forces eV/Å, stress eV/ų, magnetization
// Bohr magnetons.
type RelaxOutputs struct {
	TotalEnergy        float64            `json:"total_energy" yaml:"total_energy"`
	Forces             [][3]float64       `json:"forces" yaml:"forces"`
	RelaxedStructure   *crystal.Structure `json:"relaxed_structure,omitempty" yaml:"relaxed_structure,omitempty"`
	Stress             *[3][3]float64     `json:"stress,omitempty" yaml:"stress,omitempty"`
	TotalMagnetization *float64           `json:"total_magnetization,omitempty" yaml:"total_magnetization,omitempty"`
	RemoteFolder       string             `json:"remote_folder,omitempty" yaml:"remote_folder,omitempty"`
}

// BandsOutputs is the common output schema of the bands workflows. Band
// energies and the Fermi energy are eV.
type BandsOutputs struct {
	// Bands holds the band energies indexed as [kpoint][band], or
	// [spin][kpoint][band] flattened with the spin index leading when the
	// calculation is spin polarized.
	Bands       [][]float64 `json:"bands" yaml:"bands"`
	FermiEnergy float64     `json:"fermi_energy" yaml:"fermi_energy"`
	// Labels maps high-symmetry point labels to k-point indices.
	Labels map[string]int `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// EngineSpec configures one computational step of a workflow: which code
// runs it and with what scheduler options.
type EngineSpec struct {
	Code    string         `json:"code" yaml:"code"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Engines maps workflow step names (relax, bands, phonopy, ...) to their
// engine specifications.
type Engines map[string]EngineSpec

// Validate checks that the required step names are present and carry a code.
func (e Engines) Validate(required ...string) error {
	for _, step := range required {
		spec, ok := e[step]
		if !ok {
			return fmt.Errorf("engines must contain the %q step", step)
		}
		if spec.Code == "" {
			return fmt.Errorf("engines.%s is missing a code", step)
		}
	}
	return nil
}

// Resources builds the scheduler resource options from machine counts. Zero
// values are omitted so engine defaults apply.
func Resources(numMachines, mpiProcsPerMachine, coresPerProc int) map[string]any {
	resources := map[string]any{}
	if numMachines > 0 {
		resources["num_machines"] = numMachines
	}
	if mpiProcsPerMachine > 0 {
		resources["num_mpiprocs_per_machine"] = mpiProcsPerMachine
	}
	if coresPerProc > 0 {
		resources["num_cores_per_mpiproc"] = coresPerProc
	}
	return resources
}

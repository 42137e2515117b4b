package policy

import (
	"time"
)

// BuiltinPolicies returns the builtin submission policies.
func BuiltinPolicies() []Policy {
	return []Policy{
		wallclockCeilingPolicy(),
		machineCeilingPolicy(),
		engineAllowlistPolicy(),
		inputSanityPolicy(),
		mpiSettingsPolicy(),
	}
}

// wallclockCeilingPolicy bounds the scheduler wallclock a submission may
// request and warns when no limit is set.
func wallclockCeilingPolicy() Policy {
	return Policy{
		Name:        "wallclock-ceiling",
		Description: "Caps max_wallclock_seconds per engine step at 48 hours",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"scheduler", "limits"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package atomflow.policies.wallclock

import rego.v1

# Ceiling per calculation in seconds (48 hours)
max_wallclock_seconds := 172800

deny contains violation if {
	some step, entry in input.request.inputs.engines
	seconds := entry.options.max_wallclock_seconds
	seconds > max_wallclock_seconds
	violation := {
		"message": sprintf("Engine step '%s' requests %v s of wallclock, above the %v s ceiling", [step, seconds, max_wallclock_seconds]),
		"severity": "error",
		"resource": step,
	}
}

deny contains violation if {
	some step, entry in input.request.inputs.engines
	not entry.options.max_wallclock_seconds
	violation := {
		"message": sprintf("Engine step '%s' does not set max_wallclock_seconds", [step]),
		"severity": "warning",
		"resource": step,
	}
}`,
	}
}

// machineCeilingPolicy bounds the allocation one calculation may request.
func machineCeilingPolicy() Policy {
	return Policy{
		Name:        "machine-ceiling",
		Description: "Caps machines and total MPI ranks per engine step",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"scheduler", "limits", "resources"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package atomflow.policies.machines

import rego.v1

# Largest allocation one calculation may request
max_machines := 32

max_total_ranks := 4096

deny contains violation if {
	some step, entry in input.request.inputs.engines
	machines := entry.options.resources.num_machines
	machines > max_machines
	violation := {
		"message": sprintf("Engine step '%s' requests %v machines, above the %v machine ceiling", [step, machines, max_machines]),
		"severity": "error",
		"resource": step,
	}
}

deny contains violation if {
	some step, entry in input.request.inputs.engines
	machines := entry.options.resources.num_machines
	ranks := entry.options.resources.num_mpiprocs_per_machine
	total := machines * ranks
	total > max_total_ranks
	violation := {
		"message": sprintf("Engine step '%s' requests %v MPI ranks in total, above the %v rank ceiling", [step, total, max_total_ranks]),
		"severity": "error",
		"resource": step,
	}
}`,
	}
}

// engineAllowlistPolicy restricts which engines a deployment accepts.
// The default list names every supported engine; deployments trim it to
// the codes they actually operate.
func engineAllowlistPolicy() Policy {
	return Policy{
		Name:        "engine-allowlist",
		Description: "Restricts submissions to the engines this deployment allows",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"engines", "allowlist"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package atomflow.policies.engines

import rego.v1

allowed_engines := [
	"abacus",
	"abinit",
	"bigdft",
	"castep",
	"cp2k",
	"dftk",
	"fleur",
	"gaussian",
	"gpaw",
	"nwchem",
	"orca",
	"pyscf",
	"quantum_espresso",
	"siesta",
	"vasp",
	"wien2k",
]

deny contains violation if {
	engine := input.request.engine
	not engine in allowed_engines
	violation := {
		"message": sprintf("Engine '%s' is not in the allowed engine list", [engine]),
		"severity": "error",
	}
}`,
	}
}

// inputSanityPolicy checks protocol names, convergence thresholds and
// magnetization settings for obvious mistakes.
func inputSanityPolicy() Policy {
	return Policy{
		Name:        "input-sanity",
		Description: "Rejects non-positive thresholds and flags suspicious protocol or spin settings",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"inputs", "sanity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package atomflow.policies.inputs

import rego.v1

common_protocols := [
	"fast",
	"moderate",
	"precise",
	"verification-PBE-v1",
	"verification-PBE-v1-sirius",
]

deny contains violation if {
	threshold := input.request.inputs.threshold_forces
	threshold <= 0
	violation := {
		"message": sprintf("threshold_forces must be positive, got %v", [threshold]),
		"severity": "error",
	}
}

deny contains violation if {
	threshold := input.request.inputs.threshold_stress
	threshold <= 0
	violation := {
		"message": sprintf("threshold_stress must be positive, got %v", [threshold]),
		"severity": "error",
	}
}

deny contains violation if {
	protocol := input.request.inputs.protocol
	not protocol in common_protocols
	violation := {
		"message": sprintf("Protocol '%s' is not a common protocol name; the engine must define it", [protocol]),
		"severity": "warning",
	}
}

deny contains violation if {
	input.request.inputs.magnetization_per_site
	input.request.inputs.spin_type == "none"
	violation := {
		"message": "magnetization_per_site is set but spin_type is none",
		"severity": "warning",
	}
}

deny contains violation if {
	input.request.inputs.magnetization_per_site
	not input.request.inputs.spin_type
	violation := {
		"message": "magnetization_per_site is set but spin_type is not",
		"severity": "warning",
	}
}`,
	}
}

// mpiSettingsPolicy warns when plane-wave engines run without MPI and
// rejects invalid rank counts.
func mpiSettingsPolicy() Policy {
	return Policy{
		Name:        "mpi-settings",
		Description: "Checks MPI settings against the submitted engine",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"mpi", "resources"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package atomflow.policies.mpi

import rego.v1

# Engines whose production builds are MPI plane-wave codes
plane_wave_engines := [
	"abinit",
	"castep",
	"dftk",
	"gpaw",
	"quantum_espresso",
	"vasp",
]

deny contains violation if {
	input.request.engine in plane_wave_engines
	some step, entry in input.request.inputs.engines
	entry.options.withmpi == false
	violation := {
		"message": sprintf("Engine '%s' is a plane-wave code but step '%s' disables MPI", [input.request.engine, step]),
		"severity": "warning",
		"resource": step,
	}
}

deny contains violation if {
	some step, entry in input.request.inputs.engines
	ranks := entry.options.resources.num_mpiprocs_per_machine
	ranks < 1
	violation := {
		"message": sprintf("Engine step '%s' requests %v MPI ranks per machine", [step, ranks]),
		"severity": "error",
		"resource": step,
	}
}`,
	}
}

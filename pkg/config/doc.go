// Package config loads the codes and computers configuration and provides
// sandboxed Starlark evaluation.
//
// # Overview
//
// The configuration file is YAML with two lists: computers, the machines
// that run calculation jobs, and codes, the quantum engine executables
// installed on them. The command line references codes as label@computer.
//
//	computers:
//	  - name: hpc
//	    hostname: hpc.example.org
//	    transport: ssh
//	    work_dir: /scratch/atomflow
//	    ssh:
//	      user: jdoe
//	      key_file: ~/.ssh/id_ed25519
//
//	codes:
//	  - label: pw-7.2
//	    engine: quantum_espresso.pw
//	    computer: hpc
//	    executable: /opt/qe/bin/pw.x
//	    mpi_procs_per_machine: 32
//
// # Components
//
// Loader: reads the YAML file, validates it against the embedded CUE
// schemas and validator struct tags, checks cross-references and can watch
// the file for changes so the daemon picks up edits without restarting.
//
// SchemaRegistry: holds the compiled CUE schemas. Custom schemas can be
// registered for additional validation.
//
// StarlarkEvaluator: sandboxed Starlark execution with a timeout, used by
// the overrides package to run builder override scripts. Scripts get no
// filesystem or network access and print is suppressed.
//
// # Usage Example
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	code, computer, err := cfg.CodeFor("pw-7.2@hpc")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// The loader and the schema registry are safe for concurrent use.
package config

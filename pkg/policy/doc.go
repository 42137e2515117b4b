// Package policy provides Open Policy Agent (OPA) admission control for
// workflow submissions.
//
// Every launch request passes through the policy gate before a run is
// recorded. Policies are written in Rego, compiled once, and evaluated
// against the request document (workflow, engine, input tree). Error and
// critical violations reject the submission; warnings are logged and let
// it through.
//
// # Architecture
//
// The package has four parts:
//
//  1. Engine - Compiles Rego policies and evaluates request documents
//  2. Gate - Adapts the engine to the launcher's admission seam
//  3. Loader - Loads custom policies from files, directories and bundles
//  4. Builtin Policies - Submission rules every deployment starts with
//
// # Usage
//
// Wiring the gate into a launcher:
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	launcher := launch.NewLauncher(cfg, store, executor, logger).
//	    WithGate(policy.NewGate(engine, logger))
//
// Evaluating a request document directly:
//
//	result, err := engine.EvaluateRequest(ctx, req.Document(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Allowed {
//	    for _, violation := range result.Violations {
//	        fmt.Printf("policy %s: %s\n", violation.Policy, violation.Message)
//	    }
//	}
//
// Loading site policies:
//
//	err = engine.LoadPolicies(ctx, []string{"/etc/atomflow/policies"})
//
// # Builtin Policies
//
// The following policies are loaded by default:
//
//  1. wallclock-ceiling - Caps max_wallclock_seconds per engine step
//  2. machine-ceiling - Caps machines and total MPI ranks per step
//  3. engine-allowlist - Restricts submissions to allowed engines
//  4. input-sanity - Rejects non-positive thresholds, flags odd settings
//  5. mpi-settings - Warns when plane-wave engines run without MPI
//
// # Custom Policies
//
// Custom policies are Rego modules evaluated with the same input
// document. The deny set carries the violations:
//
//	package site.policies.queues
//
//	import rego.v1
//
//	deny contains violation if {
//	    some step, entry in input.request.inputs.engines
//	    entry.options.queue_name == "debug"
//	    entry.options.max_wallclock_seconds > 3600
//	    violation := {
//	        "message": sprintf("Step '%s' exceeds the debug queue hour limit", [step]),
//	        "severity": "error",
//	        "resource": step,
//	    }
//	}
//
// A violation may be a bare string or an object with "message",
// "severity", "resource" and "remediation" keys. Severity defaults to
// the policy's own level when a result does not set one.
//
// # Severity Levels
//
//   - info: informational findings
//   - warning: findings to review; the submission still runs
//   - error: violations that block the submission
//   - critical: violations that must never reach a scheduler
//
// # Hot Reload
//
// The loader can watch policy paths and reapply them on change:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func([]policy.Policy) error {
//	    if err := engine.ReloadPolicies(ctx); err != nil {
//	        return err
//	    }
//	    return engine.LoadPolicies(ctx, paths)
//	})
//
// # Performance
//
// Each policy's deny query is prepared once at load time and reused for
// every evaluation, so admitting a request costs a handful of prepared
// query evaluations.
package policy

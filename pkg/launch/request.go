// Package launch turns workflow requests into recorded, executed runs.
// The CLI and the daemon both go through the launcher, so interactive and
// spooled submissions are validated, admitted and persisted the same way.
package launch

import (
	"errors"
	"fmt"
	"time"
)

// Workflow kinds a request may name, matching the workflow field of
// persisted runs.
const (
	WorkflowRelax             = "relax"
	WorkflowEOS               = "eos"
	WorkflowDissociationCurve = "dissociation_curve"
	WorkflowBands             = "bands"
	WorkflowPhonons           = "phonons"
)

// Workflows lists the supported workflow kinds.
func Workflows() []string {
	return []string{
		WorkflowRelax,
		WorkflowEOS,
		WorkflowDissociationCurve,
		WorkflowBands,
		WorkflowPhonons,
	}
}

// Request is one workflow submission: which workflow to run, on which
// engine, with which inputs. Requests are also the documents exchanged
// through the daemon spool.
type Request struct {
	// ID identifies the submission itself, e.g. the spool entry it
	// arrived in. Runs get their own identifiers.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Workflow is the workflow kind, e.g. "relax" or "eos".
	Workflow string `json:"workflow" yaml:"workflow"`

	// Engine is the engine name, e.g. "quantum_espresso". Full entry
	// point names are accepted too.
	Engine string `json:"engine" yaml:"engine"`

	// Inputs is the workflow input tree. Its semantics are validated by
	// the workflow's own input spec at launch time.
	Inputs map[string]interface{} `json:"inputs" yaml:"inputs"`

	// SubmittedAt is when the request entered the spool. Zero for
	// requests launched directly.
	SubmittedAt time.Time `json:"submitted_at,omitempty" yaml:"submitted_at,omitempty"`
}

// Validate checks the request shape.
func (r *Request) Validate() error {
	if r.Workflow == "" {
		return errors.New("workflow is required")
	}
	known := false
	for _, kind := range Workflows() {
		if r.Workflow == kind {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown workflow %q", r.Workflow)
	}
	if r.Engine == "" {
		return errors.New("engine is required")
	}
	if len(r.Inputs) == 0 {
		return errors.New("inputs are required")
	}
	return nil
}

// Document renders the request as a generic map, the form handed to
// policy evaluation.
func (r *Request) Document() map[string]interface{} {
	doc := map[string]interface{}{
		"workflow": r.Workflow,
		"engine":   r.Engine,
		"inputs":   r.Inputs,
	}
	if r.ID != "" {
		doc["id"] = r.ID
	}
	if !r.SubmittedAt.IsZero() {
		doc["submitted_at"] = r.SubmittedAt.Format(time.RFC3339)
	}
	return doc
}

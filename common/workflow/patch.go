package workflow

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

// Definition is the serializable form of a workflow. Revisions are
// produced by applying JSON patches to this document.
type Definition struct {
	WorkflowID  string           `json:"workflow_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Version     ident.Version    `json:"version"`
	Nodes       map[string]*Node `json:"nodes"`
	Edges       map[string]*Edge `json:"edges"`
}

// Definition returns the serializable view of the workflow.
func (w *Workflow) Definition() Definition {
	return Definition{
		WorkflowID:  w.ID,
		Name:        w.Name,
		Description: w.Description,
		Version:     w.Version,
		Nodes:       w.Nodes(),
		Edges:       w.Edges(),
	}
}

// FromDefinition builds and validates a workflow from its serialized form.
func FromDefinition(def Definition) (*Workflow, error) {
	w := New(def.WorkflowID, def.Name)
	w.Description = def.Description
	w.Version = def.Version
	for _, n := range def.Nodes {
		if err := w.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, e := range def.Edges {
		if err := w.AddEdge(e); err != nil {
			return nil, err
		}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// ApplyPatch applies an RFC 6902 patch to the workflow definition and
// returns the next revision. The input workflow is unchanged; the result
// is re-validated and gets a bumped minor version.
func ApplyPatch(w *Workflow, patchJSON []byte) (*Workflow, error) {
	doc, err := json.Marshal(w.Definition())
	if err != nil {
		return nil, fmt.Errorf("marshal workflow definition: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, errs.Validation("invalid workflow patch: %v", err)
	}

	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, errs.Validation("workflow patch failed to apply: %v", err)
	}

	var def Definition
	if err := json.Unmarshal(patched, &def); err != nil {
		return nil, errs.Validation("patched workflow is malformed: %v", err)
	}

	next, err := FromDefinition(def)
	if err != nil {
		return nil, err
	}
	next.Version = w.Version.BumpMinor()
	return next, nil
}

// ApplyPatchChain applies patches in order, producing one revision per
// patch and returning the final one.
func ApplyPatchChain(w *Workflow, patches [][]byte) (*Workflow, error) {
	current := w
	for i, p := range patches {
		next, err := ApplyPatch(current, p)
		if err != nil {
			return nil, fmt.Errorf("patch %d: %w", i, err)
		}
		current = next
	}
	return current, nil
}

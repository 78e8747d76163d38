// Package state implements the three-tier reactive State Store (spec §4.B):
// inputs (frozen after init), state (mutable), computed (engine-owned,
// recomputed via dependency-directed topological recomputation). Scoped
// variable syntax (spec §6) uses four prefixes — this, global, inputs,
// loop — but only three tiers of storage exist: this and global both
// address the single mutable `state` map (the distilled spec defines no
// separate storage for "global"; see DESIGN.md), loop bindings are
// supplied per-call by the interpreter's LoopFrame and never touch the
// Store, and inputs addresses the frozen inputs map.
package state

import (
	"fmt"

	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// Scope is one of the four prefixes spec §3 invariant 1 names.
type Scope string

const (
	ScopeThis    Scope = "this"
	ScopeGlobal  Scope = "global"
	ScopeInputs  Scope = "inputs"
	ScopeLoop    Scope = "loop"
	scopeLegacyState Scope = "state"
	scopeLegacyRaw   Scope = "raw"
	scopeLegacyComputed Scope = "computed"
)

// SplitScopedPath splits "this.a.b" into (ScopeThis, "a.b"), mapping legacy
// prefixes per spec §9's open point: state.* -> this.*, raw.* -> inputs.*,
// computed.* -> the top-level computed tier. Returns ok=false if the path
// has no recognised prefix.
func SplitScopedPath(path string) (scope Scope, rest string, legacy bool, ok bool) {
	i := indexByte(path, '.')
	var head, tail string
	if i < 0 {
		head, tail = path, ""
	} else {
		head, tail = path[:i], path[i+1:]
	}
	switch Scope(head) {
	case ScopeThis, ScopeGlobal, ScopeInputs, ScopeLoop:
		return Scope(head), tail, false, true
	case scopeLegacyState:
		return ScopeThis, tail, true, true
	case scopeLegacyRaw:
		return ScopeInputs, tail, true, true
	case scopeLegacyComputed:
		return scopeLegacyComputed, tail, true, true
	default:
		return "", "", false, false
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Schema is the declared shape of a definition's state: input specs and
// computed-field specs, used to build the dependency graph and to validate
// writes against forbidden tiers regardless of name collisions (spec §9
// "Writes must reject any path that is a computed name... regardless of
// whether that name also exists as a raw field").
type Schema struct {
	Inputs       []workflowtypes.InputSpec
	DefaultState map[string]interface{}
	Computed     []workflowtypes.ComputedFieldSpec
}

func (s Schema) computedNames() map[string]bool {
	names := make(map[string]bool, len(s.Computed))
	for _, c := range s.Computed {
		names[c.Name] = true
	}
	return names
}

func (s Schema) inputNames() map[string]workflowtypes.InputSpec {
	names := make(map[string]workflowtypes.InputSpec, len(s.Inputs))
	for _, in := range s.Inputs {
		names[in.Name] = in
	}
	return names
}

// ValidateNoCollisions enforces spec invariant 2: computed, inputs, and
// state field names must not collide, or they are a load-time validation
// error (since flattened-read precedence would otherwise silently mask one
// tier's field with another's).
func (s Schema) ValidateNoCollisions() error {
	computed := s.computedNames()
	inputs := s.inputNames()
	for name := range computed {
		if _, ok := inputs[name]; ok {
			return &errs.InvalidWorkflowDefinition{Reason: fmt.Sprintf("name %q declared as both computed and input", name)}
		}
		if _, ok := s.DefaultState[name]; ok {
			return &errs.InvalidWorkflowDefinition{Reason: fmt.Sprintf("name %q declared as both computed and state", name)}
		}
	}
	for name := range inputs {
		if _, ok := s.DefaultState[name]; ok {
			return &errs.InvalidWorkflowDefinition{Reason: fmt.Sprintf("name %q declared as both input and state", name)}
		}
	}
	return nil
}

package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// Store owns the three tiers and mediates every read and write, spec §4.B.
// Grounded on the teacher's copy-then-commit pattern (trycatch_executor.go
// executeBlock accumulates into a scratch map before merging on success);
// here the whole state map is copied before applying a batch so a failed
// batch leaves no observable effect (spec testable property 1).
type Store struct {
	mu sync.RWMutex

	inputs   map[string]interface{}
	state    map[string]interface{}
	computed map[string]interface{}

	schema    Schema
	graph     *depGraph
	evaluator *expr.Evaluator
}

// New constructs an empty Store bound to schema; call Initialise before use.
func New(schema Schema, evaluator *expr.Evaluator) (*Store, error) {
	if err := schema.ValidateNoCollisions(); err != nil {
		return nil, err
	}
	g, err := buildDepGraph(schema)
	if err != nil {
		return nil, err
	}
	return &Store{
		schema:    schema,
		graph:     g,
		evaluator: evaluator,
		inputs:    make(map[string]interface{}),
		state:     make(map[string]interface{}),
		computed:  make(map[string]interface{}),
	}, nil
}

// Initialise merges defaults, validates and freezes inputs, and runs a full
// recomputation pass, spec §3 Lifecycle/Create.
func (s *Store) Initialise(suppliedInputs map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range s.schema.DefaultState {
		s.state[k] = deepCopyValue(v)
	}

	resolved, err := s.resolveInputs(suppliedInputs)
	if err != nil {
		return err
	}
	s.inputs = resolved

	return s.recomputeAll()
}

// RestoreTiers resets inputs and state from a checkpoint (Open Question
// decision 3: the checkpoint blob carries inputs+state, not computed) and
// recomputes every computed field fresh, spec §3 Checkpoint. Unlike
// Initialise, it does not re-validate inputs against the schema: a
// checkpoint was necessarily produced from an already-valid Store.
func (s *Store) RestoreTiers(inputs, state map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = cloneMap(inputs)
	s.state = cloneMap(state)
	return s.recomputeAll()
}

func (s *Store) resolveInputs(supplied map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(s.schema.Inputs))
	for _, spec := range s.schema.Inputs {
		val, present := supplied[spec.Name]
		if !present {
			if spec.Default != nil {
				resolved[spec.Name] = deepCopyValue(spec.Default)
				continue
			}
			if spec.Required {
				return nil, &errs.InvalidInput{Field: spec.Name, Reason: "required input missing"}
			}
			continue
		}
		if err := validateInputType(spec, val); err != nil {
			return nil, err
		}
		resolved[spec.Name] = val
	}
	// Pass through any supplied fields not in the declared schema as-is;
	// the Loader's schema validation is the place unknown-input rejection
	// belongs, not the Store.
	for k, v := range supplied {
		if _, declared := resolved[k]; !declared {
			if _, known := s.schema.inputNames()[k]; !known {
				resolved[k] = v
			}
		}
	}
	return resolved, nil
}

func validateInputType(spec workflowtypes.InputSpec, val interface{}) error {
	ok := false
	switch spec.Type {
	case workflowtypes.InputString:
		_, ok = val.(string)
	case workflowtypes.InputNumber:
		switch val.(type) {
		case float64, int, int64:
			ok = true
		}
	case workflowtypes.InputBoolean:
		_, ok = val.(bool)
	case workflowtypes.InputObject:
		_, ok = val.(map[string]interface{})
	case workflowtypes.InputArray:
		_, ok = val.([]interface{})
	default:
		ok = true
	}
	if !ok {
		return &errs.InvalidInput{Field: spec.Name, Reason: fmt.Sprintf("expected type %s", spec.Type)}
	}
	return nil
}

// Read returns a flattened map; if paths is non-empty, only the named
// (scoped or bare) paths are included. Precedence: computed > inputs >
// state, spec invariant 2.
func (s *Store) Read(paths ...string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flat := s.flatten()
	if len(paths) == 0 {
		return flat
	}

	out := make(map[string]interface{}, len(paths))
	for _, p := range paths {
		_, rest, _, ok := SplitScopedPath(p)
		key := p
		if ok {
			key = rest
		}
		if v, present := flat[key]; present {
			out[key] = v
		} else if v, present := expr.GetNestedValue(flat, key); present {
			out[key] = v
		}
	}
	return out
}

// Tiers returns independent copies of the inputs and state tiers, for
// checkpointing (computed is intentionally excluded, rebuilt fresh by
// RestoreTiers on resume).
func (s *Store) Tiers() (inputs, state map[string]interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.inputs), cloneMap(s.state)
}

func (s *Store) flatten() map[string]interface{} {
	flat := make(map[string]interface{}, len(s.state)+len(s.inputs)+len(s.computed))
	for k, v := range s.state {
		flat[k] = v
	}
	for k, v := range s.inputs {
		flat[k] = v
	}
	for k, v := range s.computed {
		flat[k] = v
	}
	return flat
}

// Scope returns the scope map for the Expression Evaluator: this, global,
// and inputs bound to the live tiers (computed values are exposed through
// `this`/`global` too, since flattened reads of `this.x` must see computed
// overrides when x is a computed name).
func (s *Store) Scope() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flat := s.flatten()
	return map[string]interface{}{
		"this":   flat,
		"global": flat,
		"inputs": cloneMap(s.inputs),
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Dependencies reports direct deps, transitive deps, and transitive
// dependents of a computed field, spec §4.B.
type Dependencies struct {
	Direct      []string
	Transitive  []string
	Dependents  []string
}

func (s *Store) Dependencies(field string) (Dependencies, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.graph.fields[field]; !ok {
		return Dependencies{}, fmt.Errorf("unknown computed field %q", field)
	}

	direct := append([]string{}, s.graph.dependsOnComputed[field]...)
	direct = append(direct, s.graph.rawSources[field]...)
	sort.Strings(direct)

	seen := make(map[string]bool)
	var walk func(string)
	var transitive []string
	walk = func(name string) {
		for _, dep := range s.graph.dependsOnComputed[name] {
			if !seen[dep] {
				seen[dep] = true
				transitive = append(transitive, dep)
				walk(dep)
			}
		}
	}
	walk(field)
	sort.Strings(transitive)

	dependentsSeen := make(map[string]bool)
	var dependents []string
	var walkDependents func(string)
	walkDependents = func(name string) {
		for _, dep := range s.graph.dependents[name] {
			if !dependentsSeen[dep] {
				dependentsSeen[dep] = true
				dependents = append(dependents, dep)
				walkDependents(dep)
			}
		}
	}
	walkDependents(field)
	sort.Strings(dependents)

	return Dependencies{Direct: direct, Transitive: transitive, Dependents: dependents}, nil
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}

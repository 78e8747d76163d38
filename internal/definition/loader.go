// Package definition implements the Workflow Definition Loader (spec
// §4.C): parses a YAML document into an in-memory WorkflowDefinition,
// validates structural invariants, and resolves name -> file. Grounded on
// the teacher's internal/workflows/loader.go (LoadAll/LoadFile, glob
// discovery, map[interface{}]interface{} -> map[string]interface{}
// conversion) and validator.go (structural checks), adapted from the
// teacher's *.workflow.yaml glob convention to the two-location search
// order spec §4.C mandates.
package definition

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

var (
	nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+(:[A-Za-z0-9_-]+)?$`)
	semverRE = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
	stepIDRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Loader discovers and parses workflow definitions from a filesystem,
// wrapped behind afero.Fs (SPEC_FULL.md §11.5) so the two-location search
// order is testable against an in-memory filesystem.
type Loader struct {
	fs          afero.Fs
	searchPaths []string // in priority order, e.g. ./.aromcp/workflows, $HOME/.aromcp/workflows
}

// New constructs a Loader over fs, searching the given directories in order.
func New(fs afero.Fs, searchPaths ...string) *Loader {
	return &Loader{fs: fs, searchPaths: searchPaths}
}

// LoadByName resolves "{name}.yaml" against the search path (spec §4.C:
// "./.aromcp/workflows/{name}.yaml, then $HOME/.aromcp/workflows/{name}.yaml").
func (l *Loader) LoadByName(name string) (*workflowtypes.WorkflowDefinition, error) {
	for _, dir := range l.searchPaths {
		path := filepath.Join(dir, name+".yaml")
		if ok, _ := afero.Exists(l.fs, path); ok {
			return l.LoadFile(path)
		}
		path = filepath.Join(dir, name+".yml")
		if ok, _ := afero.Exists(l.fs, path); ok {
			return l.LoadFile(path)
		}
	}
	return nil, &errs.InvalidWorkflowDefinition{Workflow: name, Reason: "not found in search path"}
}

// LoadFile parses and validates a single YAML document.
func (l *Loader) LoadFile(path string) (*workflowtypes.WorkflowDefinition, error) {
	raw, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, &errs.InvalidWorkflowDefinition{Workflow: path, Reason: "read failed", Err: err}
	}

	var untyped interface{}
	if err := yaml.Unmarshal(raw, &untyped); err != nil {
		return nil, &errs.InvalidWorkflowDefinition{Workflow: path, Reason: "yaml parse failed", Err: err}
	}
	converted := convertYAMLToJSON(untyped)

	jsonBytes, err := json.Marshal(converted)
	if err != nil {
		return nil, &errs.InvalidWorkflowDefinition{Workflow: path, Reason: "normalisation failed", Err: err}
	}

	var def workflowtypes.WorkflowDefinition
	if err := json.Unmarshal(jsonBytes, &def); err != nil {
		return nil, &errs.InvalidWorkflowDefinition{Workflow: path, Reason: "decode failed", Err: err}
	}
	def.SourcePath = path

	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadAll discovers every *.yaml/*.yml definition across the search paths,
// mirroring the teacher's Loader.LoadAll glob-based discovery.
func (l *Loader) LoadAll() ([]*workflowtypes.WorkflowDefinition, error) {
	var out []*workflowtypes.WorkflowDefinition
	for _, dir := range l.searchPaths {
		for _, pattern := range []string{"*.yaml", "*.yml"} {
			matches, err := afero.Glob(l.fs, filepath.Join(dir, pattern))
			if err != nil {
				continue
			}
			for _, m := range matches {
				d, err := l.LoadFile(m)
				if err != nil {
					return nil, err
				}
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// convertYAMLToJSON recursively rewrites yaml.v3's
// map[interface{}]interface{} nodes into map[string]interface{} so the
// result round-trips through encoding/json, ported from the teacher's
// loader.go:convertYAMLToJSON.
func convertYAMLToJSON(in interface{}) interface{} {
	switch v := in.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[fmt.Sprintf("%v", k)] = convertYAMLToJSON(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = convertYAMLToJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = convertYAMLToJSON(val)
		}
		return out
	default:
		return v
	}
}

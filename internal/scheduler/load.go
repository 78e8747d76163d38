package scheduler

import (
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// LoadEntriesFile parses a scheduler file (SPEC_FULL.md §11.11): a YAML
// list of Entry, e.g.
//
//	- cron: "0 * * * *"
//	  workflow_name: demo:hourly-report
//	  inputs:
//	    channel: "#ops"
func LoadEntriesFile(fs afero.Fs, path string) ([]Entry, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

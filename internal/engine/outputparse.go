package engine

import (
	"encoding/json"
	"strings"

	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// parseOutput applies a server shell_command's output_parse rule to stdout,
// spec §4.D. "text" (the default) is the identity transform.
func parseOutput(mode workflowtypes.OutputParse, stdout string) interface{} {
	switch mode {
	case workflowtypes.ParseLines:
		trimmed := strings.TrimRight(stdout, "\n")
		if trimmed == "" {
			return []interface{}{}
		}
		lines := strings.Split(trimmed, "\n")
		out := make([]interface{}, len(lines))
		for i, l := range lines {
			out[i] = l
		}
		return out
	case workflowtypes.ParseJSON:
		var v interface{}
		if err := json.Unmarshal([]byte(stdout), &v); err != nil {
			return stdout
		}
		return v
	case workflowtypes.ParseKeyValue:
		out := make(map[string]interface{})
		for _, line := range strings.Split(strings.TrimRight(stdout, "\n"), "\n") {
			if line == "" {
				continue
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		return out
	default:
		return stdout
	}
}

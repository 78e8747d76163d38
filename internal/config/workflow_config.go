package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is loomctl's runtime configuration, scoped to what the Step
// Queue/MCP server/scheduler actually need: ports, search paths, and debug
// mode. Grounded on the teacher's Config's field-per-concern shape and
// viper.BindEnv environment-override convention, generalized from
// Station's many integration concerns (CloudShip, SSH, lattice, ...) down
// to the workflow engine's own surface.
type Config struct {
	MCPPort       int
	HTTPPort      int
	Debug         bool
	SearchPaths   []string // workflow definition search path, in priority order
	EventBusURL   string   // embedded if empty, spec's optional side channel
	SchedulerFile string   // cron schedule definitions, SPEC_FULL.md §11.11
}

// Load reads configuration from environment variables (bound with the
// LOOM_ prefix, paralleling the teacher's STN_/STATION_ convention) and an
// optional config file, falling back to workspace-relative defaults.
func Load() (*Config, error) {
	viper.SetEnvPrefix("LOOM")
	viper.AutomaticEnv()

	viper.BindEnv("mcp_port", "LOOM_MCP_PORT")
	viper.BindEnv("http_port", "LOOM_HTTP_PORT")
	viper.BindEnv("debug", "LOOM_DEBUG")
	viper.BindEnv("search_paths", "LOOM_WORKFLOW_PATHS")
	viper.BindEnv("event_bus_url", "LOOM_EVENTBUS_URL")
	viper.BindEnv("scheduler_file", "LOOM_SCHEDULER_FILE")

	viper.SetDefault("mcp_port", 8700)
	viper.SetDefault("http_port", 8701)
	viper.SetDefault("debug", false)

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		_ = viper.ReadInConfig()
	}

	searchPaths := viper.GetStringSlice("search_paths")
	if len(searchPaths) == 0 {
		if p := os.Getenv("AROMCP_WORKFLOWS_PATH"); p != "" {
			searchPaths = filepath.SplitList(p)
		} else {
			searchPaths = defaultSearchPaths()
		}
	}

	return &Config{
		MCPPort:       viper.GetInt("mcp_port"),
		HTTPPort:      viper.GetInt("http_port"),
		Debug:         viper.GetBool("debug"),
		SearchPaths:   searchPaths,
		EventBusURL:   viper.GetString("event_bus_url"),
		SchedulerFile: viper.GetString("scheduler_file"),
	}, nil
}

// defaultSearchPaths mirrors spec §4.C's two-location search order:
// ./.aromcp/workflows first, then $HOME/.aromcp/workflows.
func defaultSearchPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return []string{"./.aromcp/workflows"}
	}
	return []string{"./.aromcp/workflows", filepath.Join(home, ".aromcp", "workflows")}
}

// Command loomctl runs the workflow orchestration engine: an MCP server
// binding spec §6's operations, with optional HTTP introspection and a
// cron-driven scheduler layered on top.
//
// Grounded on the teacher's cmd/main's cobra root-command bootstrap shape
// (root command + subcommands + cobra.OnInitialize viper wiring), scaled
// down from Station's large agent/deploy/bundle/lattice command tree to
// this project's own three concerns: serve, validate, run.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/loomhq/loomctl/internal/config"
	"github.com/loomhq/loomctl/internal/definition"
	"github.com/loomhq/loomctl/internal/engine"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/internal/httpadmin"
	"github.com/loomhq/loomctl/internal/instance"
	"github.com/loomhq/loomctl/internal/logging"
	"github.com/loomhq/loomctl/internal/mcpserver"
	"github.com/loomhq/loomctl/internal/scheduler"
	"github.com/loomhq/loomctl/internal/subagent"
)

var (
	cfg      *config.Config
	useStdio bool
	withHTTP bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "loomctl",
		Short: "Declarative workflow orchestration engine",
	}

	cobra.OnInitialize(func() {
		loaded, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		logging.Initialize(cfg.Debug)
	})

	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newRunCmd())
	return root
}

// newManagerAndLoader wires the Workflow Instance Manager to its two
// satellite dependencies: the Sub-Agent Coordinator (for parallel_foreach's
// true-parallel path, breaking the construction cycle via
// SetParallelDispatcher) and the Definition Loader (so Manager.Restore
// can re-resolve a workflow by name).
func newManagerAndLoader() (*instance.Manager, *definition.Loader) {
	loader := definition.New(afero.NewOsFs(), cfg.SearchPaths...)

	mgr := instance.NewManager(expr.New(), engine.NewShellRunner())
	coord := subagent.NewCoordinator(mgr)
	mgr.SetParallelDispatcher(coord)
	mgr.SetDefinitionResolver(loader)

	return mgr, loader
}

// newServeCmd starts the MCP server, and optionally the HTTP introspection
// surface (--http) and the cron scheduler (when cfg.SchedulerFile is set),
// running every enabled surface concurrently until one of them errors.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, loader := newManagerAndLoader()
			ctx := context.Background()

			if cfg.SchedulerFile != "" {
				entries, err := scheduler.LoadEntriesFile(afero.NewOsFs(), cfg.SchedulerFile)
				if err != nil {
					return fmt.Errorf("failed to load scheduler file: %w", err)
				}
				sched := scheduler.New(mgr, loader)
				if err := sched.LoadEntries(entries); err != nil {
					return fmt.Errorf("failed to schedule entries: %w", err)
				}
				sched.Start()
				defer sched.Stop()
			}

			errCh := make(chan error, 2)

			if withHTTP {
				go func() {
					admin := httpadmin.New(mgr)
					if err := admin.Start(ctx, cfg.HTTPPort); err != nil {
						errCh <- fmt.Errorf("http admin server: %w", err)
					}
				}()
			}

			srv := mcpserver.NewServer(mgr, loader)
			go func() {
				var err error
				if useStdio {
					err = srv.StartStdio(ctx)
				} else {
					err = srv.Start(ctx, cfg.MCPPort)
				}
				if err != nil {
					errCh <- fmt.Errorf("mcp server: %w", err)
				}
			}()

			return <-errCh
		},
	}
	cmd.Flags().BoolVar(&useStdio, "stdio", false, "serve over stdio instead of streamable HTTP")
	cmd.Flags().BoolVar(&withHTTP, "http", false, "also serve the HTTP introspection surface")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := definition.New(afero.NewOsFs())
			def, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s@%s: %d step(s), valid\n", def.Name, def.Version, len(def.Steps))
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <file>",
		Short: "Drive a workflow locally via a fake agent that reports every step as successful, for smoke testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := definition.New(afero.NewOsFs())
			def, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}

			mgr, _ := newManagerAndLoader()
			id, _, err := mgr.Start(def, nil)
			if err != nil {
				return err
			}

			ctx := context.Background()
			for {
				atomic, err := mgr.GetNextStep(ctx, id)
				if err != nil {
					return err
				}
				if atomic == nil {
					fmt.Println("workflow complete")
					return nil
				}
				fmt.Printf("[%s] %s\n", atomic.Type, atomic.Instructions)
				if err := mgr.StepComplete(id, atomic.ID, "success"); err != nil {
					return err
				}
			}
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/riannom/archetype/pkg/config"
	"github.com/riannom/archetype/pkg/controller"
	"github.com/riannom/archetype/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "archetype",
	Short: "Archetype - multi-host network emulation lab controller",
	Long: `Archetype orchestrates emulated network topologies across a fleet
of worker hosts: container and VM device nodes, OVS-stitched links,
and VXLAN overlays between hosts, continuously reconciled against
the desired topology.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Archetype version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller",
	Long: `Run the Archetype controller: the HTTP surface for agents and
users, the job pipeline, and the reconciliation, enforcement, overlay,
and cleanup loops. Configuration comes from ARCHETYPE_* environment
variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ctrl, err := controller.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("controller init: %w", err)
		}
		log.WithComponent("main").Info().
			Str("version", Version).
			Str("commit", Commit).
			Msg("archetype starting")
		return ctrl.Run(ctx)
	},
}

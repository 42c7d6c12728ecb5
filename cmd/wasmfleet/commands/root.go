package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	serverAddr string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wasmfleet",
		Short: "WasmFleet - WebAssembly edge orchestrator",
		Long: `WasmFleet orchestrates WebAssembly compute modules across a fleet of
edge devices discovered on the local network.

The orchestrator matches each module's declared capability and resource
requirements against what devices advertise, places module instances on
eligible devices, and keeps placements valid as devices join, fail health
checks, or leave.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://localhost:8400", "orchestrator API address")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newDevicesCommand())
	rootCmd.AddCommand(newModulesCommand())

	return rootCmd
}

package commands

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
)

func newModulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Manage the module catalog",
		Long: `Manage the orchestrator's catalog of deployable WASM modules.

Registered modules are inspected on upload: exports are enumerated and
capability requirements implied by the module's imports are merged into
the declared ones.`,
	}

	cmd.AddCommand(newModulesRegisterCommand())
	cmd.AddCommand(newModulesListCommand())
	cmd.AddCommand(newModulesShowCommand())
	cmd.AddCommand(newModulesDeleteCommand())

	return cmd
}

func newModulesRegisterCommand() *cobra.Command {
	var (
		name         string
		file         string
		uri          string
		capabilities []string
		thresholds   []string
	)

	cmd := &cobra.Command{
		Use:   "register <module-id>",
		Short: "Register a module in the catalog",
		Long: `Register a WASM module so deployments can reference it by ID.

The artifact is uploaded from --file and inspected server-side; a module
that does not compile is rejected. Resource thresholds are minimums an
eligible device must advertise, given as name=value pairs.`,
		Example: `  # Register a module from a local artifact
  wasmfleet modules register image-classifier --file ./classifier.wasm

  # Register with explicit requirements
  wasmfleet modules register image-classifier \
    --file ./classifier.wasm \
    --capability camera \
    --threshold memory_bytes=268435456`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			artifact, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read artifact: %w", err)
			}

			resources := fleet.Resources{}
			for _, t := range thresholds {
				key, value, ok := strings.Cut(t, "=")
				if !ok {
					return fmt.Errorf("invalid threshold %q, expected name=value", t)
				}
				n, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid threshold value %q: %w", value, err)
				}
				resources[key] = n
			}

			req := struct {
				fleet.ModuleDescriptor
				ArtifactBase64 string `json:"artifact_base64"`
			}{
				ModuleDescriptor: fleet.ModuleDescriptor{
					ID:                   args[0],
					Name:                 name,
					RequiredCapabilities: capabilities,
					ResourceThresholds:   resources,
					Artifact:             fleet.ArtifactRef{URI: uri},
				},
				ArtifactBase64: base64.StdEncoding.EncodeToString(artifact),
			}

			var mod fleet.ModuleDescriptor
			if err := newAPIClient().do(cmd.Context(), "POST", "/api/v1/modules", req, &mod); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(mod)
			}
			fmt.Printf("Registered %s (%d exports, capabilities: %s)\n",
				mod.ID, len(mod.Exports), strings.Join(mod.RequiredCapabilities, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-readable module name")
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the WASM artifact")
	cmd.Flags().StringVar(&uri, "uri", "", "artifact URI recorded alongside the upload")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "required device capability (repeatable)")
	cmd.Flags().StringSliceVar(&thresholds, "threshold", nil, "resource threshold as name=value (repeatable)")

	return cmd
}

func newModulesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List registered modules",
		Example: `  wasmfleet modules list`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var mods []fleet.ModuleDescriptor
			if err := newAPIClient().do(cmd.Context(), "GET", "/api/v1/modules", nil, &mods); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(mods)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCAPABILITIES\tEXPORTS\tSIZE")
			for _, mod := range mods {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
					mod.ID, mod.Name,
					strings.Join(mod.RequiredCapabilities, ","),
					len(mod.Exports), mod.Artifact.SizeBytes)
			}
			w.Flush()
			return nil
		},
	}
	return cmd
}

func newModulesShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show <module-id>",
		Short:   "Show one module in detail",
		Example: `  wasmfleet modules show image-classifier`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mod fleet.ModuleDescriptor
			if err := newAPIClient().do(cmd.Context(), "GET", "/api/v1/modules/"+args[0], nil, &mod); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(mod)
			}

			fmt.Printf("Module:        %s\n", mod.ID)
			if mod.Name != "" {
				fmt.Printf("Name:          %s\n", mod.Name)
			}
			if len(mod.RequiredCapabilities) > 0 {
				fmt.Printf("Capabilities:  %s\n", strings.Join(mod.RequiredCapabilities, ", "))
			}
			for name, value := range mod.ResourceThresholds {
				fmt.Printf("Threshold:     %s >= %d\n", name, value)
			}
			fmt.Printf("Artifact:      %s (%d bytes, sha256 %s)\n",
				mod.Artifact.URI, mod.Artifact.SizeBytes, mod.Artifact.SHA256)
			for _, export := range mod.Exports {
				fmt.Printf("Export:        %s\n", export)
			}
			return nil
		},
	}
	return cmd
}

func newModulesDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete <module-id>",
		Short:   "Remove a module from the catalog",
		Example: `  wasmfleet modules delete image-classifier`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().do(cmd.Context(), "DELETE", "/api/v1/modules/"+args[0], nil, nil); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("Module %s deleted\n", args[0])
			}
			return nil
		},
	}
	return cmd
}

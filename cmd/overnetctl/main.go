// Overnetctl - overlay network controller CLI
//
// Loads a fleet topology from a YAML file, realises it on this host by
// programming the kernel's TC classifier pipeline and rtnetlink, and shows
// the resulting model.
//
// Examples:
//
//	overnetctl validate -f topology.yaml
//	overnetctl commit -f topology.yaml
//	overnetctl dump -f topology.yaml
//	overnetctl mtu -f topology.yaml net1 v1
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/overnet-network/overnet/pkg/config"
	"github.com/overnet-network/overnet/pkg/model"
	"github.com/overnet-network/overnet/pkg/util"
)

// App holds CLI state shared across all commands.
type App struct {
	topologyPath string
	verbose      bool
}

var app = &App{}

var rootCmd = &cobra.Command{
	Use:   "overnetctl",
	Short: "Software-defined overlay network controller",
	Long: `Overnetctl programs this host's kernel forwarding plane from a
fleet-wide topology description: virtual networks, the physical hosts
carrying them and the virtual machines connected to them.

Every host of the fleet loads the same topology and differs only in which
phys it claims local.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if app.verbose {
			return util.SetLogLevel("debug")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&app.topologyPath, "file", "f", "topology.yaml",
		"topology file to load")
	rootCmd.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false,
		"enable debug logging")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(mtuCmd)
}

// loadContext builds a model context from the configured topology file.
func loadContext() (*model.Context, error) {
	f, err := config.Load(app.topologyPath)
	if err != nil {
		return nil, err
	}
	ctx, err := f.Build()
	if err != nil {
		return nil, fmt.Errorf("building model: %w", err)
	}
	return ctx, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

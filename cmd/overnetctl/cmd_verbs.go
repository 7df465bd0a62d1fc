package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/overnet-network/overnet/pkg/model"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the topology for problems without touching the kernel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := loadContext()
		if err != nil {
			return err
		}
		if err := ctx.Validate(model.StderrProblemHandler); err != nil {
			return err
		}
		fmt.Println("Topology is valid.")
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Realise the topology on this host",
	Long: `Commit validates the topology and programs the kernel with the
state belonging to the local phys. On partial failure the commit can be
re-run; on an inconsistent failure the kernel state must be cleaned up out
of band.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := loadContext()
		if err != nil {
			return err
		}
		if err := ctx.Commit(model.StderrProblemHandler); err != nil {
			return err
		}
		fmt.Println("Topology committed.")
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the loaded model as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := loadContext()
		if err != nil {
			return err
		}
		data, err := model.Dump(ctx).Marshal()
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		fmt.Println()
		return nil
	},
}

var mtuCmd = &cobra.Command{
	Use:   "mtu <network> <virt>",
	Short: "Print the recommended MTU for a virt",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := loadContext()
		if err != nil {
			return err
		}
		net := ctx.NetworkByName(args[0])
		if net == nil {
			return fmt.Errorf("network '%s' not found", args[0])
		}
		virt := net.VirtByName(args[1])
		if virt == nil {
			return fmt.Errorf("virt '%s' not found in network '%s'", args[1], args[0])
		}
		mtu, err := virt.GetRecommendedMTU()
		if err != nil {
			return err
		}
		fmt.Println(mtu)
		return nil
	},
}

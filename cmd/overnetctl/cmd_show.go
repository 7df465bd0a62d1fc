package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/overnet-network/overnet/pkg/cli"
	"github.com/overnet-network/overnet/pkg/model"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Summarise the loaded topology",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := loadContext()
		if err != nil {
			return err
		}
		dump := model.Dump(ctx)

		fmt.Printf("Context: %s\n\n", dump.Name)

		physes := cli.NewTable("PHYS", "IFACE", "IP", "LOCAL", "NETWORKS")
		for _, p := range dump.Physes {
			local := ""
			if p.IsLocal {
				local = "yes"
				if cli.Colorize() {
					local = cli.Green("yes")
				}
			}
			physes.AddRow(p.PhysName, p.Iface, p.AttrIP, local, joinNames(p.Networks))
		}
		physes.Flush(os.Stdout)
		fmt.Println()

		networks := cli.NewTable("NETWORK", "TYPE", "VNET", "SETTINGS", "VIRTS")
		for _, n := range dump.Networks {
			kind := ""
			for _, s := range dump.Settings {
				if s.SettingsName == n.Settings {
					kind = s.SettingsType
				}
			}
			networks.AddRow(n.NetName, kind, strconv.FormatUint(uint64(n.VnetID), 10),
				n.Settings, strconv.Itoa(len(n.Virts)))
		}
		networks.Flush(os.Stdout)
		return nil
	},
}

func joinNames(names []string) string {
	out := ""
	for i, name := range names {
		if i > 0 {
			out += ","
		}
		out += name
	}
	return out
}

func init() {
	rootCmd.AddCommand(showCmd)
}

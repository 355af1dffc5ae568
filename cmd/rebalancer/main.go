// Package main is the entry point of the rebalancer CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	outputJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rebalancer",
	Short: "Resource-aware guest rebalancer for virtualization clusters",
	Long: `rebalancer plans and carries out guest migrations that even out CPU,
memory or disk load across cluster nodes.

It honours affinity, anti-affinity and pinning rules, drains nodes in
maintenance, and can run once or as a scheduled daemon.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rebalancer %s\n", version)
		fmt.Printf("Commit:     %s\n", commit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "Output in JSON format")

	runCmd.Flags().Bool("dry-run", false, "Plan migrations without executing them")
	explainCmd.Flags().StringP("inventory", "i", "", "Inventory file (overrides inventory.path)")
	runCmd.Flags().StringP("inventory", "i", "", "Inventory file (overrides inventory.path)")
	daemonCmd.Flags().Bool("dry-run", false, "Plan migrations without executing them")
	hostCmd.Flags().String("disk-path", "/", "Mount point measured for disk capacity")

	inventoryCmd.AddCommand(hostCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(inventoryCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(versionCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/coldeye/internal/cli/commands"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coldeye",
	Short: "ColdEye CLI - cold storage monitoring",
	Long: `ColdEye CLI talks to the ColdEye API to inspect units, manage alerts
and import notification configuration. Set COLDEYE_API_URL and COLDEYE_TOKEN.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(commands.NewUnitCommand())
	rootCmd.AddCommand(commands.NewAlertCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(commands.NewNoticeCommand())
	rootCmd.AddCommand(commands.NewIngestKeyCommand())
	rootCmd.AddCommand(commands.NewTokenCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

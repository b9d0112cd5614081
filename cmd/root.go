/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	exitStatus int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "eventbot",
	Short: "Event-driven bot client",
	Long:  "Connects to a bot event source, dispatches friend, group and system events to handlers and Lua plugins, and runs scheduled jobs.",
}

// Execute runs the command tree and returns the process exit status.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return exitStatus
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $EVENTBOT_CONFIG, ./config.json or ./config.yaml)")
}

// Package cmd provides the CLI commands for the termkeys application.
package cmd

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "termkeys",
	Short: "Terminal key management server and utilities",
	Long:  `Terminal key management server handling cryptographic key rotation, PIN block processing and message authentication for ATM terminals.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

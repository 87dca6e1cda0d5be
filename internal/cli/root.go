// Package cli provides the command-line interface for kworkbot.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"kworkbot/internal/config"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "kworkbot",
	Short: "Announce new Kwork projects to a Telegram chat",
	Long: "kworkbot polls the Kwork project feed for the configured categories and posts " +
		"every new project to one Telegram chat, oldest first, remembering the last one it announced.",
	SilenceUsage:  true,
	SilenceErrors: true,
	// Without a subcommand the bot runs.
	RunE: runAction,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kworkbot %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetOutput redirects command output (tests).
func SetOutput(out, errOut io.Writer) {
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
}

func loadConfig() (*config.Config, error) {
	return config.NewConfigManager(cfgPath).Load()
}

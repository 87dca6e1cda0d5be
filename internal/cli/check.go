package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"kworkbot/internal/app"
	"kworkbot/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and print the effective settings",
	RunE:  checkAction,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func checkAction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := config.ParseDurations(cfg)
	if err != nil {
		return err
	}

	cats := make([]string, 0, len(cfg.Tracker.Categories))
	for _, c := range cfg.Tracker.Categories {
		cats = append(cats, strconv.Itoa(c))
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "config:        %s (ok)\n", cfgPath)
	fmt.Fprintf(w, "destination:   %s\n", app.WatermarkKey(cfg))
	fmt.Fprintf(w, "categories:    %s\n", strings.Join(cats, ","))
	fmt.Fprintf(w, "poll interval: %s (max %s)\n", d.PollInterval, d.MaxPollInterval)
	fmt.Fprintf(w, "on first run:  %s\n", firstRunPolicy(cfg.Tracker.AnnounceOnInit))
	fmt.Fprintf(w, "storage:       %s\n", storageLabel(cfg))
	return nil
}

func firstRunPolicy(announce bool) string {
	if announce {
		return "announce newest project"
	}
	return "adopt newest project silently"
}

func storageLabel(cfg *config.Config) string {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres", "postgresql", "pg":
		// DSN may contain a password.
		return cfg.Storage.Driver
	default:
		return cfg.Storage.Driver + " " + cfg.Storage.Path
	}
}

package main

import (
	"errors"
	"fmt"
	"os"

	"kworkbot/internal/cli"
	"kworkbot/internal/config"
)

func main() {
	if err := cli.Execute(); err != nil {
		var ce *config.ConfigError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, "config error:", ce)
		} else {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		os.Exit(1)
	}
}

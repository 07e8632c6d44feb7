package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/switchboard/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Session protocol engine multiplexing coding-agent backends",
	Long: `switchboard runs interchangeable coding-agent backends behind one
canonical session/event protocol: sessions survive client disconnects and
daemon restarts, events are gaplessly ordered, and human-in-the-loop
requests are correlated with their resolutions.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath,
		"config", filepath.Join(os.Getenv("HOME"), ".switchboard", "config.json"), "config file path")
}

// loadConfig loads the config or exits; commands past flag parsing cannot
// run without one.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

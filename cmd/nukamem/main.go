// Command nukamem runs the tiered memory and hybrid retrieval service.
//
//	nukamem serve --config configs/nukamem.yaml
//	nukamem migrate
//	nukamem warmup handbook
//	nukamem chat --session demo
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/config"
)

// Set by ldflags.
var version = "dev"

func main() {
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nukamem",
		Short:         "Tiered context memory and hybrid retrieval service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "",
		"Path to a JSON or YAML config file (default $CONFIG_PATH or configs/nukamem.yaml)")

	root.AddCommand(buildServeCmd(), buildMigrateCmd(), buildWarmupCmd(), buildChatCmd())
	return root
}

// loadConfig resolves the config path from the flag, then CONFIG_PATH.
// A missing default file yields the built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = "configs/nukamem.yaml"
	}
	if _, err := os.Stat(path); err != nil && !explicit {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

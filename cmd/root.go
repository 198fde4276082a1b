// Package cmd implements the netwatchz command line.
package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gtriggiano/netwatchz/pkg/config"
	"github.com/gtriggiano/netwatchz/pkg/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "netwatchz",
	Short: "IP intelligence screening for Envoy external authorization",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "Path to the configuration file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the file named by --config.
func loadConfig() (*config.Config, error) {
	path, err := filepath.Abs(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return config.Load(path)
}

// loadConfigAndLogger loads the configuration and builds the logger it describes.
// level overrides the configured level when not empty.
func loadConfigAndLogger(level string) (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logCfg := cfg.Logging
	if level != "" {
		logCfg.Level = level
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

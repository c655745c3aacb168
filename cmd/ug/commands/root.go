// Package commands implements the ug CLI: mounting a volume and
// driving its background vacuum, in the same cobra-subcommand shape
// as the teacher's cmd/linear-fuse/commands, reworked onto
// internal/config instead of viper since a single gateway process has
// no per-flag binding surface worth a binding library.
package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/syndicate-project/ug/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ug",
	Short: "Mount a Syndicate volume and run its gateway",
	Long: `ug mounts one Syndicate volume at a local mountpoint and drives the
background replication, vacuum, and consistency work its gateway
identity owes the rest of the fabric while the mount is up.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/ug/config.yaml)")
	color.NoColor = !isatty.IsTerminal(os.Stdout.Fd())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Load()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", cfgFile, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", cfgFile, err)
	}
	return cfg, nil
}

// statusf prints a one-line, color-highlighted progress message —
// green on an attached terminal, plain text when piped.
func statusf(format string, args ...any) {
	fmt.Fprintln(os.Stdout, color.GreenString(fmt.Sprintf(format, args...)))
}

func warnf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.YellowString(fmt.Sprintf(format, args...)))
}

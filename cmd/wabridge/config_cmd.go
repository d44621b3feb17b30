package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newConfigCommand(serverFlags *pflag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage wabridge configuration files",
	}
	cmd.AddCommand(newConfigGenCommand(serverFlags))
	return cmd
}

func newConfigGenCommand(serverFlags *pflag.FlagSet) *cobra.Command {
	var (
		outPath string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Print or write a configuration file with every default",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := defaultSettings(serverFlags)
			if outPath == "" {
				return writeSettings(cmd.OutOrStdout(), settings)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			if err := writeSettings(f, settings); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write to this path instead of stdout")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	return cmd
}

// defaultSettings collects flag defaults keyed by flag name, which is also the
// key viper reads from the config file.
func defaultSettings(flags *pflag.FlagSet) map[string]any {
	settings := make(map[string]any)
	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "check-config" {
			return
		}
		switch flag.Value.Type() {
		case "bool":
			settings[flag.Name] = flag.DefValue == "true"
		default:
			settings[flag.Name] = flag.DefValue
		}
	})
	return settings
}

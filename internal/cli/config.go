package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/config"
	"github.com/KafClaw/synapse/internal/engine"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Process and system configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default process config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}
		if err := config.Save(config.DefaultConfig()); err != nil {
			return err
		}
		return emit(cmd, map[string]string{"path": path}, func(w io.Writer) {
			fmt.Fprintf(w, "Wrote %s\n", path)
		})
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Read a system configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			entry, err := e.Config().Store().Get(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd, entry, func(w io.Writer) {
				fmt.Fprintf(w, "%s = %v (%s)\n", entry.Key, entry.Value, entry.Type)
			})
		})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Write a system configuration value; VALUE is JSON or a plain string",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			entry, err := e.Config().Set(ctx, args[0], parseValue(args[1]))
			if err != nil {
				return err
			}
			return emit(cmd, entry, func(w io.Writer) {
				fmt.Fprintf(w, "%s = %v\n", entry.Key, entry.Value)
			})
		})
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List system configuration values",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			entries, err := e.Config().Store().All(ctx)
			if err != nil {
				return err
			}
			return emit(cmd, entries, func(w io.Writer) {
				for _, en := range entries {
					fmt.Fprintf(w, "%-30s  %-8s  %v\n", en.Key, en.Type, en.Value)
				}
			})
		})
	},
}

var configImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Apply a YAML mapping of system configuration values",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			n, err := e.Config().ImportYAML(ctx, f)
			if err != nil {
				return err
			}
			return emit(cmd, map[string]int{"imported": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Imported %d values\n", n)
			})
		})
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configGetCmd, configSetCmd, configListCmd, configImportCmd)
	rootCmd.AddCommand(configCmd)
}

package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-ha/pkg/config"
)

// configFlags are shared by every command that loads a configuration.
type configFlags struct {
	path      string
	overrides map[string]string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "YAML settings file")
	cmd.Flags().StringToStringVar(&f.overrides, "set", nil, "override a setting, e.g. --set ha.server_id=2")
}

func (f *configFlags) load() (config.Config, error) {
	return config.Load(f.path, f.overrides)
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printSettings(w io.Writer, cfg config.Config) {
	settings := cfg.Settings()
	if cfg.StoreDir != "" {
		settings[config.KeyStoreDir] = cfg.StoreDir
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %s\n", k, settings[k])
	}
	for _, k := range cfg.Legacy.Deprecated {
		fmt.Fprintf(w, "# %s is deprecated and ignored\n", k)
	}
}

// changedSettings lists the keys whose values differ between a and b.
func changedSettings(a, b config.Config) []string {
	sa, sb := a.Settings(), b.Settings()
	var changed []string
	for k, v := range sa {
		if sb[k] != v {
			changed = append(changed, k)
		}
	}
	if a.StoreDir != b.StoreDir {
		changed = append(changed, config.KeyStoreDir)
	}
	sort.Strings(changed)
	return changed
}

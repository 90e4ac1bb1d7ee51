package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/lspkeeper/internal/config"
	"github.com/dshills/lspkeeper/internal/project"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	var initPath string

	cmd := &cobra.Command{
		Use:   "config [dir]",
		Short: "Print the effective configuration",
		Long: `Print the configuration lspkeeper would use, as YAML.

With a directory, the project's .lspkeeper.toml is applied on top of the
user configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if initPath != "" {
				if err := config.WriteDefault(initPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", initPath)
				return nil
			}

			cfg, err := root.load()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				dir, _, err := project.ResolveRoot(args[0], cfg.Watch.Descriptor)
				if err != nil {
					return err
				}
				if cfg, err = config.LoadProject(dir, cfg); err != nil {
					return err
				}
			}

			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	defaultInit := ""
	if paths := config.DefaultSearchPaths(); len(paths) > 0 {
		defaultInit = filepath.Join(paths[0], "config.yaml")
	}
	cmd.Flags().StringVar(&initPath, "init", "", "write the default configuration to this path and exit")
	cmd.Flags().Lookup("init").NoOptDefVal = defaultInit

	return cmd
}

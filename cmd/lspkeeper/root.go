package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/lspkeeper/internal/config"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "lspkeeper",
		Short: "Keep a language server running for a project",
		Long: `lspkeeper supervises a stdio language server for a project directory.
It starts the server on demand, respawns it when it exits and restarts it
when the project descriptor (meson.build by default) changes.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file (default: $XDG_CONFIG_HOME/lspkeeper/config.{toml,yaml})")

	cmd.AddCommand(
		newRunCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	var loaderOpts []config.LoaderOption
	if o.configFile != "" {
		loaderOpts = append(loaderOpts, config.WithFile(o.configFile))
	}
	return config.NewLoader(loaderOpts...).Load()
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/risa-org/wspipe/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [url]",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			out, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

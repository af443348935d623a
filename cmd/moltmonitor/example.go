package main

import (
	"fmt"
	"moltmonitor/internal/config"

	"github.com/spf13/cobra"
)

func newExampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config <path>",
		Short: "Write a configuration file populated with the defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveExample(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Wrote", args[0])
			return nil
		},
	}
}

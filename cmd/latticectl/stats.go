package main

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print entity counts, branch count, and write backpressure",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		snap, err := e.GetStatistics(ctx)
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

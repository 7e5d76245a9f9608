package main

import (
	"github.com/spf13/cobra"
)

func newNodesCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes [type]",
		Short: "Print node type schemas",
		Long: `Print the schema of every registered node type as JSON, or of a single
type when one is named.`,
		Example: `  flowengine nodes
  flowengine nodes condition`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := root.registry()
			if len(args) == 1 {
				schema, err := reg.Schema(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), schema)
			}
			return printJSON(cmd.OutOrStdout(), reg.Schemas())
		},
	}
}

package main

import (
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var introspectCmd = &cobra.Command{
	Use:   "introspect",
	Short: "Report whether the model's graph uses paged attention",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadPipeline(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(p.GetModelIntrospection())
	},
}

func init() {
	rootCmd.AddCommand(introspectCmd)
}

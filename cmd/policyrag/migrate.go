package main

import (
	"github.com/spf13/cobra"
	"github.com/upb/policy-rag/app"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the policy store, audit store and vector index schemas",
	Long: `Connects to the configured store and vector index and creates any
missing tables, indexes and collections. Safe to run repeatedly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDependencies(cmd.Context(), func(deps *app.Dependencies) error {
			cmd.Printf("schemas ready (store=%s, vector index=%s)\n",
				cfg.Store.Backend, cfg.VectorIndex.Kind)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iksnae/chat-harvest/internal/provider"
	"github.com/iksnae/chat-harvest/internal/recovery"
)

var registerWorkspace string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Reconcile the editor's session index with files on disk",
	Long: `Make a workspace's chat session index match the session files actually
present: stale entries are removed and unindexed files are added, so the
editor's session picker shows recovered sessions.

The state database is backed up first, and the index write is verified
by reading it back before committing. Close the editor before running
this.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if registerWorkspace == "" {
			return fmt.Errorf("--workspace is required")
		}

		registrar := recovery.NewRegistrar(provider.NewVSCodeAdapter(cfg.VSCodeDir), logger)
		result, err := registrar.Register(cmd.Context(), registerWorkspace)
		if err != nil {
			return err
		}

		fmt.Printf("Index updated: %d added, %d removed\n", result.Added, result.Removed)
		if result.Backup != "" {
			fmt.Printf("Backup written to %s\n", result.Backup)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringVar(&registerWorkspace, "workspace", "", "Workspace hash to reconcile")
}

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iksnae/chat-harvest/internal"
)

var (
	syncProvider string
	syncPath     string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the store with provider storage in both directions",
	Long: `Compare the canonical and provider-native copies of each session in a
project's active workspace against the last synced baseline, pulling
provider-side changes and pushing store-side changes. A session changed
on both sides is reported as a conflict and left untouched on both.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		registry, err := buildRegistry()
		if err != nil {
			return err
		}
		adapter, err := registry.Get(syncProvider)
		if err != nil {
			return err
		}
		engine := buildEngine(registry, st)

		ctx := cmd.Context()
		projectPath, err := filepath.Abs(syncPath)
		if err != nil {
			return err
		}
		workspaces, err := adapter.ListWorkspaces(ctx)
		if err != nil {
			return err
		}
		resolution, err := internal.NewResolver().Resolve(projectPath, workspaces)
		if err != nil {
			return err
		}
		if resolution.Active == nil {
			return fmt.Errorf("no active workspace for %s", projectPath)
		}

		res, err := engine.Bidirectional(ctx, adapter, *resolution.Active)
		if err != nil {
			return err
		}

		fmt.Printf("Pulled %d, pushed %d, up to date %d\n", res.Pulled, res.Pushed, res.UpToDate)
		for _, conflict := range res.Conflicts {
			internal.PrintError(fmt.Sprintf("conflict: session %s changed on both sides, not touched", conflict.SessionID))
		}
		if len(res.Conflicts) > 0 {
			return fmt.Errorf("%d sessions in conflict", len(res.Conflicts))
		}
		internal.PrintSuccess("Store and provider are reconciled")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringVar(&syncProvider, "provider", "vscode", "Provider to sync against")
	syncCmd.Flags().StringVar(&syncPath, "path", ".", "Project path to sync")
}

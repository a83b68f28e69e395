package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	mergeProvider string
	mergePath     string
	mergeTitle    string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge a project's full session history into one session",
	Long: `Collect every session of a project, across the active workspace and all
orphaned ones, and collapse them into a single chronologically ordered
session with duplicates removed. The merged session is stored alongside
the originals. Running merge twice produces the same result.`,
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
		detector := buildDetector(registry, st)

		projectPath, err := filepath.Abs(mergePath)
		if err != nil {
			return err
		}
		merged, err := detector.MergeHistory(cmd.Context(), mergeProvider, projectPath, mergeTitle)
		if err != nil {
			return err
		}

		fmt.Printf("Merged history into session %s (%d messages)\n", merged.ID, len(merged.Messages))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVar(&mergeProvider, "provider", "vscode", "Provider to merge")
	mergeCmd.Flags().StringVar(&mergePath, "path", ".", "Project path to merge")
	mergeCmd.Flags().StringVar(&mergeTitle, "title", "", "Title for the merged session")
}

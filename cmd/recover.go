package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	recoverProvider string
	recoverPath     string
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Repatriate sessions from orphaned workspaces",
	Long: `Copy sessions from every orphaned workspace of a project into the
active workspace's canonical representation. Provider files are read,
never modified. Sessions present in both are merged, keeping every
distinct message.`,
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

		projectPath, err := filepath.Abs(recoverPath)
		if err != nil {
			return err
		}
		result, err := detector.Recover(cmd.Context(), recoverProvider, projectPath)
		if err != nil {
			return err
		}

		fmt.Printf("Recovered %d sessions (%d merged from multiple workspaces)\n",
			result.Recovered, result.Merged)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().StringVar(&recoverProvider, "provider", "vscode", "Provider to recover from")
	recoverCmd.Flags().StringVar(&recoverPath, "path", ".", "Project path to recover")
}

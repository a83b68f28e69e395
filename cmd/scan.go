package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	scanProvider string
	scanPath     string
)

var (
	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	orphanStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208"))
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Classify workspaces for a project path",
	Long: `Resolve a project path against provider workspace storage and report
which workspace hash is active and which are orphaned leftovers from
renames or case changes. Orphans are ordered by recency, then session
count.`,
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

		projectPath, err := filepath.Abs(scanPath)
		if err != nil {
			return err
		}
		result, err := detector.Scan(cmd.Context(), scanProvider, projectPath)
		if err != nil {
			return err
		}

		fmt.Println(headerStyle.Render("Workspaces for " + projectPath))
		if result.Active != nil {
			fmt.Printf("  %s %s (%d sessions, last seen %s)\n",
				activeStyle.Render("active  "),
				result.Active.Hash,
				result.Active.SessionCount,
				result.Active.LastSeen.Format("2006-01-02"))
		} else {
			fmt.Println("  no active workspace")
		}
		for _, orphan := range result.Orphans {
			fmt.Printf("  %s %s (%d sessions, last seen %s)\n",
				orphanStyle.Render("orphaned"),
				orphan.Hash,
				orphan.SessionCount,
				orphan.LastSeen.Format("2006-01-02"))
		}
		if len(result.Orphans) > 0 {
			fmt.Printf("\nRun 'chat-harvest recover --provider %s --path %s' to repatriate orphaned sessions.\n",
				scanProvider, scanPath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVar(&scanProvider, "provider", "vscode", "Provider to scan")
	scanCmd.Flags().StringVar(&scanPath, "path", ".", "Project path to resolve")
}

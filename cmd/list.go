package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	listProvider  string
	listWorkspace string
)

var (
	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	workspaceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Italic(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208"))
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Long:  `List sessions in the canonical store, most recently updated first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		sessions, err := st.ListSessions(cmd.Context(), listProvider, listWorkspace)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found. Run 'chat-harvest harvest' first.")
			return nil
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("Sessions (%d)", len(sessions))))
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tPROVIDER\tWORKSPACE\tMESSAGES\tUPDATED")
		for _, s := range sessions {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			if len(title) > 48 {
				title = title[:45] + "..."
			}
			updated := s.UpdatedAt.Format("2006-01-02 15:04")
			partial := ""
			if s.Partial {
				partial = " " + warnStyle.Render("[partial]")
			}
			fmt.Fprintf(w, "%s\t%s%s\t%s\t%s\t%s\t%s\n",
				idStyle.Render(shortID(s.ID)),
				titleStyle.Render(title), partial,
				s.Provider,
				workspaceStyle.Render(shortID(s.Workspace)),
				countStyle.Render(fmt.Sprintf("%d", s.MessageCount)),
				dateStyle.Render(updated))
		}
		return w.Flush()
	},
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listProvider, "provider", "", "Only sessions from this provider")
	listCmd.Flags().StringVar(&listWorkspace, "workspace", "", "Only sessions from this workspace hash")
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iksnae/chat-harvest/internal/provider"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <session-file>",
	Short: "Inspect a provider session file",
	Long: `Report the detected encoding, schema version and detection confidence
of a raw provider session file, then attempt a full parse and summarize
what was recovered. Useful when a file fails to harvest.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		info := provider.DetectFormat(content)
		fmt.Printf("Format:     %s\n", info.Format)
		fmt.Printf("Schema:     v%d\n", info.SchemaVersion)
		fmt.Printf("Confidence: %.0f%% (%s)\n", info.Confidence*100, info.Method)

		session, parseErr := provider.ParseSessionFile(content)
		if session == nil {
			return fmt.Errorf("unparseable: %w", parseErr)
		}
		fmt.Printf("Session:    %s\n", session.ID)
		if session.Title != "" {
			fmt.Printf("Title:      %s\n", session.Title)
		}
		fmt.Printf("Messages:   %d\n", len(session.Messages))
		if session.Partial {
			fmt.Println(warnStyle.Render("File is truncated; content was partially recovered."))
			if parseErr != nil {
				fmt.Printf("Detail:     %v\n", parseErr)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

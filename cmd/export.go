package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iksnae/chat-harvest/internal/export"
)

var (
	exportFormat string
	exportOutput string
	exportAll    bool
)

var exportCmd = &cobra.Command{
	Use:   "export [session-id...]",
	Short: "Export stored sessions",
	Long: `Export sessions from the store in the universal session schema.
Formats: json, jsonl, yaml, md. With --output, each session is written
to its own file; otherwise a single session goes to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !exportAll && len(args) == 0 {
			return fmt.Errorf("pass session ids or --all")
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		exporter, err := export.NewExporter(exportFormat)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		ids := args
		if exportAll {
			summaries, err := st.ListSessions(ctx, "", "")
			if err != nil {
				return err
			}
			ids = ids[:0]
			for _, s := range summaries {
				ids = append(ids, s.ID)
			}
		}

		if exportOutput == "" && len(ids) > 1 {
			return fmt.Errorf("exporting multiple sessions needs --output")
		}
		if exportOutput != "" {
			if err := os.MkdirAll(exportOutput, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}

		exported := 0
		for _, id := range ids {
			session, err := st.GetSession(ctx, id)
			if err != nil {
				return err
			}
			if session == nil {
				return fmt.Errorf("no such session: %s", id)
			}

			if exportOutput == "" {
				if err := exporter.Export(session, os.Stdout); err != nil {
					return err
				}
				return nil
			}

			path := filepath.Join(exportOutput, fmt.Sprintf("%s.%s", session.ID, exporter.Extension()))
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", path, err)
			}
			if err := exporter.Export(session, f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			exported++
		}

		fmt.Printf("Exported %d sessions to %s\n", exported, exportOutput)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Export format (json, jsonl, yaml, md)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output directory")
	exportCmd.Flags().BoolVar(&exportAll, "all", false, "Export every stored session")
}

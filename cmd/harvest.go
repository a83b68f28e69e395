package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/syncer"
)

var (
	harvestProvider string
	harvestSerial   bool
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Pull all provider sessions into the store",
	Long: `Scan every available provider and pull its sessions into the canonical
store. Providers are scanned in parallel unless --serial is given.
Interrupting mid-run keeps everything already committed.`,
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
		engine := buildEngine(registry, st)

		ctx := cmd.Context()
		res := &syncer.Result{}
		switch {
		case harvestProvider != "":
			adapter, err := registry.Get(harvestProvider)
			if err != nil {
				return err
			}
			workspaces, err := adapter.ListWorkspaces(ctx)
			if err != nil {
				return err
			}
			for _, ws := range workspaces {
				r, err := engine.PullWorkspace(ctx, adapter, ws)
				if r != nil {
					res.Pulled += r.Pulled
					res.Skipped += r.Skipped
					res.Partial += r.Partial
					res.UpToDate += r.UpToDate
				}
				if err != nil {
					return err
				}
			}
		case harvestSerial:
			if res, err = engine.PullAll(ctx); err != nil {
				return err
			}
		default:
			err = internal.ShowProgress(ctx, "Harvesting providers", func() error {
				r, herr := engine.HarvestAll(ctx)
				if r != nil {
					*res = *r
				}
				return herr
			})
			if err != nil {
				return err
			}
		}

		internal.PrintSuccess(fmt.Sprintf("Harvested %d sessions (%d up to date, %d partial, %d skipped)",
			res.Pulled, res.UpToDate, res.Partial, res.Skipped))
		if res.Partial > 0 {
			internal.PrintWarning(fmt.Sprintf("%d sessions were recovered from truncated files", res.Partial))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(harvestCmd)
	harvestCmd.Flags().StringVar(&harvestProvider, "provider", "", "Only harvest this provider")
	harvestCmd.Flags().BoolVar(&harvestSerial, "serial", false, "Scan providers one at a time")
}

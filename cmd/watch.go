package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iksnae/chat-harvest/internal/syncer"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously harvest as provider files change",
	Long: `Watch provider workspace storage and pull changed workspaces into the
store as the editor writes them. Rapid bursts of writes are batched.
Stop with Ctrl-C.`,
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

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		logger.Info().Msg("watching provider storage")
		err = engine.Watch(ctx, syncer.WatchOptions{Debounce: cfg.WatchDebounce()})
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iksnae/chat-harvest/internal/api"
	"github.com/iksnae/chat-harvest/internal/recording"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recording API server",
	Long: `Start the HTTP API that accepts live recording events from editor
instrumentation and streams them to consumers. Requires
CHATHARVEST_API_SECRET (or api_secret in the config file); there is no
insecure default.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		service := recording.NewService(st, recording.Config{
			IdleTimeout:    cfg.IdleTimeout(),
			FlushInterval:  cfg.FlushInterval(),
			FlushThreshold: cfg.FlushThreshold,
		}, logger)
		defer func() { _ = service.Close() }()

		server, err := api.NewServer(api.Config{
			Port:   cfg.APIPort,
			Secret: cfg.APISecret,
		}, service, st, logger)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() { errCh <- server.Listen() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			if err := server.Shutdown(); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

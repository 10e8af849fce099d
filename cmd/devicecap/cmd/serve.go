package cmd

import (
	"os/signal"
	"syscall"

	"devicecap/cmd/internal/app"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway, push endpoint, and idle sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		for flag, key := range map[string]string{
			"addr":       "DEVICECAP_HTTP_ADDR",
			"bolt-path":  "DEVICECAP_BOLT_PATH",
			"log-level":  "DEVICECAP_LOG_LEVEL",
			"log-format": "DEVICECAP_LOG_FORMAT",
		} {
			if err := setEnvFromFlag(cmd, flag, key); err != nil {
				return err
			}
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return app.Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "0.0.0.0:8080", "Listen address (DEVICECAP_HTTP_ADDR)")
	serveCmd.Flags().String("bolt-path", "", "bbolt file for the embedded store (DEVICECAP_BOLT_PATH)")
	serveCmd.Flags().String("log-level", "info", "debug, info, warn, or error (DEVICECAP_LOG_LEVEL)")
	serveCmd.Flags().String("log-format", "json", "json, text, or pretty (DEVICECAP_LOG_FORMAT)")
}

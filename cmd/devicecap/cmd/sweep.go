package cmd

import (
	"fmt"
	"time"

	"devicecap/cmd/internal/app"

	"github.com/spf13/cobra"
)

var sweepIdleTTL time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evict sessions whose last heartbeat is older than the idle TTL, once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := setEnvFromFlag(cmd, "bolt-path", "DEVICECAP_BOLT_PATH"); err != nil {
			return err
		}
		n, err := app.SweepOnce(cmd.Context(), sweepIdleTTL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "evicted %d idle session(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().DurationVar(&sweepIdleTTL, "idle-ttl", 0, "Override DEVICECAP_SESSION_IDLE_TTL for this pass")
	sweepCmd.Flags().String("bolt-path", "", "bbolt file for the embedded store (DEVICECAP_BOLT_PATH)")
}

package cmd

import (
	"fmt"
	"os"
	"strings"

	"devicecap/cmd/internal/db/migrate"

	"github.com/spf13/cobra"
)

var migrateDSN string

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down|version",
	Short:     "Apply or inspect the Postgres schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn := strings.TrimSpace(migrateDSN)
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("DEVICECAP_DATABASE_URL"))
		}

		out := cmd.OutOrStdout()
		if args[0] == "version" {
			v, dirty, err := migrate.Version(dsn)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "version=%d dirty=%t\n", v, dirty)
			return nil
		}

		if err := migrate.Run(dsn, args[0]); err != nil {
			return fmt.Errorf("migrate %s: %w", args[0], err)
		}
		fmt.Fprintf(out, "migrate %s: ok\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&migrateDSN, "database-url", "", "Postgres DSN (defaults to DEVICECAP_DATABASE_URL)")
}

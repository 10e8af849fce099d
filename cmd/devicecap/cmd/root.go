// Package cmd holds the devicecap command line.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "devicecap",
	Short: "devicecap caps how many devices a user may be signed in on",
	Long: `devicecap admits device sessions up to a per-user limit, lets users evict
devices to free a slot, and tells evicted devices they were signed out.

Configuration is read from DEVICECAP_* environment variables; flags override them.
A .env file, when present, fills in variables the environment does not set.`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return loadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file; missing files are ignored")
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error, since
// containers usually inject the environment directly.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setEnvFromFlag copies a changed flag into the environment variable the
// runtime config reads, so flags and env share one loader.
func setEnvFromFlag(cmd *cobra.Command, flag, key string) error {
	f := cmd.Flags().Lookup(flag)
	if f == nil || !f.Changed {
		return nil
	}
	return os.Setenv(key, f.Value.String())
}

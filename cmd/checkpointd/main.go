package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "checkpointd",
	Short: "Checkpoint store and operator surface for long-running operations",
	Long: `checkpointd owns the checkpoint metadata database and artifact directory
used by training and backtesting workers.

It serves health, metrics and read-only inspection endpoints, applies the
metadata schema, and lets operators inspect, delete and sweep checkpoints.`,
	Version:       fmt.Sprintf("%s (commit=%s, date=%s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", getEnv("CKPT_CONFIG", ""), "service config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.SetVersionTemplate(`checkpointd {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(serveCmd, migrateCmd, inspectCmd, deleteCmd, sweepCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "checkpointd %s (commit=%s, date=%s)\n", version, commit, date)
	},
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

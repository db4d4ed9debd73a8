// Command stratactl is a small external collaborator over the strata
// public API: open a database file, dump its tables, force a
// compaction pass, or verify its header. It exists to exercise
// Database/Transaction/Table/Object the way an application binary
// would, not as a core engine feature (SPEC_FULL.md §1's CLI note).
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stratadb/strata/internal/ilog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stratactl",
	Short: "Inspect and maintain strata database files",
	Long: `stratactl is a small operator tool for strata database files:
dump a table's contents, force a compaction pass, or verify a file's
header without opening it for normal use.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(verifyCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	ilog.Init(ilog.Config{Level: lvl, JSONOutput: logJSON})
}

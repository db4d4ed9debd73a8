package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratadb/strata"
)

var compactCmd = &cobra.Command{
	Use:   "compact PATH",
	Short: "Force a free-space ledger compaction pass",
	Long: `Compact opens PATH for writing and forces one empty commit,
which folds every reclaimable free-space range into the persistent
ledger (see Database.Compact). Useful after a burst of deletes whose
reclaim was gated on readers that have since closed.`,
	Args: cobra.ExactArgs(1),
	RunE: runCompact,
}

func runCompact(cmd *cobra.Command, args []string) error {
	path := args[0]

	db, err := strata.Open(path, strata.Options{})
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	if err := db.Compact(); err != nil {
		return fmt.Errorf("compact %s: %w", path, err)
	}

	fmt.Printf("✓ Compacted %s\n", path)
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratadb/strata"
)

var dumpCmd = &cobra.Command{
	Use:   "dump PATH [TABLE]",
	Short: "Print a database's tables, or one table's rows",
	Long: `Dump opens PATH read-only and prints every table's name and row
count. Given a second argument, it instead prints every row of that
table, one line per object, in ascending key order.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().Int("limit", 0, "Stop after printing this many rows (0 = no limit)")
}

func runDump(cmd *cobra.Command, args []string) error {
	path := args[0]
	limit, _ := cmd.Flags().GetInt("limit")

	db, err := strata.Open(path, strata.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	rt, err := db.BeginRead()
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer rt.Close()

	if len(args) == 1 {
		return dumpTables(rt)
	}
	return dumpTable(rt, args[1], limit)
}

func dumpTables(rt *strata.ReadTransaction) error {
	names := rt.Tables()
	if len(names) == 0 {
		fmt.Println("No tables found")
		return nil
	}

	fmt.Printf("%-30s %s\n", "TABLE", "ROWS")
	for _, name := range names {
		t, err := rt.Table(name)
		if err != nil {
			return fmt.Errorf("table %s: %w", name, err)
		}
		size, err := t.Size()
		if err != nil {
			return fmt.Errorf("table %s: %w", name, err)
		}
		fmt.Printf("%-30s %d\n", name, size)
	}
	return nil
}

func dumpTable(rt *strata.ReadTransaction, name string, limit int) error {
	t, err := rt.Table(name)
	if err != nil {
		return fmt.Errorf("table %s: %w", name, err)
	}

	cols := t.Columns()
	colNames := make([]string, len(cols))
	for i, c := range cols {
		colNames[i] = t.ColumnName(c)
	}

	printed := 0
	err = t.ForEach(func(obj *strata.Object) (bool, error) {
		fmt.Printf("#%d", obj.Key())
		for i, c := range cols {
			if c.Collection() != strata.CollectionScalar && c.Type() != strata.TypeLink {
				coll, err := obj.Collection(c)
				if err != nil {
					return false, err
				}
				n, err := coll.Size()
				if err != nil {
					return false, err
				}
				fmt.Printf(" %s=<%d elements>", colNames[i], n)
				continue
			}
			v, err := obj.Get(c)
			if err != nil {
				return false, err
			}
			fmt.Printf(" %s=%s", colNames[i], formatValue(v))
		}
		fmt.Println()

		printed++
		if limit > 0 && printed >= limit {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("table %s: %w", name, err)
	}
	return nil
}

func formatValue(v strata.Value) string {
	if v.Null {
		return "null"
	}
	switch v.Type {
	case strata.TypeInt:
		return fmt.Sprintf("%d", v.Int)
	case strata.TypeBool:
		return fmt.Sprintf("%t", v.Bool)
	case strata.TypeFloat:
		return fmt.Sprintf("%g", v.Float)
	case strata.TypeString:
		return v.Str
	case strata.TypeBinary:
		return fmt.Sprintf("<%d bytes>", len(v.Bin))
	case strata.TypeLink:
		return fmt.Sprintf("->#%d", v.Link)
	case strata.TypeUUID:
		return v.UUID.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

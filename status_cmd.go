package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/regix1/lancache-manager-sub005/internal/opstate"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List live operation records",
		Long: `List every live record in the server-side operation-state store,
plus any state still sitting in the legacy local database.`,
		RunE: runStatusCmd,
	}
}

func runStatusCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()

	recs := a.proxy.ListAll(ctx, "")
	if len(recs) == 0 {
		fmt.Println("no live operations")
	} else {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tTYPE\tOPERATION\tAGE\tEXPIRES IN")

		now := time.Now()

		for i := range recs {
			rec := &recs[i]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				rec.Key,
				rec.Type,
				opstate.OperationID(rec),
				now.Sub(rec.CreatedAt).Round(time.Second),
				rec.ExpiresAt.Sub(now).Round(time.Second),
			)
		}

		tw.Flush()
	}

	if store := a.openLegacy(); store != nil {
		defer store.Close()

		keys, err := store.Keys(ctx)
		if err == nil && len(keys) > 0 {
			fmt.Printf("\nlegacy state pending migration: %v (run 'lancache-opstate migrate')\n", keys)
		}
	}

	return nil
}

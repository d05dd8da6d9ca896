package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Migrate legacy local state into the durable store",
		Long: `Sweep operation pointers from the legacy local database into the
server-side operation-state store. Migrated records get an extended TTL
because the jobs they point at may already be mid-flight. Safe to run
repeatedly; once the legacy store is empty this is a no-op.`,
		RunE: runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	store := a.openLegacy()
	if store == nil {
		fmt.Println("no legacy state database; nothing to migrate")
		return nil
	}
	defer store.Close()

	n := a.proxy.MigrateLegacyState(cmd.Context(), store)

	fmt.Printf("migrated %d record(s)\n", n)

	return nil
}

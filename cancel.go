package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/regix1/lancache-manager-sub005/internal/opstate"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <kind>",
		Short: "Cancel a tracked operation",
		Long: `Request cancellation of a live operation (clear-cache, process-logs,
or remove-service).

Cancellation is best effort: the request is sent once, the displayed
status flips to cancelling immediately, and if the server never confirms
a terminal status within a few seconds the operation is resolved locally
as cancelled. The server's own state may lag; a later 'resume' corrects
any disagreement.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"clear-cache", "process-logs", "remove-service"},
		RunE:      runCancel,
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := watchContext(cmd.Context())
	defer stop()

	spec, ok := a.kind(args[0])
	if !ok {
		return fmt.Errorf("unknown operation kind %q", args[0])
	}

	w := newWatcher(a, spec)

	a.events.Start(ctx)
	w.rec.Recover(ctx)

	if w.rec.Phase() != opstate.PhasePolling {
		fmt.Printf("%s: no live operation to cancel\n", spec.name)
		return nil
	}

	w.rec.RequestCancel(ctx)

	return w.wait(ctx)
}

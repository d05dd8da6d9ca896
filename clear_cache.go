package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/regix1/lancache-manager-sub005/internal/opstate"
)

func newClearCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Clear the entire lancache cache",
		Long: `Start a full cache clear on the server and track it to completion.

The operation pointer is persisted server-side, so an interrupted watch
(or a client restart) can re-attach with 'resume'.`,
		RunE: runClearCache,
	}
	cmd.Flags().BoolVar(&flagNoWait, "no-wait", false, "start the operation and exit without watching")

	return cmd
}

func runClearCache(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := watchContext(cmd.Context())
	defer stop()

	res, err := a.client.StartCacheClear(ctx)
	if err != nil {
		return err
	}

	spec, _ := a.kind("clear-cache")
	w := newWatcher(a, spec)

	if _, err := w.binding.Save(ctx, opstate.CacheClearData{OperationID: res.OperationID}); err != nil {
		// The job is running either way; without the pointer it just
		// cannot be recovered after a restart.
		a.logger.Warn("persisting operation pointer failed", "error", err)
	}

	fmt.Printf("cache clear started (operation %s)\n", res.OperationID)

	if flagNoWait {
		return nil
	}

	a.events.Start(ctx)
	w.rec.Track(ctx, res.OperationID)

	return w.wait(ctx)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/regix1/lancache-manager-sub005/internal/opstate"
)

func newRemoveServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-service <service>",
		Short: "Remove all log entries for one service",
		Long: `Ask the server to remove every log entry for the named service
(e.g. steam, epic, battlenet) and track the removal.`,
		Args: cobra.ExactArgs(1),
		RunE: runRemoveService,
	}
	cmd.Flags().BoolVar(&flagNoWait, "no-wait", false, "start the operation and exit without watching")

	return cmd
}

func runRemoveService(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := watchContext(cmd.Context())
	defer stop()

	service := args[0]

	res, err := a.client.StartServiceRemoval(ctx, service)
	if err != nil {
		return err
	}

	spec, _ := a.kind("remove-service")
	w := newWatcher(a, spec)

	data := opstate.ServiceRemovalData{OperationID: res.OperationID, Service: service}
	if _, err := w.binding.Save(ctx, data); err != nil {
		a.logger.Warn("persisting operation pointer failed", "error", err)
	}

	fmt.Printf("removal of %s entries started (operation %s)\n", service, res.OperationID)

	if flagNoWait {
		return nil
	}

	a.events.Start(ctx)
	w.rec.Track(ctx, res.OperationID)

	return w.wait(ctx)
}

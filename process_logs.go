package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/regix1/lancache-manager-sub005/internal/opstate"
)

func newProcessLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-logs",
		Short: "Reprocess the full access log",
		Long: `Ask the server to reprocess its entire access log and track the run.

The server executes at most one log processing job at a time.`,
		RunE: runProcessLogs,
	}
	cmd.Flags().BoolVar(&flagNoWait, "no-wait", false, "start the operation and exit without watching")

	return cmd
}

func runProcessLogs(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := watchContext(cmd.Context())
	defer stop()

	res, err := a.client.StartLogProcessing(ctx)
	if err != nil {
		return err
	}

	spec, _ := a.kind("process-logs")
	w := newWatcher(a, spec)

	if _, err := w.binding.Save(ctx, opstate.LogProcessingData{Kind: "full"}); err != nil {
		a.logger.Warn("persisting operation pointer failed", "error", err)
	}

	fmt.Println("log processing started")

	if flagNoWait {
		return nil
	}

	a.events.Start(ctx)
	w.rec.Track(ctx, res.OperationID)

	return w.wait(ctx)
}

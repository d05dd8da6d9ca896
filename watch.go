package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/regix1/lancache-manager-sub005/internal/api"
	"github.com/regix1/lancache-manager-sub005/internal/opstate"
)

// watcher pairs a reconciler with a completion channel so CLI commands can
// block until the tracked operation resolves.
type watcher struct {
	spec    kindSpec
	binding *opstate.Binding
	rec     *opstate.Reconciler
	done    chan api.OperationStatus
}

// newWatcher builds the binding and reconciler for one operation kind,
// wiring progress output to stdout and completion to the done channel.
func newWatcher(a *app, spec kindSpec) *watcher {
	w := &watcher{
		spec:    spec,
		binding: opstate.NewBinding(a.proxy, spec.key, spec.typ, 0, a.logger),
		done:    make(chan api.OperationStatus, 1),
	}

	w.rec = opstate.NewReconciler(opstate.ReconcilerConfig{
		Binding:      w.binding,
		Status:       spec.status,
		Cancel:       spec.cancel,
		PollInterval: spec.interval,
		OnProgress:   func(st api.OperationStatus) { printProgress(spec.name, st) },
		OnComplete:   func(st api.OperationStatus) { w.done <- st },
		Events:       a.events,
		PushEvent:    spec.pushEvent,
		Logger:       a.logger,
	})

	return w
}

// wait blocks until the operation reaches a terminal state or the context
// is canceled. On cancel (Ctrl-C) tracking stops but the persisted pointer
// is left in place so "resume" can re-attach.
func (w *watcher) wait(ctx context.Context) error {
	select {
	case st := <-w.done:
		return printFinal(w.spec.name, st)
	case <-ctx.Done():
		w.rec.Stop()

		fmt.Fprintf(os.Stderr, "%s: still running on the server; run 'lancache-opstate resume' to re-attach\n", w.spec.name)

		return nil
	}
}

// watchContext augments the command context with SIGINT/SIGTERM handling.
func watchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// printProgress renders one accepted status update.
func printProgress(name string, st api.OperationStatus) {
	line := fmt.Sprintf("%s: %-10s %5.1f%%", name, st.Status, st.PercentComplete)

	switch {
	case st.TotalBytesToDelete > 0:
		line += fmt.Sprintf("  %d/%d bytes", st.BytesDeleted, st.TotalBytesToDelete)
	case st.BytesDeleted > 0:
		line += fmt.Sprintf("  %d bytes deleted", st.BytesDeleted)
	case st.TotalFiles > 0:
		line += fmt.Sprintf("  %d/%d files", st.FilesProcessed, st.TotalFiles)
	}

	if st.Message != "" {
		line += "  " + st.Message
	}

	fmt.Println(line)
}

// printFinal renders the terminal status and maps failure onto a non-zero
// exit via the returned error.
func printFinal(name string, st api.OperationStatus) error {
	switch st.Status {
	case api.StatusCompleted:
		fmt.Printf("%s: completed", name)

		if st.BytesDeleted > 0 {
			fmt.Printf(" (%d bytes, %d files deleted)", st.BytesDeleted, st.FilesDeleted)
		}

		if st.EntriesRemoved > 0 {
			fmt.Printf(" (%d entries removed)", st.EntriesRemoved)
		}

		fmt.Println()

		return nil
	case api.StatusCancelled:
		if st.Message != "" {
			fmt.Printf("%s: cancelled (%s)\n", name, st.Message)
		} else {
			fmt.Printf("%s: cancelled\n", name)
		}

		return nil
	default:
		return fmt.Errorf("%s failed: %s", name, st.Error)
	}
}

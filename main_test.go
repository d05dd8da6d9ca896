package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regix1/lancache-manager-sub005/internal/api"
	"github.com/regix1/lancache-manager-sub005/internal/config"
	"github.com/regix1/lancache-manager-sub005/internal/opstate"
)

func TestRootCmd_RegistersAllSubcommands(t *testing.T) {
	cmd := newRootCmd()

	want := []string{
		"clear-cache", "process-logs", "remove-service",
		"cancel", "status", "resume", "migrate",
	}

	var got []string
	for _, sub := range cmd.Commands() {
		got = append(got, sub.Name())
	}

	for _, name := range want {
		assert.Contains(t, got, name)
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()

	cfg := config.DefaultConfig()
	client := api.NewClient(cfg.Server.URL, &http.Client{}, "", nil)

	return &app{
		cfg:    cfg,
		logger: buildLogger(cfg),
		client: client,
	}
}

func TestAppKinds(t *testing.T) {
	a := newTestApp(t)

	specs := a.kinds()
	require.Len(t, specs, 3)

	byName := map[string]kindSpec{}
	for _, s := range specs {
		byName[s.name] = s
	}

	cc, ok := byName["clear-cache"]
	require.True(t, ok)
	assert.Equal(t, opstate.KeyCacheClear, cc.key)
	assert.Equal(t, api.OpCacheClearing, cc.typ)
	assert.Equal(t, opstate.EventCacheClearProgress, cc.pushEvent)
	assert.Equal(t, time.Second, cc.interval)

	lp, ok := byName["process-logs"]
	require.True(t, ok)
	assert.Equal(t, opstate.KeyLogProcessing, lp.key)
	assert.Equal(t, 3*time.Second, lp.interval)

	sr, ok := byName["remove-service"]
	require.True(t, ok)
	assert.Equal(t, opstate.KeyServiceRemoval, sr.key)

	_, ok = a.kind("defrag")
	assert.False(t, ok)

	spec, ok := a.kind("clear-cache")
	require.True(t, ok)
	assert.Equal(t, "clear-cache", spec.name)
}

func TestPrintFinal_ExitMapping(t *testing.T) {
	assert.NoError(t, printFinal("clear-cache", api.OperationStatus{Status: api.StatusCompleted}))
	assert.NoError(t, printFinal("clear-cache", api.OperationStatus{Status: api.StatusCancelled, Message: "resolved locally"}))

	err := printFinal("clear-cache", api.OperationStatus{Status: api.StatusFailed, Error: "disk full"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

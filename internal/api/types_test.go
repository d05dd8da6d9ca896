package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPreparing.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusCancelling.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestOperationStatus_Supersedes(t *testing.T) {
	st := func(s Status, pct float64) *OperationStatus {
		return &OperationStatus{OperationID: "7", Status: s, PercentComplete: pct}
	}

	tests := []struct {
		name     string
		incoming *OperationStatus
		prev     *OperationStatus
		want     bool
	}{
		{"first observation", st(StatusRunning, 10), nil, true},
		{"progress advances", st(StatusRunning, 55), st(StatusRunning, 10), true},
		{"stale lower progress rejected", st(StatusRunning, 40), st(StatusRunning, 55), false},
		{"equal progress accepted", st(StatusRunning, 55), st(StatusRunning, 55), true},
		{"status advances past progress", st(StatusCancelling, 0), st(StatusRunning, 90), true},
		{"status never regresses", st(StatusRunning, 99), st(StatusCancelling, 10), false},
		{"terminal beats anything", st(StatusCompleted, 0), st(StatusRunning, 99), true},
		{"nothing beats terminal", st(StatusRunning, 100), st(StatusCompleted, 100), false},
		{"duplicate terminal rejected", st(StatusCompleted, 100), st(StatusCompleted, 100), false},
		{"preparing to running", st(StatusRunning, 0), st(StatusPreparing, 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.incoming.Supersedes(tt.prev))
		})
	}
}

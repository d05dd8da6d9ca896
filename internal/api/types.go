package api

import "time"

// OperationType tags an operation record with the kind of long-running job
// it tracks. The wire strings match what the management API stores.
type OperationType string

const (
	OpCacheClearing  OperationType = "cacheClearing"
	OpLogProcessing  OperationType = "logProcessing"
	OpServiceRemoval OperationType = "serviceRemoval"
	OpGeneral        OperationType = "general"
)

// Status is a server-reported operation status. Preparing, Running, and
// Cancelling are non-terminal; Completed, Failed, and Cancelled are terminal.
// Cancelling is also applied client-side as an optimistic overlay the moment
// the user requests a cancel, before the server confirms anything.
type Status string

const (
	StatusPreparing  Status = "preparing"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further progress will be reported for an
// operation in this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// rank orders statuses for the monotonic merge: a message may move an
// operation forward through this order but never backward.
func (s Status) rank() int {
	switch s {
	case StatusPreparing:
		return 0
	case StatusRunning:
		return 1
	case StatusCancelling:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return 0
	}
}

// OperationRecord is one keyed, TTL-bounded entry in the server-side
// operation-state store. At most one live record exists per key;
// writing a key overwrites any prior record.
type OperationRecord struct {
	Key       string         `json:"key"`
	Type      OperationType  `json:"type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// OperationStatus is the progress payload reported by the per-kind status
// endpoints and by push notifications. Progress fields beyond
// PercentComplete are kind-specific and zero when not applicable.
type OperationStatus struct {
	OperationID     string  `json:"operationId"`
	Status          Status  `json:"status"`
	PercentComplete float64 `json:"percentComplete"`
	Message         string  `json:"message,omitempty"`

	// Cache clearing progress.
	BytesDeleted         uint64 `json:"bytesDeleted,omitempty"`
	TotalBytesToDelete   uint64 `json:"totalBytesToDelete,omitempty"`
	FilesDeleted         uint64 `json:"filesDeleted,omitempty"`
	DirectoriesProcessed int    `json:"directoriesProcessed,omitempty"`
	TotalDirectories     int    `json:"totalDirectories,omitempty"`

	// Log processing / service removal progress.
	FilesProcessed int `json:"filesProcessed,omitempty"`
	TotalFiles     int `json:"totalFiles,omitempty"`
	EntriesRemoved int `json:"entriesRemoved,omitempty"`

	// Error is set only when Status is failed.
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Supersedes reports whether this status should replace prev under the
// monotonic merge rule: never regress a terminal status, and never lower
// percentComplete within the same status rank. Poll responses and push
// events may arrive out of order; callers apply whichever supersedes.
func (s *OperationStatus) Supersedes(prev *OperationStatus) bool {
	if prev == nil {
		return true
	}

	if prev.Status.IsTerminal() {
		return false
	}

	if s.Status.rank() != prev.Status.rank() {
		return s.Status.rank() > prev.Status.rank()
	}

	return s.PercentComplete >= prev.PercentComplete
}

// RemoveResult is the acknowledgement returned by DELETE on the
// operation-state store. Success is true even when the key was absent.
type RemoveResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// StartResult is returned by the per-kind start endpoints.
type StartResult struct {
	OperationID string `json:"operationId"`
	Message     string `json:"message,omitempty"`
}

package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is the refresh job lifecycle state. Transitions are one
// directional; a terminal state is never re-entered.
type Status string

const (
	// StatusStarted marks a freshly allocated job.
	StatusStarted Status = "started"
	// StatusProcessing marks a job actively walking repositories.
	StatusProcessing Status = "processing"
	// StatusCompleted marks a successful terminal state.
	StatusCompleted Status = "completed"
	// StatusFailed marks an unrecoverable terminal state.
	StatusFailed Status = "failed"
	// StatusCancelled marks the cooperative cancellation terminal state.
	StatusCancelled Status = "cancelled"
)

const (
	// DefaultPollInterval is the reference interval callers use between
	// CheckStatus calls.
	DefaultPollInterval = 3 * time.Second
	// DefaultStallThreshold bounds how long UpdatedAt may sit still
	// before callers must stop polling.
	DefaultStallThreshold = 15 * time.Minute
	// DefaultMaxPersistedAge bounds how old a persisted job record may
	// be before re-attachment treats it as expired.
	DefaultMaxPersistedAge = 30 * time.Minute
)

// Params is the immutable parameter snapshot taken when a job starts.
type Params struct {
	Days      int    `json:"days"`
	RepoCount int    `json:"repo_count"`
	Author    string `json:"author,omitempty"`
}

// RefreshJob is the externally visible state of one background refresh.
type RefreshJob struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	Message        string    `json:"message,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
	CancelledAt    time.Time `json:"cancelled_at,omitzero"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Progress       *int      `json:"progress,omitempty"`
	Params         Params    `json:"params"`
	Error          string    `json:"error,omitempty"`
}

// IsRunning reports whether the job may still make progress.
func (j RefreshJob) IsRunning() bool {
	return j.Status == StatusStarted || j.Status == StatusProcessing
}

// IsTerminal reports whether the job reached a final state.
func (j RefreshJob) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCancelled
}

// IsStalled reports whether UpdatedAt sat still past the threshold while
// the job claims to be running. Stalled jobs protect callers from polling
// forever when the coordinator's process died mid-job.
func (j RefreshJob) IsStalled(now time.Time, threshold time.Duration) bool {
	if !j.IsRunning() {
		return false
	}
	return now.Sub(j.UpdatedAt) > threshold
}

// canTransitionTo encodes the forward-only state machine.
func (j RefreshJob) canTransitionTo(next Status) bool {
	if j.IsTerminal() {
		return false
	}
	switch next {
	case StatusProcessing:
		return j.Status == StatusStarted
	case StatusCompleted, StatusFailed, StatusCancelled:
		return j.IsRunning()
	default:
		return false
	}
}

func newJobID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("refresh-%d", time.Now().UnixNano())
	}
	return "refresh-" + hex.EncodeToString(buf)
}

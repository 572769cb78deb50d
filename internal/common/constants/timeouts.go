// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Default timeouts and cadences, used when config does not override them.
const (
	// DefaultAgentTimeout bounds a single agent-step invocation.
	DefaultAgentTimeout = 60 * time.Minute

	// DefaultWorkflowTimeout bounds a workflow with no AgentExecution
	// progress before the reaper fails it.
	DefaultWorkflowTimeout = 2 * time.Hour

	// DefaultPauseTimeout bounds how long a paused workflow waits before the
	// pause-wait poll gives up.
	DefaultPauseTimeout = 30 * time.Minute

	// DefaultTreeLockTTL is the TreeLock's expiry.
	DefaultTreeLockTTL = 300 * time.Second

	// DefaultReaperInterval is the reaper's fixed sweep cadence.
	DefaultReaperInterval = 15 * time.Minute

	// InterruptPollInterval is the cadence for polling interrupts while
	// paused, and the cadence of a pause-wait sleep.
	InterruptPollInterval = 5 * time.Second

	// RecoveryFreshnessThreshold is how stale an active-executing workflow's
	// updated_at must be before Recovery resets it.
	RecoveryFreshnessThreshold = 30 * time.Minute

	// CheckpointRewindGracePeriod is the pause before deleting rows so
	// in-flight executors can observe cancellation.
	CheckpointRewindGracePeriod = 2 * time.Second

	// MaxTreeDepth is the enforced cap on parent_workflow_id chains.
	MaxTreeDepth = 20
)

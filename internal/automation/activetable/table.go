// Package activetable implements the Active-Execution Table: the
// in-memory guard that enforces "at most one running execution per
// automation" (spec.md §4.2).
//
// The shape follows internal/reports/scheduler.ScheduleManager's
// mutex-guarded map of cron.EntryID, generalized to store an abort
// handle (context.CancelFunc) and phase/timing metadata instead of a
// cron handle.
package activetable

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Phase identifies where in the five-phase timeline an execution is.
type Phase string

const (
	PhaseAudienceGeneration  Phase = "audience_generation"
	PhaseTestSending         Phase = "test_sending"
	PhaseCancellationWindow  Phase = "cancellation_window"
	PhaseLiveExecution       Phase = "live_execution"
	PhaseCleanup             Phase = "cleanup"
)

// Status is a point-in-time snapshot of a running execution, returned by
// Table.Status for the Control API's GET handler.
type Status struct {
	AutomationID         string
	ExecutionID          string
	Phase                Phase
	StartTime            time.Time
	CanCancel             bool
	CancellationDeadline time.Time
}

type entry struct {
	executionID          string
	startTime            time.Time
	phase                Phase
	canCancel            bool
	cancellationDeadline time.Time
	abort                context.CancelFunc
	emergencyStop        bool
}

// Table is the Active-Execution Table. All operations are safe for
// concurrent use; a single mutex is sufficient because the table is
// small and operations are O(1).
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Active-Execution Table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// IsActive reports whether automationID currently has a running execution.
func (t *Table) IsActive(automationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[automationID]
	return ok
}

// Register inserts a new active execution. It fails if one is already
// present, preserving the one-run-per-automation invariant.
func (t *Table) Register(automationID, executionID string, startTime time.Time, abort context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[automationID]; ok {
		return fmt.Errorf("automation %s already has an active execution", automationID)
	}
	t.entries[automationID] = &entry{
		executionID: executionID,
		startTime:   startTime,
		phase:       PhaseAudienceGeneration,
		abort:       abort,
	}
	return nil
}

// SetPhase updates the current phase of a running execution. It is a
// no-op if the automation has no active entry (the execution already
// finished or was never registered).
func (t *Table) SetPhase(automationID string, phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[automationID]; ok {
		e.phase = phase
	}
}

// SetCancellationWindow records the cancellation deadline and opens the
// cancel gate for phase 3.
func (t *Table) SetCancellationWindow(automationID string, deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[automationID]; ok {
		e.cancellationDeadline = deadline
		e.canCancel = true
	}
}

// CloseCancellationWindow flips canCancel to false once the deadline
// passes (spec §4.3 phase 3).
func (t *Table) CloseCancellationWindow(automationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[automationID]; ok {
		e.canCancel = false
	}
}

// RequestEmergencyStop flags emergency stop for the running execution;
// observed by the cancellation-window poll loop.
func (t *Table) RequestEmergencyStop(automationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[automationID]
	if !ok {
		return false
	}
	e.emergencyStop = true
	return true
}

// EmergencyStopRequested reports whether the flag above was set.
func (t *Table) EmergencyStopRequested(automationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[automationID]
	return ok && e.emergencyStop
}

// Status returns a snapshot for the given automation, or ok=false if it
// has no active execution.
func (t *Table) Status(automationID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[automationID]
	if !ok {
		return Status{}, false
	}
	return Status{
		AutomationID:         automationID,
		ExecutionID:          e.executionID,
		Phase:                e.phase,
		StartTime:            e.startTime,
		CanCancel:            e.canCancel,
		CancellationDeadline: e.cancellationDeadline,
	}, true
}

// Terminate signals the stored abort handle (if any) and removes the
// entry. It is idempotent: terminating an automation with no active
// entry is a no-op.
func (t *Table) Terminate(automationID, reason string) {
	t.mu.Lock()
	e, ok := t.entries[automationID]
	if ok {
		delete(t.entries, automationID)
	}
	t.mu.Unlock()

	if ok && e.abort != nil {
		e.abort()
	}
	_ = reason // reason is carried only for logging by the caller
}

// Release removes the entry without signalling abort — used by the
// Timeline Executor itself once an execution reaches a terminal state
// under its own steam (spec §4.3 "removed in all cases").
func (t *Table) Release(automationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, automationID)
}

// Len reports the number of active executions (used by tests and debugInfo).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

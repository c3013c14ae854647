// Package timeline implements the Timeline Executor (spec.md §4.3): the
// five-phase state machine that drives one execution from Audience
// Generation through Cleanup. Its shape (build a result, run ordered
// steps, fill in Started/Completed/Duration, log with zap at each step)
// generalizes internal/reports/scheduler.Executor.Execute.
package timeline

import "github.com/mbiyimoh/push-notification-system-sub000/internal/automation/activetable"

// transitions mirrors pkg/workflows.StateMachine's allowedTransitions
// shape, adapted from project-status transitions to execution-phase
// transitions. Phases only ever move forward; there is no resume path,
// so unlike the teacher's SUSPENDED<->ACTIVE cycle this table has no
// cycles.
var transitions = map[activetable.Phase][]activetable.Phase{
	activetable.PhaseAudienceGeneration: {activetable.PhaseTestSending, activetable.PhaseCancellationWindow},
	activetable.PhaseTestSending:        {activetable.PhaseCancellationWindow},
	activetable.PhaseCancellationWindow: {activetable.PhaseLiveExecution},
	activetable.PhaseLiveExecution:      {activetable.PhaseCleanup},
	activetable.PhaseCleanup:            {},
}

// canTransition reports whether moving from one phase to the next is
// legal. Phase 1 allows skipping straight to Cancellation Window when
// dryRunFirst is false, so Audience Generation has two legal successors
// while every later phase has at most one.
func canTransition(from, to activetable.Phase) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	for _, candidate := range allowed {
		if candidate == to {
			return true
		}
	}
	return false
}

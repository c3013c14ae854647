// Package engine implements Process-Singleton Discipline (spec.md
// §4.9): exactly one *Engine per OS process, wiring together the
// Schedule Table, Active-Execution Table, Timeline Executor,
// Progress/History stores, Downstream Client, and Startup Restorer.
// Construction is suppressed during build-time static analysis via the
// AUTOMATION_ENGINE_BUILD_PHASE marker, the Go analog of the source's
// NODE_ENV/build-phase check.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/activetable"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/definitionstore"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/eventbus"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/historystore"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/progressstore"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/restore"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/schedule"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/timeline"
)

var (
	instance   *Engine
	instanceMu sync.Mutex
	buildPhase bool
)

// SetBuildPhase records whether this process run is a build-time static
// analysis pass. Must be called (if at all) before Construct.
func SetBuildPhase(v bool) { buildPhase = v }

// Dependencies bundles everything Construct needs to wire an Engine.
// All fields are required except Timeline.Subprocess and
// Timeline.Registry, which the Timeline Executor tolerates as nil
// (phase 1 then uses whichever backend is set, and fails when neither
// can serve the script).
type Dependencies struct {
	Definitions *definitionstore.Store
	Progress    *progressstore.Store
	History     *historystore.Store
	Timeline    timeline.Config
	Logger      *zap.Logger
	InstanceID  string
}

// Engine is the process-singleton automation execution engine. Its
// surface (Schedule, Cancel, ExecuteNow, Unschedule, Status, DebugInfo)
// is reachable from Control API handlers without re-instantiation.
type Engine struct {
	scheduleTable *schedule.Table
	activeTable   *activetable.Table
	executor      *timeline.Executor
	restorer      *restore.Restorer
	progress      *progressstore.Store
	history       *historystore.Store
	definitions   *definitionstore.Store
	bus           *eventbus.Hub
	logger        *zap.Logger
	instanceID    string
}

// Construct builds the single process-wide *Engine. Calling it a second
// time, or calling it while SetBuildPhase(true) is in effect, is an
// error (spec.md §4.9: "Accessing the instance during such build
// phases is an error").
func Construct(deps Dependencies) (*Engine, error) {
	if buildPhase {
		return nil, fmt.Errorf("engine construction suppressed during build phase")
	}

	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return nil, fmt.Errorf("engine already constructed for this process")
	}

	active := activetable.New()

	exec := timeline.New(timeline.Config{
		Active:            active,
		Downstream:        deps.Timeline.Downstream,
		Registry:          deps.Timeline.Registry,
		Subprocess:        deps.Timeline.Subprocess,
		Progress:          deps.Progress,
		History:           historyAdapter{deps.History},
		Bus:               eventbus.New(),
		InstanceID:        deps.InstanceID,
		DownstreamBaseURL: deps.Timeline.DownstreamBaseURL,
		Logger:            deps.Logger,
	})

	scheduleTable := schedule.New(active, exec, deps.Logger)
	exec.Unschedule = func(id string) { scheduleTable.Unschedule(id) }

	restorer := restore.New(definitionAdapter{deps.Definitions}, scheduleAdapter{scheduleTable}, deps.Logger, deps.InstanceID)

	instance = &Engine{
		scheduleTable: scheduleTable,
		activeTable:   active,
		executor:      exec,
		restorer:      restorer,
		progress:      deps.Progress,
		history:       deps.History,
		definitions:   deps.Definitions,
		bus:           exec.Bus(),
		logger:        deps.Logger,
		instanceID:    deps.InstanceID,
	}
	return instance, nil
}

// Instance returns the process-singleton Engine. Calling it before
// Construct, or during the build phase, is an error.
func Instance() (*Engine, error) {
	if buildPhase {
		return nil, fmt.Errorf("engine access suppressed during build phase")
	}
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		return nil, fmt.Errorf("engine has not been constructed")
	}
	return instance, nil
}

// Start arms the Schedule Table's cron engine and runs startup
// restoration. Must be called once after Construct.
func (e *Engine) Start(ctx context.Context) {
	e.scheduleTable.Start()
	e.restorer.Run(ctx)
}

// Shutdown implements spec.md §4.8: stop and release every cron handle,
// idempotent under repeated delivery.
func (e *Engine) Shutdown() {
	e.scheduleTable.Shutdown()
	e.logger.Info("automation engine shutdown complete")
}

// Schedule installs or replaces the cron entry for an automation.
func (e *Engine) Schedule(a *automation.Automation) (ok bool, message string) {
	res := e.scheduleTable.Schedule(a)
	return res.OK, res.Message
}

// Unschedule removes the cron entry for an automation id, if present.
func (e *Engine) Unschedule(id string) (ok bool, message string) {
	res := e.scheduleTable.Unschedule(id)
	return res.OK, res.Message
}

// Cancel unschedules and logs a reason (spec.md §6 action=cancel).
func (e *Engine) Cancel(id, reason string) (ok bool, message string) {
	res := e.scheduleTable.Cancel(id, reason)
	return res.OK, res.Message
}

// EmergencyStop flags the running execution for emergency stop, if any
// (spec.md §6 action=emergency_stop). Always available per spec.md §6
// ("emergencyStopAlwaysAvailable").
func (e *Engine) EmergencyStop(id string) bool {
	return e.activeTable.RequestEmergencyStop(id)
}

// Terminate signals the running execution's abort handle (spec.md §5
// "terminate(id)").
func (e *Engine) Terminate(id, reason string) {
	e.activeTable.Terminate(id, reason)
}

// ExecuteNow runs a immediately outside the cron schedule (spec.md §6
// action=execute_now), refusing if the automation already has a
// running execution.
func (e *Engine) ExecuteNow(a *automation.Automation) (executionID string, err error) {
	if e.activeTable.IsActive(a.ID) {
		return "", fmt.Errorf("automation %s already has an active execution", a.ID)
	}
	executionID = newExecutionID()
	go e.executor.Run(context.Background(), a, executionID)
	return executionID, nil
}

// Status returns the active-execution snapshot for an automation, if
// any is currently running (spec.md §6 GET control).
func (e *Engine) Status(id string) (activetable.Status, bool) {
	return e.activeTable.Status(id)
}

// DebugInfo reports the engine's process-wide state for the operator
// debug surface: scheduled count, active count, and last restoration
// outcome (spec.md §4.7 step 5, §4.9).
type DebugInfo struct {
	ScheduledCount         int
	ActiveCount            int
	ScheduledIDs           []string
	InstanceID             string
	LastRestorationAttempt time.Time
	LastRestorationSuccess bool
	LastRestorationSummary string
}

// DebugInfo assembles a DebugInfo snapshot.
func (e *Engine) DebugInfo() DebugInfo {
	attempt, success, summary := e.restorer.Status()
	return DebugInfo{
		ScheduledCount:         e.scheduleTable.Len(),
		ActiveCount:            e.activeTable.Len(),
		ScheduledIDs:           e.scheduleTable.IDs(),
		InstanceID:             e.instanceID,
		LastRestorationAttempt: attempt,
		LastRestorationSuccess: success,
		LastRestorationSummary: summary,
	}
}

// Definitions exposes the read-only Definition Store to the Control
// API handlers (GET control needs to load the automation itself).
func (e *Engine) Definitions() *definitionstore.Store { return e.definitions }

// EventBus exposes the in-process event bus to the progress-stream SSE
// and operator debug websocket handlers.
func (e *Engine) EventBus() *eventbus.Hub { return e.bus }

// Progress exposes the Progress Store. The progress-stream SSE handler
// does not read it; it streams only live event-bus events.
func (e *Engine) Progress() *progressstore.Store { return e.progress }

type definitionAdapter struct{ s *definitionstore.Store }

func (d definitionAdapter) List(ctx context.Context) ([]*automation.Automation, []string) {
	return d.s.List(ctx)
}

type scheduleAdapter struct{ t *schedule.Table }

func (s scheduleAdapter) Schedule(a *automation.Automation) (bool, string) {
	res := s.t.Schedule(a)
	return res.OK, res.Message
}

func newExecutionID() string { return uuid.NewString() }

// historyAdapter bridges the History Store's persistence-layer Metrics
// type to the Timeline Executor's locally-declared ExecutionMetrics,
// keeping the timeline package free of a direct historystore import.
type historyAdapter struct{ s *historystore.Store }

func (h historyAdapter) TrackExecutionStart(automationID, automationName, instanceID string) string {
	return h.s.TrackExecutionStart(automationID, automationName, instanceID)
}

func (h historyAdapter) TrackExecutionPhase(recordID, phase string) {
	h.s.TrackExecutionPhase(recordID, phase)
}

func (h historyAdapter) TrackExecutionComplete(recordID, status string, metrics timeline.ExecutionMetrics, startTime time.Time, errMessage, errStack string) {
	h.s.TrackExecutionComplete(recordID, status, historystore.Metrics{
		AudienceSize: metrics.AudienceSize,
		PushesSent:   metrics.PushesSent,
		PushesFailed: metrics.PushesFailed,
		TestsSent:    metrics.TestsSent,
	}, startTime, errMessage, errStack)
}

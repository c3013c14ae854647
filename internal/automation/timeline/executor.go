package timeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/activetable"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/audience"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/downstream"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/eventbus"
)

const (
	cancellationPollInterval = 30 * time.Second
	testSendTimeout          = downstream.DefaultTimeout
	liveExecutionTimeout     = downstream.LiveExecutionTimeout
	maxStderrBytes           = 2048
)

// Outcome is one of the three terminal states spec.md §4.3 allows.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// ProgressRecorder is the Progress Store surface the executor writes to.
type ProgressRecorder interface {
	StartExecution(executionID, automationID, automationName, instanceID string) error
	UpdateProgress(executionID, status, phase, message string, current, total int) error
	AppendLog(executionID, automationID, level, phase, message string) error
	CompleteExecution(executionID, finalStatus, finalPhase, finalMessage string) error
}

// HistoryRecorder is the History Store surface the executor writes to.
// Every method is non-fatal by the store's own contract (spec.md §4.6).
type HistoryRecorder interface {
	TrackExecutionStart(automationID, automationName, instanceID string) string
	TrackExecutionPhase(recordID, phase string)
	TrackExecutionComplete(recordID, status string, metrics ExecutionMetrics, startTime time.Time, errMessage, errStack string)
}

// ExecutionMetrics is re-declared locally (rather than importing
// historystore) to keep the executor decoupled from the store's wire
// representation; engine wiring adapts between the two.
type ExecutionMetrics struct {
	AudienceSize int
	PushesSent   int
	PushesFailed int
	TestsSent    int
}

// ActiveRegistry is the Active-Execution Table surface the executor
// needs to register itself, report phase, and observe cancel/emergency
// signals.
type ActiveRegistry interface {
	Register(automationID, executionID string, startTime time.Time, abort context.CancelFunc) error
	SetPhase(automationID string, phase activetable.Phase)
	SetCancellationWindow(automationID string, deadline time.Time)
	CloseCancellationWindow(automationID string)
	EmergencyStopRequested(automationID string) bool
	Release(automationID string)
}

// Executor drives one execution through the five phases. It implements
// schedule.Runner structurally (Run(ctx, automation, executionID)); the
// schedule package is never imported here to avoid a dependency cycle.
type Executor struct {
	active            ActiveRegistry
	downstream        *downstream.Client
	registry          audience.Registry
	subprocess        audience.SubprocessExecutor
	progress          ProgressRecorder
	history           HistoryRecorder
	bus               *eventbus.Hub
	instanceID        string
	downstreamBaseURL string
	logger            *zap.Logger

	// Unschedule and DeleteDefinition back Phase 5 cleanup for test
	// artifacts (spec.md §4.3 phase 5). Plain func fields, not
	// interfaces, so this package has no import-time dependency on the
	// schedule table or the definition store.
	Unschedule       func(automationID string)
	DeleteDefinition func(ctx context.Context, automationID string) error
}

// Config bundles Executor's dependencies for construction.
type Config struct {
	Active            ActiveRegistry
	Downstream        *downstream.Client
	Registry          audience.Registry
	Subprocess        audience.SubprocessExecutor
	Progress          ProgressRecorder
	History           HistoryRecorder
	Bus               *eventbus.Hub
	InstanceID        string
	DownstreamBaseURL string
	Logger            *zap.Logger
	Unschedule        func(automationID string)
	DeleteDefinition  func(ctx context.Context, automationID string) error
}

// New builds an Executor from Config.
func New(cfg Config) *Executor {
	return &Executor{
		active:            cfg.Active,
		downstream:        cfg.Downstream,
		registry:          cfg.Registry,
		subprocess:        cfg.Subprocess,
		progress:          cfg.Progress,
		history:           cfg.History,
		bus:               cfg.Bus,
		instanceID:        cfg.InstanceID,
		downstreamBaseURL: cfg.DownstreamBaseURL,
		logger:            cfg.Logger,
		Unschedule:        cfg.Unschedule,
		DeleteDefinition:  cfg.DeleteDefinition,
	}
}

// Bus exposes the event bus the executor publishes to, so the engine
// can hand the same bus to the progress-stream SSE and debug websocket
// handlers.
func (e *Executor) Bus() *eventbus.Hub { return e.bus }

// Run drives a complete execution of automation a under executionID. It
// never returns an error: every failure mode resolves into a terminal
// outcome recorded in the Progress and History stores.
func (e *Executor) Run(parentCtx context.Context, a *automation.Automation, executionID string) {
	ctx, abort := context.WithCancel(parentCtx)
	defer abort()

	startTime := time.Now()
	if err := e.active.Register(a.ID, executionID, startTime, abort); err != nil {
		e.logger.Error("failed to register active execution, skipping run",
			zap.String("automation_id", a.ID), zap.Error(err))
		return
	}
	defer e.active.Release(a.ID)

	recordID := e.history.TrackExecutionStart(a.ID, a.Name, e.instanceID)
	if err := e.progress.StartExecution(executionID, a.ID, a.Name, e.instanceID); err != nil {
		e.logger.Error("failed to start progress row", zap.String("execution_id", executionID), zap.Error(err))
	}

	run := &run{
		e:           e,
		a:           a,
		executionID: executionID,
		recordID:    recordID,
		metrics:     ExecutionMetrics{},
	}
	outcome, message := run.execute(ctx)

	e.history.TrackExecutionComplete(recordID, string(outcome), run.metrics, startTime, run.errMessage(outcome, message), "")
	if err := e.progress.CompleteExecution(executionID, string(outcome), string(run.lastPhase), message); err != nil {
		e.logger.Error("failed to complete progress row", zap.String("execution_id", executionID), zap.Error(err))
	}
	e.bus.PublishAll(eventbus.Event{
		AutomationID: a.ID,
		ExecutionID:  executionID,
		Phase:        string(run.lastPhase),
		Status:       string(outcome),
		Level:        "info",
		Message:      message,
	})
}

// run carries per-execution mutable state through the five phases; kept
// separate from Executor so Executor itself stays reusable/stateless
// across concurrent executions of different automations.
type run struct {
	e           *Executor
	a           *automation.Automation
	executionID string
	recordID    string
	metrics     ExecutionMetrics
	lastPhase   activetable.Phase
}

func (r *run) errMessage(outcome Outcome, message string) string {
	if outcome == OutcomeCompleted {
		return ""
	}
	return message
}

// execute runs phases 1-5 in order, honoring abort at every boundary,
// and returns the terminal outcome plus a human-readable message.
func (r *run) execute(ctx context.Context) (Outcome, string) {
	phases := []struct {
		phase activetable.Phase
		run   func(context.Context) error
		skip  func() bool
	}{
		{activetable.PhaseAudienceGeneration, r.phaseAudienceGeneration, nil},
		{activetable.PhaseTestSending, r.phaseTestSending, func() bool { return !r.a.Settings.EffectiveDryRunFirst() }},
		{activetable.PhaseCancellationWindow, r.phaseCancellationWindow, nil},
		{activetable.PhaseLiveExecution, r.phaseLiveExecution, nil},
		{activetable.PhaseCleanup, r.phaseCleanup, nil},
	}

	var previousPhase activetable.Phase
	for _, step := range phases {
		if ctx.Err() != nil {
			return OutcomeAborted, "execution aborted before phase " + string(step.phase)
		}
		if step.skip != nil && step.skip() {
			continue
		}
		if previousPhase != "" && !canTransition(previousPhase, step.phase) {
			r.e.logger.Error("illegal phase transition attempted",
				zap.String("automation_id", r.a.ID),
				zap.String("from", string(previousPhase)),
				zap.String("to", string(step.phase)))
			return OutcomeFailed, fmt.Sprintf("illegal phase transition from %s to %s", previousPhase, step.phase)
		}

		r.lastPhase = step.phase
		previousPhase = step.phase
		r.e.active.SetPhase(r.a.ID, step.phase)
		r.log("info", step.phase, "phase started")

		if err := step.run(ctx); err != nil {
			if ctx.Err() != nil || err == errAborted {
				r.log("warn", step.phase, "phase aborted: "+err.Error())
				return OutcomeAborted, err.Error()
			}
			r.log("error", step.phase, "phase failed: "+err.Error())
			return OutcomeFailed, err.Error()
		}
		r.log("info", step.phase, "phase completed")
	}

	return OutcomeCompleted, "execution completed successfully"
}

func (r *run) log(level string, phase activetable.Phase, message string) {
	switch level {
	case "error":
		r.e.logger.Error(message, zap.String("automation_id", r.a.ID), zap.String("phase", string(phase)))
	case "warn":
		r.e.logger.Warn(message, zap.String("automation_id", r.a.ID), zap.String("phase", string(phase)))
	default:
		r.e.logger.Info(message, zap.String("automation_id", r.a.ID), zap.String("phase", string(phase)))
	}
	if err := r.e.progress.AppendLog(r.executionID, r.a.ID, level, string(phase), message); err != nil {
		r.e.logger.Error("failed to append progress log", zap.String("execution_id", r.executionID), zap.Error(err))
	}
	r.e.history.TrackExecutionPhase(r.recordID, string(phase))
	r.e.bus.PublishAll(eventbus.Event{
		AutomationID: r.a.ID,
		ExecutionID:  r.executionID,
		Phase:        string(phase),
		Status:       "running",
		Level:        level,
		Message:      message,
	})
}

// errAborted is a sentinel distinguishing cooperative abort from an
// actual phase failure, for phases that don't drive ctx directly
// (e.g. the cancellation-window poll loop).
var errAborted = fmt.Errorf("aborted")

// phaseAudienceGeneration implements spec.md §4.3 phase 1: generate the
// audience with a single generator call for the whole sequence (not one
// call per push), preferring the in-process registry and falling back
// to the legacy subprocess executor.
func (r *run) phaseAudienceGeneration(ctx context.Context) error {
	script := r.a.AudienceCriteria.CustomScript
	if script == nil {
		return fmt.Errorf("automation has no customScript configured for audience generation")
	}

	params := audience.GenerateParams{
		LookbackHours: script.LookbackHours,
		CoolingHours:  script.CoolingHours,
		DryRun:        r.a.AudienceCriteria.TestMode,
		AutomationID:  r.a.ID,
	}

	if r.e.registry != nil && r.e.registry.Has(script.ScriptID) {
		gen, _ := r.e.registry.Get(script.ScriptID)
		result, err := gen.Generate(ctx, params)
		if err != nil {
			return fmt.Errorf("in-process audience generation failed: %w", err)
		}
		if !result.Success {
			return fmt.Errorf("in-process audience generation reported failure: %s", result.Error)
		}
		r.metrics.AudienceSize = result.AudienceSize
		return nil
	}

	if r.e.subprocess == nil {
		return fmt.Errorf("no audience generator registered for script %q", script.ScriptID)
	}
	result, err := r.e.subprocess.ExecuteScript(ctx, script.ScriptID, nil, r.executionID, r.a.AudienceCriteria.TestMode)
	if err != nil {
		return fmt.Errorf("subprocess audience generation failed: %w", err)
	}
	if !result.Success {
		stderr := result.Stderr
		if len(stderr) > maxStderrBytes {
			stderr = stderr[:maxStderrBytes]
		}
		stdout := result.Stdout
		if len(stdout) > maxStderrBytes {
			stdout = stdout[:maxStderrBytes]
		}
		return fmt.Errorf("subprocess audience generation failed: %s (stderr: %s; stdout: %s)", result.Error, stderr, stdout)
	}
	return nil
}

// phaseTestSending implements spec.md §4.3 phase 2: exactly one
// whole-sequence call in test-live-send mode.
func (r *run) phaseTestSending(ctx context.Context) error {
	res, err := r.e.downstream.Call(ctx, r.sendURL(), downstream.ModeTestLiveSend, r.a.ID, testSendTimeout, r.onDownstreamLog)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("test send failed: %s", res.Message)
	}
	r.metrics.TestsSent = len(r.a.PushSequence)
	return nil
}

// phaseCancellationWindow implements spec.md §4.3 phase 3: poll every
// 30s for abort/emergency-stop, log a countdown at 5-minute and
// 1-minute boundaries, then close the window once the deadline passes.
func (r *run) phaseCancellationWindow(ctx context.Context) error {
	windowMinutes := 25
	if r.a.AudienceCriteria.TestMode {
		windowMinutes = 2
	} else if w := r.a.Settings.EffectiveCancellationWindowMinutes(); w > 0 {
		windowMinutes = w
	}
	deadline := time.Now().Add(time.Duration(windowMinutes) * time.Minute)
	r.e.active.SetCancellationWindow(r.a.ID, deadline)

	loggedFiveMin := make(map[int]bool)
	loggedOneMin := false

	ticker := time.NewTicker(cancellationPollInterval)
	defer ticker.Stop()

	for {
		if r.e.active.EmergencyStopRequested(r.a.ID) {
			r.e.active.CloseCancellationWindow(r.a.ID)
			return fmt.Errorf("Emergency stop requested")
		}
		if ctx.Err() != nil {
			r.e.active.CloseCancellationWindow(r.a.ID)
			return errAborted
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.e.active.CloseCancellationWindow(r.a.ID)
			return nil
		}

		remainingMinutes := int(remaining / time.Minute)
		if remainingMinutes > 0 && remainingMinutes%5 == 0 && !loggedFiveMin[remainingMinutes] {
			loggedFiveMin[remainingMinutes] = true
			r.log("info", activetable.PhaseCancellationWindow, fmt.Sprintf("cancellation window: %d minute(s) remaining", remainingMinutes))
		}
		if remaining <= time.Minute && !loggedOneMin {
			loggedOneMin = true
			r.log("info", activetable.PhaseCancellationWindow, "cancellation window: 1 minute remaining")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			r.e.active.CloseCancellationWindow(r.a.ID)
			return errAborted
		}
	}
}

// phaseLiveExecution implements spec.md §4.3 phase 4: one whole-sequence
// call in real-dry-run or live-send mode, depending on testMode.
func (r *run) phaseLiveExecution(ctx context.Context) error {
	mode := downstream.ModeLiveSend
	if r.a.AudienceCriteria.TestMode {
		mode = downstream.ModeRealDryRun
	}
	res, err := r.e.downstream.Call(ctx, r.sendURL(), mode, r.a.ID, liveExecutionTimeout, r.onDownstreamLog)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("live execution failed: %s", res.Message)
	}
	r.metrics.PushesSent = len(r.a.PushSequence)
	r.metrics.PushesFailed = res.FailedCount
	return nil
}

// phaseCleanup implements spec.md §4.3 phase 5: unschedule and delete
// the definition if (and only if) the automation is a test artifact.
func (r *run) phaseCleanup(ctx context.Context) error {
	if !r.a.IsTestArtifact() {
		return nil
	}
	if r.e.Unschedule != nil {
		r.e.Unschedule(r.a.ID)
	}
	if r.e.DeleteDefinition != nil {
		if err := r.e.DeleteDefinition(ctx, r.a.ID); err != nil {
			return fmt.Errorf("failed to delete test automation definition: %w", err)
		}
	}
	return nil
}

func (r *run) onDownstreamLog(ev downstream.LogEvent) {
	r.log(orDefault(ev.Level, "info"), activetable.Phase(orDefault(ev.Stage, string(r.lastPhase))), ev.Message)
}

func (r *run) sendURL() string {
	return strings.TrimRight(r.e.downstreamBaseURL, "/") + "/test-run/" + r.a.ID
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

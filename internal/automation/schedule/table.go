// Package schedule implements the Schedule Table (spec.md §4.1): the
// mapping from automation id to an installed cron handle, generalized
// from internal/reports/scheduler.ScheduleManager's map[uuid.UUID]cron.EntryID
// into a map[string]*tableEntry (cron.EntryID plus config snapshot)
// guarded the same way (sync.RWMutex plus a single *cron.Cron for the
// whole table).
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/activetable"
)

// Terminator is the subset of activetable.Table the Schedule Table needs
// to terminate a running execution before rescheduling it. Terminate
// only signals the abort handle and removes the entry; it does not wait
// for the running execution to return.
type Terminator interface {
	IsActive(automationID string) bool
	Terminate(automationID, reason string)
}

// Runner is invoked on every cron tick for a scheduled automation. It is
// satisfied by the Timeline Executor's entry point; kept as an interface
// here so the schedule table has no import-time dependency on timeline.
type Runner interface {
	Run(ctx context.Context, a *automation.Automation, executionID string)
}

// Result is the {ok, message} pair every mutating operation returns.
type Result struct {
	OK      bool
	Message string
}

func ok(msg string) Result  { return Result{OK: true, Message: msg} }
func fail(msg string) Result { return Result{OK: false, Message: msg} }

type tableEntry struct {
	entryID cron.EntryID
	config  ExecutionConfigSnapshot
}

// ExecutionConfigSnapshot is the per-scheduled-entry snapshot described in
// spec.md §3 ("ExecutionConfig").
type ExecutionConfigSnapshot struct {
	Automation *automation.Automation
}

// Table is the Schedule Table. One instance owns exactly one *cron.Cron;
// every tick is dispatched to the provided Runner.
type Table struct {
	mu      sync.RWMutex
	cron    *cron.Cron
	entries map[string]*tableEntry
	active  Terminator
	runner  Runner
	logger  *zap.Logger
}

// New creates an empty, unstarted Schedule Table.
func New(active Terminator, runner Runner, logger *zap.Logger) *Table {
	return &Table{
		cron:    cron.New(),
		entries: make(map[string]*tableEntry),
		active:  active,
		runner:  runner,
		logger:  logger,
	}
}

// Start arms the underlying cron engine. Must be called once before any
// schedule() tick can fire.
func (t *Table) Start() {
	t.cron.Start()
}

// Schedule installs (or replaces) the cron entry for an automation,
// following spec.md §4.1 exactly:
//  1. terminate any running execution (signal its abort handle; this
//     does not wait for the execution to reach its abort point),
//  2. stop/release any existing entry for this id,
//  3. validate,
//  4. compute the cron expression,
//  5. install the tick,
//  6. insert the entry.
//
// No partial state is left behind on failure.
func (t *Table) Schedule(a *automation.Automation) Result {
	if t.active.IsActive(a.ID) {
		t.active.Terminate(a.ID, "rescheduling")
	}

	t.mu.Lock()
	if existing, ok := t.entries[a.ID]; ok {
		t.cron.Remove(existing.entryID)
		delete(t.entries, a.ID)
	}
	t.mu.Unlock()

	if err := a.Validate(); err != nil {
		return fail(err.Error())
	}

	expr, err := CronExpressionForMode(a.Schedule, a.AudienceCriteria.TestMode)
	if err != nil {
		return fail(fmt.Sprintf("failed to compute cron expression: %v", err))
	}

	loc, err := time.LoadLocation(a.Schedule.EffectiveTimezone())
	if err != nil {
		return fail(fmt.Sprintf("invalid timezone %q: %v", a.Schedule.EffectiveTimezone(), err))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return fail(fmt.Sprintf("failed to parse cron expression %q: %v", expr, err))
	}
	tzSchedule := inTimezone{schedule: schedule, loc: loc}

	automationID := a.ID
	automationCopy := a
	entryID := t.cron.Schedule(tzSchedule, cron.FuncJob(func() {
		if t.active.IsActive(automationID) {
			t.logger.Info("skipping tick, execution already active", zap.String("automation_id", automationID))
			return
		}
		executionID := newExecutionID()
		t.runner.Run(context.Background(), automationCopy, executionID)
	}))

	t.mu.Lock()
	t.entries[a.ID] = &tableEntry{
		entryID: entryID,
		config:  ExecutionConfigSnapshot{Automation: a},
	}
	t.mu.Unlock()

	t.logger.Info("scheduled automation",
		zap.String("automation_id", a.ID),
		zap.String("cron", expr),
		zap.String("timezone", loc.String()))

	return ok("scheduled")
}

// Unschedule stops and releases the cron handle for id, if present.
// Idempotent: a second call against an absent id succeeds with a
// descriptive message.
func (t *Table) Unschedule(id string) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[id]
	if !found {
		return ok("was not scheduled")
	}
	t.cron.Remove(e.entryID)
	delete(t.entries, id)
	return ok("unscheduled")
}

// Cancel is Unschedule plus a logged reason, per spec.md §4.1.
func (t *Table) Cancel(id, reason string) Result {
	res := t.Unschedule(id)
	t.logger.Info("cancelled automation", zap.String("automation_id", id), zap.String("reason", reason))
	return res
}

// RescheduleAll calls Schedule for each automation in turn and reports
// the ids that succeeded and the failure message of each that did not.
// The Startup Restorer does not call it; it drives Schedule directly.
func (t *Table) RescheduleAll(automations []*automation.Automation) (scheduled []string, failed map[string]string) {
	failed = make(map[string]string)
	for _, a := range automations {
		res := t.Schedule(a)
		if res.OK {
			scheduled = append(scheduled, a.ID)
		} else {
			failed[a.ID] = res.Message
		}
	}
	return scheduled, failed
}

// Has reports whether id currently has an entry in the table.
func (t *Table) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// Len reports the number of scheduled entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// IDs returns every currently scheduled automation id (used by
// debugInfo).
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops and releases every cron handle, guaranteeing no zombie
// cron handles survive into the next restart (spec.md §4.8, §8
// "No zombie cron").
func (t *Table) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		t.cron.Remove(e.entryID)
		delete(t.entries, id)
	}
	ctx := t.cron.Stop()
	<-ctx.Done()
	t.logger.Info("schedule table shut down, all cron handles released")
}

// inTimezone adapts a cron.Schedule computed against wall-clock fields to
// evaluate in a specific IANA location, mirroring how
// scheduler.ScheduleManager.calculateNextExecution loads a *time.Location
// before calling schedule.Next.
type inTimezone struct {
	schedule cron.Schedule
	loc      *time.Location
}

func (s inTimezone) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

func newExecutionID() string {
	return uuid.NewString()
}

// Package restore implements the Startup Restorer (spec.md §4.7),
// grounded on cmd/workers/report_worker.go's main() startup sequence:
// connect, log a banner, do the work, log a completion banner, never
// panic/exit on failure — the process continues in degraded mode.
package restore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation"
)

// DefinitionLister is the read-only Definition Store surface the
// restorer needs.
type DefinitionLister interface {
	List(ctx context.Context) ([]*automation.Automation, []string)
}

// Scheduler is the subset of the Schedule Table the restorer drives.
type Scheduler interface {
	Schedule(a *automation.Automation) (ok bool, message string)
}

// Restorer runs once at process construction to repopulate the
// Schedule Table from the external definition store.
type Restorer struct {
	definitions DefinitionLister
	scheduler   Scheduler
	logger      *zap.Logger
	instanceID  string

	mu                      sync.RWMutex
	lastRestorationAttempt  time.Time
	lastRestorationSuccess  bool
	lastRestorationSummary  string
}

// New builds a Restorer.
func New(definitions DefinitionLister, scheduler Scheduler, logger *zap.Logger, instanceID string) *Restorer {
	return &Restorer{definitions: definitions, scheduler: scheduler, logger: logger, instanceID: instanceID}
}

// Run executes the full restoration sequence described in spec.md §4.7.
// It never panics and never returns an error: a total failure leaves
// the process able to continue serving the Control API in degraded
// mode (no automations scheduled until an operator intervenes).
func (r *Restorer) Run(ctx context.Context) {
	start := time.Now()
	r.logger.Info("automation engine startup restoration beginning",
		zap.String("instance_id", r.instanceID),
		zap.Time("started_at", start))

	defer func() {
		if rec := recover(); rec != nil {
			r.recordFailure(start, "panic recovered during restoration")
			r.logger.Error("startup restoration failed with a panic; continuing in degraded mode",
				zap.Any("panic", rec))
		}
	}()

	definitions, warnings := r.definitions.List(ctx)
	for _, w := range warnings {
		r.logger.Warn("skipping malformed automation definition during restoration", zap.String("detail", w))
	}

	var eligible []*automation.Automation
	for _, a := range definitions {
		if !hasRequiredRestorationFields(a) {
			r.logger.Warn("skipping automation with missing required fields during restoration",
				zap.String("automation_id", a.ID))
			continue
		}
		if !a.ShouldBeScheduled() {
			continue
		}
		eligible = append(eligible, a)
	}

	var scheduled []string
	var failed []string
	for _, a := range eligible {
		ok, message := r.scheduler.Schedule(a)
		if ok {
			scheduled = append(scheduled, a.ID)
		} else {
			failed = append(failed, a.ID)
			r.logger.Warn("failed to reschedule automation during restoration",
				zap.String("automation_id", a.ID), zap.String("reason", message))
		}
	}

	elapsed := time.Since(start)
	if len(failed) == 0 {
		r.recordSuccess(start, scheduled)
		r.logger.Info("automation engine startup restoration succeeded",
			zap.Int("scheduled_count", len(scheduled)),
			zap.Strings("scheduled_ids", truncateIDs(scheduled, 10)),
			zap.Int64("elapsed_ms", elapsed.Milliseconds()))
		return
	}

	r.recordFailure(start, "one or more automations failed to reschedule")
	r.logger.Warn("automation engine startup restoration completed with failures",
		zap.Int("scheduled_count", len(scheduled)),
		zap.Int("failed_count", len(failed)),
		zap.Strings("failed_ids", truncateIDs(failed, 10)),
		zap.Int64("elapsed_ms", elapsed.Milliseconds()))
}

// hasRequiredRestorationFields checks that id and status are non-empty.
// isActive is a plain bool, so a definition that omits it decodes as
// false and is not flagged here; ShouldBeScheduled then leaves it
// unscheduled without a validation warning.
func hasRequiredRestorationFields(a *automation.Automation) bool {
	return a.ID != "" && a.Status != ""
}

func truncateIDs(ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}
	return ids[:n]
}

func (r *Restorer) recordSuccess(attempt time.Time, scheduled []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRestorationAttempt = attempt
	r.lastRestorationSuccess = true
	r.lastRestorationSummary = "scheduled " + joinCount(len(scheduled))
}

func (r *Restorer) recordFailure(attempt time.Time, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRestorationAttempt = attempt
	r.lastRestorationSuccess = false
	r.lastRestorationSummary = reason
}

func joinCount(n int) string {
	if n == 1 {
		return "1 automation"
	}
	return strconv.Itoa(n) + " automations"
}

// Status exposes lastRestorationAttempt/lastRestorationSuccess for the
// Control API's debugInfo operation (spec.md §4.7 step 5, §4.9).
func (r *Restorer) Status() (attempt time.Time, success bool, summary string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRestorationAttempt, r.lastRestorationSuccess, r.lastRestorationSummary
}

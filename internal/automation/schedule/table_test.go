package schedule

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation"
)

type fakeTerminator struct {
	mu            sync.Mutex
	activeIDs     map[string]bool
	terminateLog  []string
}

func newFakeTerminator() *fakeTerminator {
	return &fakeTerminator{activeIDs: make(map[string]bool)}
}

func (f *fakeTerminator) IsActive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeIDs[id]
}

func (f *fakeTerminator) Terminate(id, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.activeIDs, id)
	f.terminateLog = append(f.terminateLog, id+":"+reason)
}

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeRunner) Run(ctx context.Context, a *automation.Automation, executionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, a.ID)
}

func validAutomation(id string) *automation.Automation {
	lead := 30
	return &automation.Automation{
		ID:       id,
		Name:     "daily digest",
		IsActive: true,
		Status:   automation.StatusActive,
		Schedule: automation.Schedule{
			Frequency:       automation.FrequencyDaily,
			ExecutionTime:   "14:30",
			LeadTimeMinutes: &lead,
			Timezone:        "America/Chicago",
		},
		PushSequence: []automation.AutomationPush{
			{ID: "p1", Title: "t", Body: "b"},
		},
	}
}

func TestSchedule_ValidatesBeforeInstalling(t *testing.T) {
	tbl := New(newFakeTerminator(), &fakeRunner{}, zap.NewNop())
	bad := validAutomation("a1")
	bad.PushSequence = nil

	res := tbl.Schedule(bad)
	assert.False(t, res.OK)
	assert.False(t, tbl.Has("a1"))
}

func TestSchedule_ReplacesExistingEntry(t *testing.T) {
	term := newFakeTerminator()
	tbl := New(term, &fakeRunner{}, zap.NewNop())

	res := tbl.Schedule(validAutomation("a1"))
	require.True(t, res.OK)
	assert.Equal(t, 1, tbl.Len())

	a2 := validAutomation("a1")
	a2.Schedule.ExecutionTime = "09:00"
	res = tbl.Schedule(a2)
	require.True(t, res.OK)
	assert.Equal(t, 1, tbl.Len(), "reschedule must replace, not duplicate")
}

func TestSchedule_TerminatesRunningExecutionFirst(t *testing.T) {
	term := newFakeTerminator()
	term.activeIDs["a1"] = true
	tbl := New(term, &fakeRunner{}, zap.NewNop())

	res := tbl.Schedule(validAutomation("a1"))
	require.True(t, res.OK)
	assert.Contains(t, term.terminateLog, "a1:rescheduling")
}

func TestUnschedule_IdempotentOnAbsentID(t *testing.T) {
	tbl := New(newFakeTerminator(), &fakeRunner{}, zap.NewNop())

	res := tbl.Unschedule("nope")
	assert.True(t, res.OK)
	assert.Equal(t, "was not scheduled", res.Message)

	res = tbl.Unschedule("nope")
	assert.True(t, res.OK)
}

func TestUnschedule_RemovesInstalledEntry(t *testing.T) {
	tbl := New(newFakeTerminator(), &fakeRunner{}, zap.NewNop())
	require.True(t, tbl.Schedule(validAutomation("a1")).OK)
	require.True(t, tbl.Has("a1"))

	res := tbl.Unschedule("a1")
	assert.True(t, res.OK)
	assert.False(t, tbl.Has("a1"))
}

func TestRescheduleAll_ReportsPerAutomationFailures(t *testing.T) {
	tbl := New(newFakeTerminator(), &fakeRunner{}, zap.NewNop())

	bad := validAutomation("bad")
	bad.Schedule.ExecutionTime = "not-a-time"

	scheduled, failed := tbl.RescheduleAll([]*automation.Automation{validAutomation("good"), bad})
	assert.Equal(t, []string{"good"}, scheduled)
	assert.Contains(t, failed, "bad")
}

func TestShutdown_ClearsAllEntries(t *testing.T) {
	tbl := New(newFakeTerminator(), &fakeRunner{}, zap.NewNop())
	tbl.Start()
	require.True(t, tbl.Schedule(validAutomation("a1")).OK)
	require.True(t, tbl.Schedule(validAutomation("a2")).OK)

	tbl.Shutdown()
	assert.Equal(t, 0, tbl.Len())
}

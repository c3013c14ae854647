package timeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/activetable"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/audience"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/downstream"
	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation/eventbus"
)

type fakeActive struct {
	mu            sync.Mutex
	phases        []activetable.Phase
	registered    bool
	emergency     bool
	windowClosed  bool
}

func (f *fakeActive) Register(automationID, executionID string, startTime time.Time, abort context.CancelFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	return nil
}
func (f *fakeActive) SetPhase(automationID string, phase activetable.Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases = append(f.phases, phase)
}
func (f *fakeActive) SetCancellationWindow(automationID string, deadline time.Time) {}
func (f *fakeActive) CloseCancellationWindow(automationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowClosed = true
}
func (f *fakeActive) EmergencyStopRequested(automationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emergency
}
func (f *fakeActive) Release(automationID string) {}

type fakeProgress struct {
	logs []string
}

func (f *fakeProgress) StartExecution(executionID, automationID, automationName, instanceID string) error {
	return nil
}
func (f *fakeProgress) UpdateProgress(executionID, status, phase, message string, current, total int) error {
	return nil
}
func (f *fakeProgress) AppendLog(executionID, automationID, level, phase, message string) error {
	f.logs = append(f.logs, phase+":"+message)
	return nil
}
func (f *fakeProgress) CompleteExecution(executionID, finalStatus, finalPhase, finalMessage string) error {
	return nil
}

type fakeHistory struct {
	phases   []string
	complete bool
	status   string
}

func (f *fakeHistory) TrackExecutionStart(automationID, automationName, instanceID string) string {
	return "record-1"
}
func (f *fakeHistory) TrackExecutionPhase(recordID, phase string) {
	f.phases = append(f.phases, phase)
}
func (f *fakeHistory) TrackExecutionComplete(recordID, status string, metrics ExecutionMetrics, startTime time.Time, errMessage, errStack string) {
	f.complete = true
	f.status = status
}

type fakeGenerator struct {
	result audience.InProcessResult
	err    error
}

func (f *fakeGenerator) Generate(ctx context.Context, params audience.GenerateParams) (audience.InProcessResult, error) {
	return f.result, f.err
}

func testAutomation() *automation.Automation {
	dryRun := false
	return &automation.Automation{
		ID:     "a1",
		Name:   "digest",
		Status: automation.StatusActive,
		Schedule: automation.Schedule{
			Frequency:     automation.FrequencyDaily,
			ExecutionTime: "09:00",
		},
		PushSequence: []automation.AutomationPush{{ID: "p1", Title: "t", Body: "b"}},
		AudienceCriteria: automation.AudienceCriteria{
			TestMode:     true,
			CustomScript: &automation.CustomScript{ScriptID: "script-1"},
		},
		Settings: automation.Settings{DryRunFirst: &dryRun},
	}
}

func newTestExecutor(t *testing.T, active *fakeActive, progress *fakeProgress, history *fakeHistory, registry audience.Registry) *Executor {
	t.Helper()
	return New(Config{
		Active:            active,
		Downstream:        downstream.New(zap.NewNop()),
		Registry:          registry,
		Progress:          progress,
		History:           history,
		Bus:               eventbus.New(),
		InstanceID:        "test-instance",
		DownstreamBaseURL: "http://downstream.invalid",
		Logger:            zap.NewNop(),
	})
}

func TestRun_FailsWhenNoAudienceGeneratorConfigured(t *testing.T) {
	active := &fakeActive{}
	progress := &fakeProgress{}
	history := &fakeHistory{}
	a := testAutomation()
	a.AudienceCriteria.CustomScript = nil

	exec := newTestExecutor(t, active, progress, history, audience.NewMapRegistry(nil))
	exec.Run(context.Background(), a, "exec-1")

	require.True(t, history.complete)
	assert.Equal(t, "failed", history.status)
	assert.True(t, active.registered)
}

func TestRun_SkipsTestSendingWhenDryRunFirstFalse(t *testing.T) {
	active := &fakeActive{}
	progress := &fakeProgress{}
	history := &fakeHistory{}
	a := testAutomation()

	gen := &fakeGenerator{result: audience.InProcessResult{Success: true, AudienceSize: 10}}
	registry := audience.NewMapRegistry(map[string]audience.InProcessGenerator{"script-1": gen})
	exec := newTestExecutor(t, active, progress, history, registry)

	// Abort immediately after audience generation to avoid waiting out the
	// real cancellation window poll loop in a unit test.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	exec.Run(ctx, a, "exec-2")

	assert.NotContains(t, active.phases, activetable.PhaseTestSending)
	assert.Contains(t, active.phases, activetable.PhaseAudienceGeneration)
}

func TestRun_EmergencyStopFailsDuringCancellationWindow(t *testing.T) {
	active := &fakeActive{emergency: true}
	progress := &fakeProgress{}
	history := &fakeHistory{}
	a := testAutomation()

	gen := &fakeGenerator{result: audience.InProcessResult{Success: true, AudienceSize: 10}}
	registry := audience.NewMapRegistry(map[string]audience.InProcessGenerator{"script-1": gen})
	exec := newTestExecutor(t, active, progress, history, registry)

	exec.Run(context.Background(), a, "exec-3")

	require.True(t, history.complete)
	assert.Equal(t, "failed", history.status)
	assert.True(t, active.windowClosed)
}

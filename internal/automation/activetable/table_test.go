package activetable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_RejectsSecondExecutionForSameAutomation(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Register("a1", "exec-1", time.Now(), func() {}))

	err := tbl.Register("a1", "exec-2", time.Now(), func() {})
	assert.Error(t, err, "a second concurrent execution for the same automation must be rejected")
	assert.Equal(t, 1, tbl.Len())
}

func TestRegister_AllowsConcurrentExecutionsForDifferentAutomations(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Register("a1", "exec-1", time.Now(), func() {}))
	require.NoError(t, tbl.Register("a2", "exec-2", time.Now(), func() {}))
	assert.Equal(t, 2, tbl.Len())
}

func TestSetPhase_IsNoOpWithoutRegisteredEntry(t *testing.T) {
	tbl := New()
	tbl.SetPhase("ghost", PhaseLiveExecution)
	_, ok := tbl.Status("ghost")
	assert.False(t, ok)
}

func TestStatus_ReflectsPhaseAndCancellationWindow(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Register("a1", "exec-1", time.Now(), func() {}))

	tbl.SetPhase("a1", PhaseCancellationWindow)
	deadline := time.Now().Add(25 * time.Minute)
	tbl.SetCancellationWindow("a1", deadline)

	status, ok := tbl.Status("a1")
	require.True(t, ok)
	assert.Equal(t, PhaseCancellationWindow, status.Phase)
	assert.True(t, status.CanCancel)
	assert.Equal(t, deadline, status.CancellationDeadline)

	tbl.CloseCancellationWindow("a1")
	status, ok = tbl.Status("a1")
	require.True(t, ok)
	assert.False(t, status.CanCancel)
}

func TestRequestEmergencyStop_ReportsFalseForUnknownAutomation(t *testing.T) {
	tbl := New()
	assert.False(t, tbl.RequestEmergencyStop("ghost"))
	assert.False(t, tbl.EmergencyStopRequested("ghost"))
}

func TestRequestEmergencyStop_FlagsRegisteredExecution(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Register("a1", "exec-1", time.Now(), func() {}))

	assert.True(t, tbl.RequestEmergencyStop("a1"))
	assert.True(t, tbl.EmergencyStopRequested("a1"))
}

func TestTerminate_SignalsAbortAndRemovesEntry(t *testing.T) {
	tbl := New()
	_, cancel := context.WithCancel(context.Background())
	aborted := false
	require.NoError(t, tbl.Register("a1", "exec-1", time.Now(), func() {
		aborted = true
		cancel()
	}))

	tbl.Terminate("a1", "operator requested cancellation")
	assert.True(t, aborted)
	_, ok := tbl.Status("a1")
	assert.False(t, ok)
}

func TestTerminate_IsIdempotentOnAbsentEntry(t *testing.T) {
	tbl := New()
	assert.NotPanics(t, func() { tbl.Terminate("ghost", "reason") })
}

func TestRelease_RemovesEntryWithoutSignallingAbort(t *testing.T) {
	tbl := New()
	aborted := false
	require.NoError(t, tbl.Register("a1", "exec-1", time.Now(), func() { aborted = true }))

	tbl.Release("a1")
	assert.False(t, aborted)
	_, ok := tbl.Status("a1")
	assert.False(t, ok)
}

func TestIsActive_TracksRegisterAndRelease(t *testing.T) {
	tbl := New()
	assert.False(t, tbl.IsActive("a1"))

	require.NoError(t, tbl.Register("a1", "exec-1", time.Now(), func() {}))
	assert.True(t, tbl.IsActive("a1"))

	tbl.Release("a1")
	assert.False(t, tbl.IsActive("a1"))
}

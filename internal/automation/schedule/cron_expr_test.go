package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation"
)

func leadTime(minutes int) *int { return &minutes }

func TestCronExpression_HappyPathDaily(t *testing.T) {
	s := automation.Schedule{
		Frequency:       automation.FrequencyDaily,
		ExecutionTime:   "14:30",
		LeadTimeMinutes: leadTime(30),
	}
	expr, err := CronExpressionForMode(s, false)
	require.NoError(t, err)
	assert.Equal(t, "0 14 * * *", expr)
}

func TestCronExpression_DayRollover(t *testing.T) {
	s := automation.Schedule{
		Frequency:       automation.FrequencyDaily,
		ExecutionTime:   "00:15",
		LeadTimeMinutes: leadTime(30),
	}
	expr, err := CronExpressionForMode(s, false)
	require.NoError(t, err)
	assert.Equal(t, "45 23 * * *", expr)
}

func TestCronExpression_TestModeCompressesLeadTime(t *testing.T) {
	s := automation.Schedule{
		Frequency:       automation.FrequencyDaily,
		ExecutionTime:   "14:30",
		LeadTimeMinutes: leadTime(30),
	}
	expr, err := CronExpressionForMode(s, true)
	require.NoError(t, err)
	assert.Equal(t, "27 14 * * *", expr)
}

func TestCronExpression_Weekly(t *testing.T) {
	s := automation.Schedule{
		Frequency:       automation.FrequencyWeekly,
		ExecutionTime:   "09:00",
		LeadTimeMinutes: leadTime(0),
	}
	expr, err := CronExpressionForMode(s, false)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * 1", expr)
}

func TestCronExpression_Monthly(t *testing.T) {
	s := automation.Schedule{
		Frequency:       automation.FrequencyMonthly,
		ExecutionTime:   "09:00",
		LeadTimeMinutes: leadTime(0),
	}
	expr, err := CronExpressionForMode(s, false)
	require.NoError(t, err)
	assert.Equal(t, "0 9 1 * *", expr)
}

func TestCronExpression_Once(t *testing.T) {
	start := time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC)
	s := automation.Schedule{
		Frequency:       automation.FrequencyOnce,
		ExecutionTime:   "09:00",
		LeadTimeMinutes: leadTime(0),
		StartDate:       &start,
	}
	expr, err := CronExpressionForMode(s, false)
	require.NoError(t, err)
	assert.Equal(t, "0 9 5 3 *", expr)
}

func TestCronExpression_Custom(t *testing.T) {
	s := automation.Schedule{
		Frequency:      automation.FrequencyCustom,
		ExecutionTime:  "09:00",
		CronExpression: "*/5 * * * *",
	}
	expr, err := CronExpressionForMode(s, false)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", expr)
}

func TestCronExpression_MissingStartDateForOnce(t *testing.T) {
	s := automation.Schedule{
		Frequency:       automation.FrequencyOnce,
		ExecutionTime:   "09:00",
		LeadTimeMinutes: leadTime(0),
	}
	_, err := CronExpressionForMode(s, false)
	assert.Error(t, err)
}

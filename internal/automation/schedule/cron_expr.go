package schedule

import (
	"fmt"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation"
)

// testModeLeadTimeMinutes is the compressed lead time used when
// audienceCriteria.testMode is true (spec.md §4.1).
const testModeLeadTimeMinutes = 3

// CronExpression reproduces spec.md §4.1's cron-expression algorithm
// exactly, including the day-rollover case (§8 scenario 2).
func CronExpression(s automation.Schedule) (string, error) {
	if s.Frequency == automation.FrequencyCustom {
		if s.CronExpression == "" {
			return "", fmt.Errorf("custom frequency requires a cronExpression")
		}
		return s.CronExpression, nil
	}

	sendHour, sendMinute, err := s.SendHourMinute()
	if err != nil {
		return "", err
	}

	startHour, startMinute := startTime(sendHour, sendMinute, s.EffectiveLeadTimeMinutes())

	switch s.Frequency {
	case automation.FrequencyOnce:
		if s.StartDate == nil {
			return "", fmt.Errorf("once frequency requires startDate")
		}
		day := s.StartDate.Day()
		month := int(s.StartDate.Month())
		return fmt.Sprintf("%d %d %d %d *", startMinute, startHour, day, month), nil
	case automation.FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", startMinute, startHour), nil
	case automation.FrequencyWeekly:
		return fmt.Sprintf("%d %d * * 1", startMinute, startHour), nil
	case automation.FrequencyMonthly:
		return fmt.Sprintf("%d %d 1 * *", startMinute, startHour), nil
	default:
		return "", fmt.Errorf("unknown frequency %q", s.Frequency)
	}
}

// CronExpressionForMode is CronExpression but with the lead time forced to
// the test-mode value, per spec.md §4.1 ("leadTime = testMode ? 3 : ...").
func CronExpressionForMode(s automation.Schedule, testMode bool) (string, error) {
	if !testMode || s.Frequency == automation.FrequencyCustom {
		return CronExpression(s)
	}
	clone := s
	lead := testModeLeadTimeMinutes
	clone.LeadTimeMinutes = &lead
	return CronExpression(clone)
}

// startTime computes (startHour, startMinute) from the send time and lead
// time, rolling over to the previous day when the subtraction goes
// negative (spec.md §4.1, §8 scenario 2: executionTime=00:15,
// leadTimeMinutes=30 ⇒ 23:45 the previous day).
func startTime(sendHour, sendMinute, leadTimeMinutes int) (hour, minute int) {
	sendMinutes := sendHour*60 + sendMinute
	startMinutes := sendMinutes - leadTimeMinutes
	if startMinutes < 0 {
		startMinutes += 24 * 60
	}
	return startMinutes / 60, startMinutes % 60
}

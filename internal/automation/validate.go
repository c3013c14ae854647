package automation

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the struct tags above plus the scheduling-specific rules
// from spec.md §4.1 step 3 (id/name non-empty, executionTime well-formed,
// pushSequence non-empty) that don't fit a single validator tag.
func (a Automation) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("automation validation failed: %w", err)
	}
	if _, _, err := a.Schedule.SendHourMinute(); err != nil {
		return err
	}
	if a.Schedule.Frequency == FrequencyOnce && a.Schedule.StartDate == nil {
		return fmt.Errorf("automation %s: frequency=once requires startDate", a.ID)
	}
	if a.Schedule.Frequency == FrequencyCustom && a.Schedule.CronExpression == "" {
		return fmt.Errorf("automation %s: frequency=custom requires cronExpression", a.ID)
	}
	if len(a.PushSequence) == 0 {
		return fmt.Errorf("automation %s: pushSequence must be non-empty", a.ID)
	}
	return nil
}

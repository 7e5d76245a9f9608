package types

import "time"

// Schedule frequencies
const (
	FrequencyHourly  = "hourly"
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
	FrequencyCustom  = "custom"
)

// WorkflowSchedule describes when a workflow fires on its own.
// RunOnDays uses 0 for Monday through 6 for Sunday.
type WorkflowSchedule struct {
	ID              uint64                 `json:"id"`
	WorkflowID      uint64                 `json:"workflow_id"`
	Name            string                 `json:"name"`
	Frequency       string                 `json:"frequency"`
	CronExpression  string                 `json:"cron_expression,omitempty"`
	RunAtHour       int                    `json:"run_at_hour"`
	RunAtMinute     int                    `json:"run_at_minute"`
	RunOnDays       []int                  `json:"run_on_days,omitempty"`
	RunOnDayOfMonth int                    `json:"run_on_day_of_month,omitempty"`
	Timezone        string                 `json:"timezone,omitempty"`
	InputData       map[string]interface{} `json:"input_data,omitempty"`
	LastRun         *time.Time             `json:"last_run,omitempty"`
	NextRun         time.Time              `json:"next_run"`
	IsActive        bool                   `json:"is_active"`
	FailureCount    int                    `json:"failure_count"`
	CreatedAt       time.Time              `json:"created_at"`
}

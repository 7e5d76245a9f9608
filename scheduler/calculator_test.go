package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/automation-engine/types"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextRun(t *testing.T) {
	tests := []struct {
		name  string
		sched types.WorkflowSchedule
		now   string
		want  string
	}{
		{
			name:  "hourly later this hour",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyHourly, RunAtMinute: 30},
			now:   "2024-01-01T10:15:00Z",
			want:  "2024-01-01T10:30:00Z",
		},
		{
			name:  "hourly passed",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyHourly, RunAtMinute: 15},
			now:   "2024-01-01T10:15:00Z",
			want:  "2024-01-01T11:15:00Z",
		},
		{
			name:  "daily today",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyDaily, RunAtHour: 9},
			now:   "2024-01-01T08:00:00Z",
			want:  "2024-01-01T09:00:00Z",
		},
		{
			name:  "daily tomorrow across month end",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyDaily, RunAtHour: 9},
			now:   "2024-01-31T09:00:00Z",
			want:  "2024-02-01T09:00:00Z",
		},
		{
			// 2024-01-03 is a Wednesday.
			name:  "weekly next matching day",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyWeekly, RunAtHour: 9, RunOnDays: []int{0, 4}},
			now:   "2024-01-03T12:00:00Z",
			want:  "2024-01-05T09:00:00Z",
		},
		{
			name:  "weekly same day later",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyWeekly, RunAtHour: 18, RunOnDays: []int{2}},
			now:   "2024-01-03T12:00:00Z",
			want:  "2024-01-03T18:00:00Z",
		},
		{
			name:  "weekly same day passed wraps a week",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyWeekly, RunAtHour: 9, RunOnDays: []int{2}},
			now:   "2024-01-03T12:00:00Z",
			want:  "2024-01-10T09:00:00Z",
		},
		{
			name:  "weekly without days means monday",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyWeekly, RunAtHour: 9},
			now:   "2024-01-03T12:00:00Z",
			want:  "2024-01-08T09:00:00Z",
		},
		{
			name:  "monthly clamps to april 30",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyMonthly, RunAtHour: 9, RunOnDayOfMonth: 31},
			now:   "2024-04-01T08:00:00Z",
			want:  "2024-04-30T09:00:00Z",
		},
		{
			name:  "monthly passed moves to next month",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyMonthly, RunAtHour: 9, RunOnDayOfMonth: 31},
			now:   "2024-01-31T10:00:00Z",
			want:  "2024-02-29T09:00:00Z",
		},
		{
			name:  "monthly december rolls the year",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyMonthly, RunAtHour: 0, RunOnDayOfMonth: 1},
			now:   "2024-12-15T00:00:00Z",
			want:  "2025-01-01T00:00:00Z",
		},
		{
			name:  "custom cron",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyCustom, CronExpression: "*/15 * * * *"},
			now:   "2024-01-01T10:07:00Z",
			want:  "2024-01-01T10:15:00Z",
		},
		{
			name:  "custom descriptor",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyCustom, CronExpression: "@daily"},
			now:   "2024-01-01T10:07:00Z",
			want:  "2024-01-02T00:00:00Z",
		},
		{
			name:  "malformed cron waits a day",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyCustom, CronExpression: "not a cron"},
			now:   "2024-01-01T10:07:00Z",
			want:  "2024-01-02T10:07:00Z",
		},
		{
			name:  "timezone",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyDaily, RunAtHour: 9, Timezone: "America/New_York"},
			now:   "2024-01-01T12:00:00Z",
			want:  "2024-01-01T14:00:00Z",
		},
		{
			// 01:00-02:00 repeats on 2024-11-03 in New York; 06:40Z is the second 01:40.
			name:  "hourly in repeated hour passed minute",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyHourly, RunAtMinute: 30, Timezone: "America/New_York"},
			now:   "2024-11-03T06:40:00Z",
			want:  "2024-11-03T07:30:00Z",
		},
		{
			name:  "hourly in repeated hour later minute",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyHourly, RunAtMinute: 45, Timezone: "America/New_York"},
			now:   "2024-11-03T06:40:00Z",
			want:  "2024-11-03T06:45:00Z",
		},
		{
			name:  "hourly before repeated hour",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyHourly, RunAtMinute: 30, Timezone: "America/New_York"},
			now:   "2024-11-03T05:40:00Z",
			want:  "2024-11-03T06:30:00Z",
		},
		{
			name:  "hourly half hour offset zone",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyHourly, RunAtMinute: 10, Timezone: "Asia/Kolkata"},
			now:   "2024-01-01T10:35:00Z",
			want:  "2024-01-01T10:40:00Z",
		},
		{
			// Clocks jump from 02:00 to 03:00 on 2024-03-10 in New York.
			name:  "dst gap moves forward",
			sched: types.WorkflowSchedule{Frequency: types.FrequencyDaily, RunAtHour: 2, RunAtMinute: 30, Timezone: "America/New_York"},
			now:   "2024-03-10T05:00:00Z",
			want:  "2024-03-10T07:30:00Z",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := at(tt.now)
			got := NextRun(tt.sched, now)
			assert.True(t, got.Equal(at(tt.want)), "got %s, want %s", got.UTC().Format(time.RFC3339), tt.want)
			assert.True(t, got.After(now))
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	valid := types.WorkflowSchedule{WorkflowID: 1, Frequency: types.FrequencyDaily, RunAtHour: 9}
	assert.NoError(t, ValidateSchedule(valid))

	tests := []struct {
		name   string
		mutate func(*types.WorkflowSchedule)
	}{
		{"no workflow", func(s *types.WorkflowSchedule) { s.WorkflowID = 0 }},
		{"hour", func(s *types.WorkflowSchedule) { s.RunAtHour = 24 }},
		{"minute", func(s *types.WorkflowSchedule) { s.RunAtMinute = -1 }},
		{"timezone", func(s *types.WorkflowSchedule) { s.Timezone = "Mars/Olympus" }},
		{"frequency", func(s *types.WorkflowSchedule) { s.Frequency = "yearly" }},
		{"weekly without days", func(s *types.WorkflowSchedule) { s.Frequency = types.FrequencyWeekly }},
		{"weekly bad day", func(s *types.WorkflowSchedule) {
			s.Frequency = types.FrequencyWeekly
			s.RunOnDays = []int{7}
		}},
		{"monthly day", func(s *types.WorkflowSchedule) {
			s.Frequency = types.FrequencyMonthly
			s.RunOnDayOfMonth = 32
		}},
		{"custom empty", func(s *types.WorkflowSchedule) { s.Frequency = types.FrequencyCustom }},
		{"custom malformed", func(s *types.WorkflowSchedule) {
			s.Frequency = types.FrequencyCustom
			s.CronExpression = "61 * * * *"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := ValidateSchedule(s)
			assert.True(t, errors.Is(err, ErrInvalidSchedule), "got %v", err)
		})
	}
}

func TestValidateTimingIgnoresWorkflow(t *testing.T) {
	s := types.WorkflowSchedule{Frequency: types.FrequencyHourly, RunAtMinute: 15}
	assert.NoError(t, ValidateTiming(s))
	assert.ErrorIs(t, ValidateSchedule(s), ErrInvalidSchedule)
}

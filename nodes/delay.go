package nodes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Delay kinds.
const (
	DelayDuration  = "duration"
	DelayUntilTime = "until_time"
	DelayUntilDate = "until_date"
)

const fallbackDelay = 5 * time.Minute

var delayUnits = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

var delaySchema = Schema{
	Type:        TypeDelay,
	Description: "Wait before continuing",
	Icon:        "clock",
	Category:    "flow",
	Inputs:      defaultInput(),
	Outputs: []Port{
		{ID: PortDefault, Name: "Output", Description: "Runs after the delay", Type: "any"},
	},
	ConfigOptions: []ConfigOption{
		{ID: "delay_type", Name: "Delay type", Type: "select", Required: true, Default: DelayDuration,
			Options: []Option{
				{Label: "Duration", Value: DelayDuration},
				{Label: "Until time of day", Value: DelayUntilTime},
				{Label: "Until date", Value: DelayUntilDate},
			}},
		{ID: "duration_value", Name: "Amount", Type: "number", Required: true, Default: 5, Conditional: &Conditional{Field: "delay_type", Value: DelayDuration}},
		{ID: "duration_unit", Name: "Unit", Type: "select", Required: true, Default: "minutes",
			Options: []Option{
				{Label: "Seconds", Value: "seconds"},
				{Label: "Minutes", Value: "minutes"},
				{Label: "Hours", Value: "hours"},
				{Label: "Days", Value: "days"},
			},
			Conditional: &Conditional{Field: "delay_type", Value: DelayDuration}},
		{ID: "time_value", Name: "Time", Description: "24h time, HH:MM", Type: "string", Required: true, Default: "09:00", Conditional: &Conditional{Field: "delay_type", Value: DelayUntilTime}},
		{ID: "date_value", Name: "Date", Description: "YYYY-MM-DD", Type: "date", Required: true, Conditional: &Conditional{Field: "delay_type", Value: DelayUntilDate}},
		{ID: "time_of_day", Name: "Time", Description: "24h time, HH:MM", Type: "string", Required: true, Default: "09:00", Conditional: &Conditional{Field: "delay_type", Value: DelayUntilDate}},
		{ID: "business_days_only", Name: "Business days only", Description: "Weekend days do not count", Type: "boolean", Default: false, Conditional: &Conditional{Field: "delay_type", Value: DelayDuration}},
	},
}

type delayNode struct {
	base
	clock  func() time.Time
	mode   string
	logger hclog.Logger
}

func newDelayNode(id string, data map[string]interface{}, svc Services) *delayNode {
	return &delayNode{
		base:   newBase(id, data, delaySchema),
		clock:  svc.Clock,
		mode:   svc.DelayMode,
		logger: svc.Logger.Named("delay"),
	}
}

func (n *delayNode) kind() string {
	return n.str("delay_type", DelayDuration)
}

func (n *delayNode) Validate() bool {
	return len(n.ValidationErrors()) == 0
}

func (n *delayNode) ValidationErrors() []string {
	var errs []string
	switch n.kind() {
	case DelayDuration:
		if !n.has("duration_value") {
			errs = append(errs, "delay amount is required")
		} else if v, ok := toNumber(n.data["duration_value"]); !ok || v <= 0 {
			errs = append(errs, "delay amount must be greater than zero")
		}
		if _, ok := delayUnits[n.str("duration_unit", "minutes")]; !ok {
			errs = append(errs, "a valid delay unit is required")
		}
	case DelayUntilTime:
		if tv := n.str("time_value", ""); tv == "" {
			errs = append(errs, "time is required")
		} else if _, _, err := parseClock(tv); err != nil {
			errs = append(errs, "time must use the HH:MM format")
		}
	case DelayUntilDate:
		if dv := n.str("date_value", ""); dv == "" {
			errs = append(errs, "date is required")
		} else if _, err := time.Parse("2006-01-02", dv); err != nil {
			errs = append(errs, "date must use the YYYY-MM-DD format")
		}
		if tv := n.str("time_of_day", ""); tv == "" {
			errs = append(errs, "time is required")
		} else if _, _, err := parseClock(tv); err != nil {
			errs = append(errs, "time must use the HH:MM format")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid delay type %q", n.kind()))
	}
	return errs
}

func (n *delayNode) Execute(ctx context.Context, scope Scope, input map[string]interface{}) (Outputs, error) {
	if input == nil {
		input = map[string]interface{}{}
	}
	now := n.clock()
	target := n.target(now)
	delay := target.Sub(now)

	n.logger.Debug("delay computed", "node_id", n.id, "target", target, "seconds", delay.Seconds(), "mode", n.mode)

	if n.mode == DelayModeWait && delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return Outputs{PortDefault: {
		"message":       "Delayed until " + target.Format(time.RFC3339),
		"target_time":   target.Format(time.RFC3339),
		"delay_seconds": delay.Seconds(),
		"delay_type":    n.kind(),
		"mode":          n.mode,
		"input_data":    input,
	}}, nil
}

// target computes when the delay ends. Unusable configuration falls back to
// five minutes from now.
func (n *delayNode) target(now time.Time) time.Time {
	switch n.kind() {
	case DelayDuration:
		unit, ok := delayUnits[n.str("duration_unit", "minutes")]
		amount := n.number("duration_value", 5)
		if !ok {
			return now.Add(fallbackDelay)
		}
		target := now.Add(time.Duration(amount * float64(unit)))
		if n.boolean("business_days_only", false) {
			extra := 0
			for cur := now; cur.Before(target); {
				cur = cur.AddDate(0, 0, 1)
				if isWeekend(cur) {
					extra++
				}
			}
			target = target.AddDate(0, 0, extra)
		}
		return target

	case DelayUntilTime:
		h, m, err := parseClock(n.str("time_value", "09:00"))
		if err != nil {
			n.logger.Warn("invalid time value", "node_id", n.id, "error", err)
			return now.Add(fallbackDelay)
		}
		target := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target

	case DelayUntilDate:
		day, err := time.ParseInLocation("2006-01-02", n.str("date_value", ""), now.Location())
		if err != nil {
			n.logger.Warn("invalid date value", "node_id", n.id, "error", err)
			return now.Add(fallbackDelay)
		}
		h, m, err := parseClock(n.str("time_of_day", "09:00"))
		if err != nil {
			n.logger.Warn("invalid time of day", "node_id", n.id, "error", err)
			return now.Add(fallbackDelay)
		}
		target := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, now.Location())
		if !target.After(now) {
			n.logger.Warn("delay target is in the past", "node_id", n.id, "target", target)
			return now.Add(fallbackDelay)
		}
		return target
	}

	n.logger.Warn("unknown delay type", "node_id", n.id, "delay_type", n.kind())
	return now.Add(fallbackDelay)
}

func parseClock(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", s)
	}
	return h, m, nil
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

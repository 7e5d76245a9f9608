package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/songzhibin97/automation-engine/services"
)

// Due date modes.
const (
	DueSpecificDate = "specific_date"
	DueRelative     = "relative"
	DueNone         = "none"
)

// Repetition end modes.
const (
	RepeatUntilDate = "until_date"
	RepeatCount     = "count"
	RepeatNever     = "never"
)

// Assignee modes.
const (
	AssignCurrentUser  = "current_user"
	AssignSpecificUser = "specific_user"
	AssignClientOwner  = "client_owner"
)

const dateLayout = "2006-01-02"

var taskSchema = Schema{
	Type:        TypeTask,
	Description: "Create a task",
	Icon:        "check-square",
	Category:    "actions",
	Inputs:      defaultInput(),
	Outputs:     resultOutputs("Creating the task"),
	ConfigOptions: []ConfigOption{
		{ID: "name", Name: "Title", Type: "string", Required: true, SupportsVariables: true},
		{ID: "body", Name: "Body", Type: "text", Required: true, SupportsVariables: true},
		{ID: "due_date_type", Name: "Due date", Type: "select", Required: true, Default: DueRelative,
			Options: []Option{
				{Label: "Specific date", Value: DueSpecificDate},
				{Label: "Relative to now", Value: DueRelative},
				{Label: "None", Value: DueNone},
			}},
		{ID: "specific_due_date", Name: "Due date", Description: "YYYY-MM-DD", Type: "date", Required: true, SupportsVariables: true,
			Conditional: &Conditional{Field: "due_date_type", Value: DueSpecificDate}},
		{ID: "relative_days", Name: "Days", Description: "Days from now", Type: "number", Required: true, Default: 7,
			Conditional: &Conditional{Field: "due_date_type", Value: DueRelative}},
		{ID: "business_days_only", Name: "Business days only", Description: "Skip Saturdays and Sundays", Type: "boolean", Default: false,
			Conditional: &Conditional{Field: "due_date_type", Value: DueRelative}},
		{ID: "is_repetitive", Name: "Repeat", Type: "boolean", Default: false},
		{ID: "repetition_interval", Name: "Repeat every (days)", Type: "number", Required: true, Default: 30,
			Conditional: &Conditional{Field: "is_repetitive", Value: true}},
		{ID: "repetition_end_date_type", Name: "Repeat until", Type: "select", Required: true, Default: RepeatNever,
			Options: []Option{
				{Label: "Until date", Value: RepeatUntilDate},
				{Label: "Number of times", Value: RepeatCount},
				{Label: "Forever", Value: RepeatNever},
			},
			Conditional: &Conditional{Field: "is_repetitive", Value: true}},
		{ID: "repetition_end_date", Name: "End date", Description: "YYYY-MM-DD", Type: "date", Required: true, SupportsVariables: true,
			Conditional: &Conditional{Field: "repetition_end_date_type", Value: RepeatUntilDate}},
		{ID: "repetition_count", Name: "Times", Type: "number", Required: true, Default: 12,
			Conditional: &Conditional{Field: "repetition_end_date_type", Value: RepeatCount}},
		{ID: "assignee_type", Name: "Assignee", Type: "select", Required: true, Default: AssignCurrentUser,
			Options: []Option{
				{Label: "Current user", Value: AssignCurrentUser},
				{Label: "Specific user", Value: AssignSpecificUser},
				{Label: "Client owner", Value: AssignClientOwner},
			}},
		{ID: "assignee_id", Name: "Assignee id", Type: "string", Required: true, SupportsVariables: true,
			Conditional: &Conditional{Field: "assignee_type", Value: AssignSpecificUser}},
		{ID: "client_id", Name: "Client id", Type: "string", SupportsVariables: true},
		{ID: "initial_status", Name: "Initial status", Type: "select", Required: true, Default: "not_started",
			Options: []Option{
				{Label: "Not started", Value: "not_started"},
				{Label: "In progress", Value: "in_progress"},
			}},
		{ID: "with_current_workflow", Name: "Link to this run", Type: "boolean", Default: true},
	},
}

type taskNode struct {
	base
	creator services.TaskCreator
	clock   func() time.Time
	logger  hclog.Logger
}

func newTaskNode(id string, data map[string]interface{}, svc Services) *taskNode {
	return &taskNode{
		base:    newBase(id, data, taskSchema),
		creator: svc.Tasks,
		clock:   svc.Clock,
		logger:  svc.Logger.Named("task"),
	}
}

func (n *taskNode) Validate() bool {
	return len(n.ValidationErrors()) == 0
}

func (n *taskNode) ValidationErrors() []string {
	var errs []string
	if !n.set("name") {
		errs = append(errs, "task name is required")
	}
	if !n.set("body") {
		errs = append(errs, "task body is required")
	}
	switch due := n.str("due_date_type", DueRelative); due {
	case DueSpecificDate:
		if !n.set("specific_due_date") {
			errs = append(errs, "due date is required")
		}
	case DueRelative:
		if n.number("relative_days", 7) < 0 {
			errs = append(errs, "relative days must not be negative")
		}
	case DueNone:
	default:
		errs = append(errs, fmt.Sprintf("invalid due date type %q", due))
	}
	if n.boolean("is_repetitive", false) {
		if n.number("repetition_interval", 30) <= 0 {
			errs = append(errs, "repetition interval must be greater than zero")
		}
		switch end := n.str("repetition_end_date_type", RepeatNever); end {
		case RepeatUntilDate:
			if !n.set("repetition_end_date") {
				errs = append(errs, "repetition end date is required")
			}
		case RepeatCount, RepeatNever:
		default:
			errs = append(errs, fmt.Sprintf("invalid repetition end type %q", end))
		}
	}
	switch assignee := n.str("assignee_type", AssignCurrentUser); assignee {
	case AssignSpecificUser:
		if !n.set("assignee_id") {
			errs = append(errs, "assignee id is required")
		}
	case AssignCurrentUser, AssignClientOwner:
	default:
		errs = append(errs, fmt.Sprintf("invalid assignee type %q", assignee))
	}
	return errs
}

func (n *taskNode) Execute(ctx context.Context, scope Scope, input map[string]interface{}) (Outputs, error) {
	if input == nil {
		input = map[string]interface{}{}
	}
	r := NewResolver(scope, input)

	req := services.TaskRequest{
		Name:     r.String(n.data["name"]),
		Body:     r.String(n.data["body"]),
		ClientID: n.clientID(r, scope, input),
		Status:   n.str("initial_status", "not_started"),
	}
	req.DueDate = n.dueDate(r)
	req.AssigneeID = n.assignee(r, scope)

	if n.boolean("is_repetitive", false) {
		req.IsRepetitive = true
		req.RepetitionInterval = int(n.number("repetition_interval", 30))
		req.RepetitionEndDate = n.repetitionEnd(r, req.DueDate, req.RepetitionInterval)
	}
	if n.boolean("with_current_workflow", true) {
		req.WorkflowExecutionID = scope.ExecutionID
	}

	taskID, err := n.creator.CreateTask(ctx, req)
	if err != nil {
		n.logger.Error("create task failed", "node_id", n.id, "name", req.Name, "error", err)
		return failure("Failed to create task: ", err, input), nil
	}
	n.logger.Info("task created", "node_id", n.id, "task_id", taskID, "assignee_id", req.AssigneeID)

	var due interface{}
	if req.DueDate != nil {
		due = req.DueDate.Format(dateLayout)
	}
	var assignee interface{}
	if req.AssigneeID != "" {
		assignee = req.AssigneeID
	}
	return Outputs{PortSuccess: {
		"message":     "Task created: " + req.Name,
		"task_id":     taskID,
		"name":        req.Name,
		"due_date":    due,
		"assignee_id": assignee,
		"input_data":  input,
	}}, nil
}

func (n *taskNode) clientID(r *Resolver, scope Scope, input map[string]interface{}) string {
	if id := r.String(n.data["client_id"]); id != "" {
		return id
	}
	if v := input["client_id"]; truthy(v) {
		return toString(v)
	}
	return toString(scope.Client["id"])
}

func (n *taskNode) dueDate(r *Resolver) *time.Time {
	switch n.str("due_date_type", DueRelative) {
	case DueSpecificDate:
		raw := r.String(n.data["specific_due_date"])
		d, err := time.ParseInLocation(dateLayout, raw, n.clock().Location())
		if err != nil {
			n.logger.Warn("invalid due date", "node_id", n.id, "value", raw)
			return nil
		}
		return &d
	case DueRelative:
		now := n.clock()
		d := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		days := int(n.number("relative_days", 7))
		if !n.boolean("business_days_only", false) {
			d = d.AddDate(0, 0, days)
			return &d
		}
		for remaining := days; remaining > 0; {
			d = d.AddDate(0, 0, 1)
			if !isWeekend(d) {
				remaining--
			}
		}
		return &d
	}
	return nil
}

// repetitionEnd returns nil for open-ended repetition and when a count is
// given without a due date to count from.
func (n *taskNode) repetitionEnd(r *Resolver, due *time.Time, interval int) *time.Time {
	switch n.str("repetition_end_date_type", RepeatNever) {
	case RepeatUntilDate:
		raw := r.String(n.data["repetition_end_date"])
		d, err := time.ParseInLocation(dateLayout, raw, n.clock().Location())
		if err != nil {
			n.logger.Warn("invalid repetition end date", "node_id", n.id, "value", raw)
			return nil
		}
		return &d
	case RepeatCount:
		count := int(n.number("repetition_count", 12))
		if due == nil || count <= 0 {
			return nil
		}
		end := due.AddDate(0, 0, interval*count)
		return &end
	}
	return nil
}

func (n *taskNode) assignee(r *Resolver, scope Scope) string {
	switch n.str("assignee_type", AssignCurrentUser) {
	case AssignSpecificUser:
		return r.String(n.data["assignee_id"])
	case AssignClientOwner:
		return toString(scope.Client["owner_id"])
	default:
		return toString(scope.User["id"])
	}
}

// Package services holds the side-effect boundary of the engine: outbound
// email, Slack and HTTP calls, task creation and record lookups. Nodes only
// talk to these interfaces, so runs can be simulated or tested without
// touching the outside world.
package services

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrRecordNotFound is returned by RecordLookup when no record matches.
	ErrRecordNotFound = errors.New("record not found")
	// ErrMissingWebhook is returned when a Slack message has nowhere to go.
	ErrMissingWebhook = errors.New("slack webhook url not configured")
)

// Receipt acknowledges an outbound message.
type Receipt struct {
	ID        string `json:"id,omitempty"`
	Simulated bool   `json:"simulated"`
}

// EmailMessage is an outbound email.
type EmailMessage struct {
	To          string
	Subject     string
	Body        string
	From        string
	CC          []string
	BCC         []string
	TrackOpens  bool
	TrackClicks bool
}

// EmailSender delivers emails.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) (Receipt, error)
}

// SlackMessage is an outbound Slack post.
type SlackMessage struct {
	Channel     string
	Message     string
	Username    string
	IconEmoji   string
	Attachments interface{}
	WebhookURL  string
}

// SlackSender delivers Slack messages.
type SlackSender interface {
	SendSlack(ctx context.Context, msg SlackMessage) (Receipt, error)
}

// Authentication kinds understood by HTTPCaller.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
)

// Auth describes request authentication.
type Auth struct {
	Type        string
	Username    string
	Password    string
	Token       string
	APIKeyName  string
	APIKeyValue string
}

// HTTPRequest is an outbound HTTP call.
type HTTPRequest struct {
	URL             string
	Method          string
	Headers         map[string]string
	Query           map[string]string
	Body            []byte
	Auth            Auth
	Timeout         time.Duration
	FollowRedirects bool
}

// HTTPResponse is the result of an HTTPCaller call.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *HTTPResponse) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPCaller performs HTTP calls.
type HTTPCaller interface {
	Call(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// TaskRequest describes a task to create in the CRM.
type TaskRequest struct {
	Name                string     `json:"name"`
	Body                string     `json:"body"`
	ClientID            string     `json:"client_id,omitempty"`
	AssigneeID          string     `json:"assignee_id,omitempty"`
	Status              string     `json:"status"`
	DueDate             *time.Time `json:"due_date,omitempty"`
	IsRepetitive        bool       `json:"is_repetitive"`
	RepetitionInterval  int        `json:"repetition_interval,omitempty"`
	RepetitionEndDate   *time.Time `json:"repetition_end_date,omitempty"`
	WorkflowExecutionID string     `json:"workflow_execution_id,omitempty"`
}

// TaskCreator creates tasks and returns their id.
type TaskCreator interface {
	CreateTask(ctx context.Context, req TaskRequest) (string, error)
}

// RecordLookup resolves the CRM records a run is bound to.
type RecordLookup interface {
	Client(ctx context.Context, id string) (map[string]interface{}, error)
	User(ctx context.Context, id string) (map[string]interface{}, error)
	Task(ctx context.Context, id string) (map[string]interface{}, error)
}

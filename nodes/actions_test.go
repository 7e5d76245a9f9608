package nodes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/automation-engine/services"
)

func TestTriggerNode(t *testing.T) {
	node := newTriggerNode("start", map[string]interface{}{
		"client_id":    "c-1",
		"trigger_data": `{"source": "form", "campaign": "spring"}`,
	})
	assert.True(t, node.Validate())

	out, err := node.Execute(context.Background(), Scope{}, map[string]interface{}{"source": "api"})
	require.NoError(t, err)
	payload := out[PortDefault]
	assert.Equal(t, "c-1", payload["client_id"])
	assert.Equal(t, "api", payload["source"])
	assert.Equal(t, "spring", payload["campaign"])
	assert.Equal(t, map[string]interface{}{"source": "api", "campaign": "spring"}, payload["trigger_data"])
}

func TestTriggerNodeLeavesDefinitionUntouched(t *testing.T) {
	data := map[string]interface{}{
		"client_id":    "c-1",
		"trigger_data": map[string]interface{}{"meta": map[string]interface{}{"plan": "basic"}},
	}

	first := newTriggerNode("start", data)
	_, err := first.Execute(context.Background(), Scope{}, map[string]interface{}{
		"meta": map[string]interface{}{"secret": "first-run-only"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"plan": "basic"},
		data["trigger_data"].(map[string]interface{})["meta"])

	second := newTriggerNode("start", data)
	out, err := second.Execute(context.Background(), Scope{}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"plan": "basic"}, out[PortDefault]["meta"])
}

func TestTriggerClientIDSources(t *testing.T) {
	node := newTriggerNode("start", nil)

	out, err := node.Execute(context.Background(), Scope{}, map[string]interface{}{"client_id": "from-input"})
	require.NoError(t, err)
	assert.Equal(t, "from-input", out[PortDefault]["client_id"])

	out, err = node.Execute(context.Background(), testScope(), nil)
	require.NoError(t, err)
	assert.Equal(t, "c-42", out[PortDefault]["client_id"])

	_, err = node.Execute(context.Background(), Scope{}, nil)
	if !errors.Is(err, ErrNoClientID) {
		t.Fatalf("expected ErrNoClientID, got %v", err)
	}
}

func TestEmailNode(t *testing.T) {
	sender := &mockEmailSender{}
	node := newEmailNode("mail", map[string]interface{}{
		"to":          "{{client.email}}",
		"subject":     "Welcome {{client.name}}",
		"body":        "Hi {{input.first_name}}",
		"cc":          "a@acme.test, b@acme.test,",
		"track_opens": false,
	}, Services{Email: sender}.withDefaults())
	require.True(t, node.Validate())

	out, err := node.Execute(context.Background(), testScope(), map[string]interface{}{"first_name": "Kim"})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, "ops@acme.test", msg.To)
	assert.Equal(t, "Welcome Acme", msg.Subject)
	assert.Equal(t, "Hi Kim", msg.Body)
	assert.Equal(t, []string{"a@acme.test", "b@acme.test"}, msg.CC)
	assert.False(t, msg.TrackOpens)
	assert.True(t, msg.TrackClicks)

	payload := out[PortSuccess]
	assert.Equal(t, "Email sent to ops@acme.test", payload["message"])
	assert.Equal(t, "msg-1", payload["message_id"])
}

func TestEmailNodeFailure(t *testing.T) {
	sender := &mockEmailSender{err: errors.New("smtp down")}
	node := newEmailNode("mail", map[string]interface{}{"to": "x@y.test", "subject": "s", "body": "b"},
		Services{Email: sender}.withDefaults())

	out, err := node.Execute(context.Background(), testScope(), nil)
	require.NoError(t, err)
	_, ok := out[PortSuccess]
	assert.False(t, ok)
	assert.Equal(t, "Failed to send email: smtp down", out[PortError]["message"])
	assert.Equal(t, "smtp down", out[PortError]["exception"])
}

func TestEmailNodeValidation(t *testing.T) {
	node := newEmailNode("mail", map[string]interface{}{"to": "x@y.test"}, Services{}.withDefaults())
	assert.False(t, node.Validate())
	assert.Len(t, node.ValidationErrors(), 2)
}

func TestSlackNode(t *testing.T) {
	sender := &mockSlackSender{}
	node := newSlackNode("notify", map[string]interface{}{
		"channel":     "#sales",
		"message":     "New lead for {{client.name}}",
		"attachments": `[{"text": "{{user.name}}"}]`,
	}, Services{Slack: sender}.withDefaults())
	require.True(t, node.Validate())

	out, err := node.Execute(context.Background(), testScope(), nil)
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, "New lead for Acme", msg.Message)
	assert.Equal(t, defaultSlackUsername, msg.Username)
	assert.Equal(t, ":salesone:", msg.IconEmoji)
	assert.Equal(t, []interface{}{map[string]interface{}{"text": "Dana"}}, msg.Attachments)
	assert.Equal(t, "Slack message sent to #sales", out[PortSuccess]["message"])
}

func TestSlackNodeFailure(t *testing.T) {
	node := newSlackNode("notify", map[string]interface{}{"channel": "#x", "message": "m"},
		Services{Slack: &mockSlackSender{err: services.ErrMissingWebhook}}.withDefaults())

	out, err := node.Execute(context.Background(), testScope(), nil)
	require.NoError(t, err)
	assert.Contains(t, out[PortError]["message"], "Failed to send Slack message")
	assert.False(t, newSlackNode("n", nil, Services{}.withDefaults()).Validate())
}

func TestWebhookNodeRequest(t *testing.T) {
	caller := &mockCaller{resp: &services.HTTPResponse{StatusCode: 201, Body: []byte(`{"id": 9}`)}}
	node := newWebhookNode("hook", map[string]interface{}{
		"url":            "https://api.acme.test/clients/{{client.id}}",
		"method":         "put",
		"headers":        `{"X-Client": "{{client.name}}"}`,
		"query_params":   map[string]interface{}{"notify": true},
		"body":           `{"name": "{{client.name}}"}`,
		"authentication": services.AuthBearer,
		"auth_token":     "secret",
		"timeout":        5,
	}, Services{HTTP: caller}.withDefaults())
	require.True(t, node.Validate(), node.ValidationErrors())

	out, err := node.Execute(context.Background(), testScope(), nil)
	require.NoError(t, err)
	require.Len(t, caller.requests, 1)

	req := caller.requests[0]
	assert.Equal(t, "https://api.acme.test/clients/c-42", req.URL)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "Acme", req.Headers["X-Client"])
	assert.Equal(t, "true", req.Query["notify"])
	assert.JSONEq(t, `{"name": "Acme"}`, string(req.Body))
	assert.Equal(t, services.AuthBearer, req.Auth.Type)
	assert.Equal(t, "secret", req.Auth.Token)
	assert.True(t, req.FollowRedirects)

	payload := out[PortSuccess]
	assert.Equal(t, 201, payload["status_code"])
	assert.Equal(t, "API request succeeded with status code 201", payload["message"])
	assert.Equal(t, map[string]interface{}{"id": float64(9)}, payload["data"])
}

func TestWebhookNodeOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		caller  *mockCaller
		port    string
		message string
	}{
		{"server error", &mockCaller{resp: &services.HTTPResponse{StatusCode: 503, Body: []byte("down")}}, PortError, "API request failed with status code 503"},
		{"transport error", &mockCaller{err: errors.New("dial tcp: refused")}, PortError, "Failed to make API request: dial tcp: refused"},
		{"plain text body", &mockCaller{resp: &services.HTTPResponse{StatusCode: 200, Body: []byte("ok")}}, PortSuccess, "API request succeeded with status code 200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newWebhookNode("hook", map[string]interface{}{"url": "https://x.test", "method": "GET"},
				Services{HTTP: tt.caller}.withDefaults())
			out, err := node.Execute(context.Background(), testScope(), nil)
			require.NoError(t, err)
			require.Contains(t, out, tt.port)
			assert.Equal(t, tt.message, out[tt.port]["message"])
		})
	}
}

func TestWebhookNodeAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "text/plain; charset=utf-8", r.Header.Get("Content-Type"))
		assert.Equal(t, "hello Acme", string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"received": true}`))
	}))
	defer srv.Close()

	node := newWebhookNode("hook", map[string]interface{}{
		"url":  srv.URL + "/inbox",
		"body": "hello {{client.name}}",
	}, Services{}.withDefaults())

	out, err := node.Execute(context.Background(), testScope(), nil)
	require.NoError(t, err)
	require.Contains(t, out, PortSuccess)
	assert.Equal(t, map[string]interface{}{"received": true}, out[PortSuccess]["data"])
}

func TestWebhookNodeValidation(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
		errs int
	}{
		{"no url", map[string]interface{}{}, 1},
		{"bad method", map[string]interface{}{"url": "https://x.test", "method": "TRACE"}, 1},
		{"bad headers", map[string]interface{}{"url": "https://x.test", "headers": "{nope"}, 1},
		{"bad body on post", map[string]interface{}{"url": "https://x.test", "body": "{nope"}, 1},
		{"body ignored on get", map[string]interface{}{"url": "https://x.test", "method": "GET", "body": "{nope"}, 0},
		{"basic auth fields", map[string]interface{}{"url": "https://x.test", "authentication": services.AuthBasic}, 2},
		{"api key", map[string]interface{}{"url": "https://x.test", "authentication": services.AuthAPIKey}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newWebhookNode("hook", tt.data, Services{}.withDefaults())
			assert.Len(t, node.ValidationErrors(), tt.errs, node.ValidationErrors())
		})
	}
}

func TestTaskNode(t *testing.T) {
	creator := &mockTaskCreator{}
	svc := Services{Tasks: creator, Clock: fixedClock(mustParse("2024-01-05T15:00:00Z"))}.withDefaults()
	node := newTaskNode("todo", map[string]interface{}{
		"name":                     "Call {{client.name}}",
		"body":                     "Follow up on {{input.topic}}",
		"relative_days":            3,
		"business_days_only":       true,
		"is_repetitive":            true,
		"repetition_interval":      7,
		"repetition_end_date_type": RepeatCount,
		"repetition_count":         4,
	}, svc)
	require.True(t, node.Validate(), node.ValidationErrors())

	out, err := node.Execute(context.Background(), testScope(), map[string]interface{}{"topic": "pricing"})
	require.NoError(t, err)
	require.Len(t, creator.requests, 1)

	req := creator.requests[0]
	assert.Equal(t, "Call Acme", req.Name)
	assert.Equal(t, "Follow up on pricing", req.Body)
	assert.Equal(t, "c-42", req.ClientID)
	assert.Equal(t, "u-1", req.AssigneeID)
	assert.Equal(t, "not_started", req.Status)
	assert.Equal(t, "exec-1", req.WorkflowExecutionID)
	require.NotNil(t, req.DueDate)
	assert.Equal(t, "2024-01-10", req.DueDate.Format(dateLayout))
	assert.True(t, req.IsRepetitive)
	assert.Equal(t, 7, req.RepetitionInterval)
	require.NotNil(t, req.RepetitionEndDate)
	assert.Equal(t, "2024-02-07", req.RepetitionEndDate.Format(dateLayout))

	payload := out[PortSuccess]
	assert.Equal(t, "Task created: Call Acme", payload["message"])
	assert.Equal(t, "task-1", payload["task_id"])
	assert.Equal(t, "2024-01-10", payload["due_date"])
	assert.Equal(t, "u-1", payload["assignee_id"])
}

func TestTaskNodeOptions(t *testing.T) {
	creator := &mockTaskCreator{}
	svc := Services{Tasks: creator, Clock: fixedClock(mustParse("2024-01-05T15:00:00Z"))}.withDefaults()

	node := newTaskNode("todo", map[string]interface{}{
		"name":                  "Renewal",
		"body":                  "b",
		"due_date_type":         DueNone,
		"assignee_type":         AssignClientOwner,
		"with_current_workflow": false,
	}, svc)
	out, err := node.Execute(context.Background(), testScope(), nil)
	require.NoError(t, err)
	assert.Nil(t, out[PortSuccess]["due_date"])
	assert.Equal(t, "u-owner", creator.requests[0].AssigneeID)
	assert.Empty(t, creator.requests[0].WorkflowExecutionID)

	node = newTaskNode("todo", map[string]interface{}{
		"name":              "Audit",
		"body":              "b",
		"due_date_type":     DueSpecificDate,
		"specific_due_date": "2024-03-01",
		"assignee_type":     AssignSpecificUser,
		"assignee_id":       "{{input.owner}}",
	}, svc)
	out, err = node.Execute(context.Background(), testScope(), map[string]interface{}{"owner": "u-9"})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", out[PortSuccess]["due_date"])
	assert.Equal(t, "u-9", creator.requests[1].AssigneeID)
}

func TestTaskNodeFailureAndValidation(t *testing.T) {
	node := newTaskNode("todo", map[string]interface{}{"name": "n", "body": "b"},
		Services{Tasks: &mockTaskCreator{err: errors.New("db locked")}}.withDefaults())
	out, err := node.Execute(context.Background(), testScope(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Failed to create task: db locked", out[PortError]["message"])

	invalid := newTaskNode("todo", map[string]interface{}{
		"due_date_type":            DueSpecificDate,
		"is_repetitive":            true,
		"repetition_end_date_type": RepeatUntilDate,
		"assignee_type":            AssignSpecificUser,
	}, Services{}.withDefaults())
	assert.False(t, invalid.Validate())
	assert.Len(t, invalid.ValidationErrors(), 5)
}

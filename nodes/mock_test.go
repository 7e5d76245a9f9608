package nodes

import (
	"context"
	"sync"
	"time"

	"github.com/songzhibin97/automation-engine/services"
)

type mockEmailSender struct {
	mu   sync.Mutex
	sent []services.EmailMessage
	err  error
}

func (m *mockEmailSender) SendEmail(ctx context.Context, msg services.EmailMessage) (services.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return services.Receipt{}, m.err
	}
	m.sent = append(m.sent, msg)
	return services.Receipt{ID: "msg-1"}, nil
}

type mockSlackSender struct {
	sent []services.SlackMessage
	err  error
}

func (m *mockSlackSender) SendSlack(ctx context.Context, msg services.SlackMessage) (services.Receipt, error) {
	if m.err != nil {
		return services.Receipt{}, m.err
	}
	m.sent = append(m.sent, msg)
	return services.Receipt{ID: "ts-1"}, nil
}

type mockCaller struct {
	requests []services.HTTPRequest
	resp     *services.HTTPResponse
	err      error
}

func (m *mockCaller) Call(ctx context.Context, req services.HTTPRequest) (*services.HTTPResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

type mockTaskCreator struct {
	requests []services.TaskRequest
	err      error
}

func (m *mockTaskCreator) CreateTask(ctx context.Context, req services.TaskRequest) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.requests = append(m.requests, req)
	return "task-1", nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func mustParse(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func testScope() Scope {
	return Scope{
		ExecutionID: "exec-1",
		WorkflowID:  7,
		Client:      map[string]interface{}{"id": "c-42", "name": "Acme", "email": "ops@acme.test", "owner_id": "u-owner"},
		User:        map[string]interface{}{"id": "u-1", "name": "Dana"},
		Task:        map[string]interface{}{},
		Data:        map[string]interface{}{"source": "form"},
	}
}

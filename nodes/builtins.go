package nodes

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/songzhibin97/automation-engine/rules"
	"github.com/songzhibin97/automation-engine/services"
)

// Delay modes.
const (
	// DelayModeMetadata computes the delay target and returns at once.
	DelayModeMetadata = "metadata"
	// DelayModeWait blocks until the delay target or cancellation.
	DelayModeWait = "wait"
)

// Services are the collaborators built-in nodes call out to.
type Services struct {
	Email     services.EmailSender
	Slack     services.SlackSender
	HTTP      services.HTTPCaller
	Tasks     services.TaskCreator
	Evaluator rules.Evaluator
	Clock     func() time.Time
	DelayMode string
	Logger    hclog.Logger
}

func (s Services) withDefaults() Services {
	if s.Logger == nil {
		s.Logger = hclog.NewNullLogger()
	}
	if s.Email == nil {
		s.Email = services.LogEmailSender{Logger: s.Logger.Named("email")}
	}
	if s.Slack == nil {
		s.Slack = services.LogSlackSender{Logger: s.Logger.Named("slack")}
	}
	if s.HTTP == nil {
		s.HTTP = services.NewHTTPClient(services.HTTPClientConfig{}, services.WithHTTPLogger(s.Logger.Named("http")))
	}
	if s.Tasks == nil {
		s.Tasks = services.NewMemoryTaskCreator()
	}
	if s.Evaluator == nil {
		s.Evaluator = rules.NewExprEvaluator()
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.DelayMode == "" {
		s.DelayMode = DelayModeMetadata
	}
	return s
}

// RegisterBuiltins registers the seven built-in node types on reg.
func RegisterBuiltins(reg *Registry, svc Services) error {
	svc = svc.withDefaults()

	builtins := []struct {
		schema Schema
		ctor   Constructor
	}{
		{triggerSchema, func(id string, data map[string]interface{}) Node { return newTriggerNode(id, data) }},
		{conditionSchema, func(id string, data map[string]interface{}) Node { return newConditionNode(id, data, svc) }},
		{delaySchema, func(id string, data map[string]interface{}) Node { return newDelayNode(id, data, svc) }},
		{emailSchema, func(id string, data map[string]interface{}) Node { return newEmailNode(id, data, svc) }},
		{slackSchema, func(id string, data map[string]interface{}) Node { return newSlackNode(id, data, svc) }},
		{webhookSchema, func(id string, data map[string]interface{}) Node { return newWebhookNode(id, data, svc) }},
		{taskSchema, func(id string, data map[string]interface{}) Node { return newTaskNode(id, data, svc) }},
	}
	for _, b := range builtins {
		if err := reg.Register(b.schema.Type, b.schema, b.ctor); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry returns a registry holding the built-in node types.
func NewDefaultRegistry(svc Services) *Registry {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, svc); err != nil {
		panic(err)
	}
	return reg
}

package nodes

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/songzhibin97/automation-engine/services"
)

const (
	defaultSlackUsername = "SalesOne Bot"
	defaultSlackIcon     = ":salesone:"
)

var slackSchema = Schema{
	Type:        TypeSlack,
	Description: "Post a Slack message",
	Icon:        "slack",
	Category:    "communication",
	Inputs:      defaultInput(),
	Outputs:     resultOutputs("Posting the message"),
	ConfigOptions: []ConfigOption{
		{ID: "channel", Name: "Channel", Description: "Channel name or id, e.g. #general", Type: "string", Required: true, SupportsVariables: true},
		{ID: "message", Name: "Message", Type: "text", Required: true, SupportsVariables: true},
		{ID: "username", Name: "Username", Type: "string", Default: defaultSlackUsername, SupportsVariables: true},
		{ID: "icon_emoji", Name: "Icon emoji", Type: "string", Default: defaultSlackIcon},
		{ID: "attachments", Name: "Attachments", Description: "Slack attachments as JSON", Type: "json", SupportsVariables: true, Widget: "code_editor"},
		{ID: "webhook_url", Name: "Webhook URL", Description: "Overrides the configured webhook", Type: "string"},
	},
}

type slackNode struct {
	base
	sender services.SlackSender
	logger hclog.Logger
}

func newSlackNode(id string, data map[string]interface{}, svc Services) *slackNode {
	return &slackNode{
		base:   newBase(id, data, slackSchema),
		sender: svc.Slack,
		logger: svc.Logger.Named("slack"),
	}
}

func (n *slackNode) Validate() bool {
	return len(n.ValidationErrors()) == 0
}

func (n *slackNode) ValidationErrors() []string {
	var errs []string
	if !n.set("channel") {
		errs = append(errs, "channel is required")
	}
	if !n.set("message") {
		errs = append(errs, "message is required")
	}
	return errs
}

func (n *slackNode) Execute(ctx context.Context, scope Scope, input map[string]interface{}) (Outputs, error) {
	r := NewResolver(scope, input)

	var attachments interface{}
	if raw, ok := n.data["attachments"]; ok && truthy(raw) {
		resolved := r.Value(raw)
		if parsed, err := parseJSONValue(resolved); err == nil {
			attachments = parsed
		} else {
			attachments = resolved
		}
	}

	msg := services.SlackMessage{
		Channel:     r.String(n.data["channel"]),
		Message:     r.String(n.data["message"]),
		Username:    n.str("username", defaultSlackUsername),
		IconEmoji:   n.str("icon_emoji", defaultSlackIcon),
		Attachments: attachments,
		WebhookURL:  n.str("webhook_url", ""),
	}
	msg.Username = r.String(msg.Username)

	receipt, err := n.sender.SendSlack(ctx, msg)
	if err != nil {
		n.logger.Error("send slack message failed", "node_id", n.id, "channel", msg.Channel, "error", err)
		return failure("Failed to send Slack message: ", err, input), nil
	}
	return Outputs{PortSuccess: {
		"message":    "Slack message sent to " + msg.Channel,
		"channel":    msg.Channel,
		"response":   map[string]interface{}{"id": receipt.ID, "simulated": receipt.Simulated},
		"input_data": input,
	}}, nil
}

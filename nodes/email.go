package nodes

import (
	"context"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/songzhibin97/automation-engine/services"
)

var emailSchema = Schema{
	Type:        TypeEmail,
	Description: "Send an email",
	Icon:        "mail",
	Category:    "communication",
	Inputs:      defaultInput(),
	Outputs:     resultOutputs("Sending the email"),
	ConfigOptions: []ConfigOption{
		{ID: "to", Name: "To", Description: "Recipient address", Type: "string", Required: true, SupportsVariables: true},
		{ID: "subject", Name: "Subject", Type: "string", Required: true, SupportsVariables: true},
		{ID: "body", Name: "Body", Type: "text", Required: true, SupportsVariables: true, Widget: "html_editor"},
		{ID: "from_email", Name: "From", Type: "string", SupportsVariables: true},
		{ID: "cc", Name: "CC", Description: "Comma separated addresses", Type: "string", SupportsVariables: true},
		{ID: "bcc", Name: "BCC", Description: "Comma separated addresses", Type: "string", SupportsVariables: true},
		{ID: "track_opens", Name: "Track opens", Type: "boolean", Default: true},
		{ID: "track_clicks", Name: "Track clicks", Type: "boolean", Default: true},
	},
}

type emailNode struct {
	base
	sender services.EmailSender
	logger hclog.Logger
}

func newEmailNode(id string, data map[string]interface{}, svc Services) *emailNode {
	return &emailNode{
		base:   newBase(id, data, emailSchema),
		sender: svc.Email,
		logger: svc.Logger.Named("email"),
	}
}

func (n *emailNode) Validate() bool {
	return len(n.ValidationErrors()) == 0
}

func (n *emailNode) ValidationErrors() []string {
	var errs []string
	if !n.set("to") {
		errs = append(errs, "recipient address is required")
	}
	if !n.set("subject") {
		errs = append(errs, "subject is required")
	}
	if !n.set("body") {
		errs = append(errs, "body is required")
	}
	return errs
}

func (n *emailNode) Execute(ctx context.Context, scope Scope, input map[string]interface{}) (Outputs, error) {
	r := NewResolver(scope, input)
	msg := services.EmailMessage{
		To:          r.String(n.data["to"]),
		Subject:     r.String(n.data["subject"]),
		Body:        r.String(n.data["body"]),
		From:        r.String(n.data["from_email"]),
		CC:          splitAddresses(r.String(n.data["cc"])),
		BCC:         splitAddresses(r.String(n.data["bcc"])),
		TrackOpens:  n.boolean("track_opens", true),
		TrackClicks: n.boolean("track_clicks", true),
	}

	receipt, err := n.sender.SendEmail(ctx, msg)
	if err != nil {
		n.logger.Error("send email failed", "node_id", n.id, "to", msg.To, "error", err)
		return failure("Failed to send email: ", err, input), nil
	}
	return Outputs{PortSuccess: {
		"message":    "Email sent to " + msg.To,
		"to":         msg.To,
		"subject":    msg.Subject,
		"message_id": receipt.ID,
		"simulated":  receipt.Simulated,
		"input_data": input,
	}}, nil
}

func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// failure builds the error-port payload shared by side-effecting nodes.
func failure(prefix string, err error, input map[string]interface{}) Outputs {
	return Outputs{PortError: {
		"message":    prefix + err.Error(),
		"exception":  err.Error(),
		"input_data": input,
	}}
}

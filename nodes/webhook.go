package nodes

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"

	"github.com/songzhibin97/automation-engine/services"
)

var webhookMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

func authOnly(kind string) *Conditional {
	return &Conditional{Field: "authentication", Value: kind}
}

var webhookSchema = Schema{
	Type:        TypeWebhook,
	Description: "Call an HTTP endpoint",
	Icon:        "globe",
	Category:    "integration",
	Inputs:      defaultInput(),
	Outputs:     resultOutputs("The request"),
	ConfigOptions: []ConfigOption{
		{ID: "url", Name: "URL", Type: "string", Required: true, SupportsVariables: true},
		{ID: "method", Name: "Method", Type: "select", Required: true, Default: http.MethodPost, Options: methodOptions()},
		{ID: "headers", Name: "Headers", Description: "JSON object of request headers", Type: "json", Default: "{\n  \"Content-Type\": \"application/json\"\n}", SupportsVariables: true, Widget: "code_editor"},
		{ID: "body", Name: "Body", Description: "Request body, JSON or raw text", Type: "json", SupportsVariables: true, Widget: "code_editor"},
		{ID: "query_params", Name: "Query parameters", Description: "JSON object of query parameters", Type: "json", SupportsVariables: true, Widget: "code_editor"},
		{ID: "timeout", Name: "Timeout", Description: "Seconds", Type: "number", Default: 30},
		{ID: "authentication", Name: "Authentication", Type: "select", Default: services.AuthNone,
			Options: []Option{
				{Label: "None", Value: services.AuthNone},
				{Label: "Basic Auth", Value: services.AuthBasic},
				{Label: "Bearer Token", Value: services.AuthBearer},
				{Label: "API Key", Value: services.AuthAPIKey},
			}},
		{ID: "auth_username", Name: "Username", Type: "string", Required: true, Conditional: authOnly(services.AuthBasic)},
		{ID: "auth_password", Name: "Password", Type: "password", Required: true, Conditional: authOnly(services.AuthBasic)},
		{ID: "auth_token", Name: "Token", Type: "password", Required: true, Conditional: authOnly(services.AuthBearer)},
		{ID: "api_key_name", Name: "API key header", Type: "string", Default: "X-API-Key", Required: true, Conditional: authOnly(services.AuthAPIKey)},
		{ID: "api_key_value", Name: "API key", Type: "password", Required: true, Conditional: authOnly(services.AuthAPIKey)},
		{ID: "follow_redirects", Name: "Follow redirects", Type: "boolean", Default: true},
	},
}

func methodOptions() []Option {
	out := make([]Option, 0, len(webhookMethods))
	for _, m := range webhookMethods {
		out = append(out, Option{Label: m, Value: m})
	}
	return out
}

type webhookNode struct {
	base
	caller services.HTTPCaller
	logger hclog.Logger
}

func newWebhookNode(id string, data map[string]interface{}, svc Services) *webhookNode {
	return &webhookNode{
		base:   newBase(id, data, webhookSchema),
		caller: svc.HTTP,
		logger: svc.Logger.Named("webhook"),
	}
}

func (n *webhookNode) method() string {
	return strings.ToUpper(n.str("method", http.MethodPost))
}

func (n *webhookNode) Validate() bool {
	return len(n.ValidationErrors()) == 0
}

func (n *webhookNode) ValidationErrors() []string {
	var errs []string
	if !n.set("url") {
		errs = append(errs, "URL is required")
	}
	method := n.method()
	if !validMethod(method) {
		errs = append(errs, fmt.Sprintf("invalid HTTP method %q", method))
	}
	if _, err := parseJSONValue(n.data["headers"]); err != nil {
		errs = append(errs, "headers must be valid JSON")
	}
	if hasBody(method) {
		if _, err := parseJSONValue(n.data["body"]); err != nil {
			errs = append(errs, "body must be valid JSON")
		}
	}
	if _, err := parseJSONValue(n.data["query_params"]); err != nil {
		errs = append(errs, "query parameters must be valid JSON")
	}
	switch n.str("authentication", services.AuthNone) {
	case services.AuthBasic:
		if !n.set("auth_username") {
			errs = append(errs, "basic auth username is required")
		}
		if !n.set("auth_password") {
			errs = append(errs, "basic auth password is required")
		}
	case services.AuthBearer:
		if !n.set("auth_token") {
			errs = append(errs, "bearer token is required")
		}
	case services.AuthAPIKey:
		if !n.set("api_key_value") {
			errs = append(errs, "API key value is required")
		}
	}
	return errs
}

func (n *webhookNode) Execute(ctx context.Context, scope Scope, input map[string]interface{}) (Outputs, error) {
	r := NewResolver(scope, input)
	method := n.method()

	headers, err := resolvedStringMap(r, n.data["headers"])
	if err != nil {
		n.logger.Warn("ignoring invalid headers", "node_id", n.id, "error", err)
		headers = map[string]string{}
	}
	query, err := resolvedStringMap(r, n.data["query_params"])
	if err != nil {
		n.logger.Warn("ignoring invalid query parameters", "node_id", n.id, "error", err)
		query = map[string]string{}
	}

	var body []byte
	if hasBody(method) {
		if raw := r.String(n.data["body"]); strings.TrimSpace(raw) != "" {
			body = []byte(raw)
			if !json.Valid(body) {
				n.logger.Warn("sending body as raw text", "node_id", n.id)
				if _, ok := headers["Content-Type"]; !ok {
					headers["Content-Type"] = "text/plain; charset=utf-8"
				}
			}
		}
	}

	req := services.HTTPRequest{
		URL:             r.String(n.data["url"]),
		Method:          method,
		Headers:         headers,
		Query:           query,
		Body:            body,
		Timeout:         time.Duration(n.number("timeout", 30) * float64(time.Second)),
		FollowRedirects: n.boolean("follow_redirects", true),
		Auth: services.Auth{
			Type:        n.str("authentication", services.AuthNone),
			Username:    r.String(n.data["auth_username"]),
			Password:    r.String(n.data["auth_password"]),
			Token:       r.String(n.data["auth_token"]),
			APIKeyName:  n.str("api_key_name", "X-API-Key"),
			APIKeyValue: r.String(n.data["api_key_value"]),
		},
	}

	resp, err := n.caller.Call(ctx, req)
	if err != nil {
		n.logger.Error("webhook request failed", "node_id", n.id, "method", method, "error", err)
		return failure("Failed to make API request: ", err, input), nil
	}

	payload := map[string]interface{}{
		"status_code": resp.StatusCode,
		"data":        decodeBody(resp.Body),
		"input_data":  input,
	}
	if resp.OK() {
		payload["message"] = fmt.Sprintf("API request succeeded with status code %d", resp.StatusCode)
		return Outputs{PortSuccess: payload}, nil
	}
	payload["message"] = fmt.Sprintf("API request failed with status code %d", resp.StatusCode)
	return Outputs{PortError: payload}, nil
}

// resolvedStringMap accepts a JSON object string, a map or a single
// placeholder naming a map, and resolves placeholders inside the values.
func resolvedStringMap(r *Resolver, raw interface{}) (map[string]string, error) {
	m, err := stringMap(r.Value(raw))
	if err != nil {
		return nil, err
	}
	for k, v := range m {
		m[k] = r.String(v)
	}
	return m, nil
}

func decodeBody(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err == nil {
		return v
	}
	return string(b)
}

func validMethod(m string) bool {
	for _, candidate := range webhookMethods {
		if m == candidate {
			return true
		}
	}
	return false
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/automation-engine/types"
)

// decodeDocument decodes YAML or JSON text into out. The text is decoded to
// generic values first and re-encoded as JSON so that the json tags and
// custom unmarshalers of out apply to both formats.
func decodeDocument(data []byte, out interface{}) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("parse document: empty")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func readDocument(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := decodeDocument(data, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// parseObject decodes an inline YAML or JSON object. An empty string yields
// nil.
func parseObject(s string) (map[string]interface{}, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := decodeDocument([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func printJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// workflowDocument is a workflow file: either a bare definition or a
// workflow with its definition and optional schedules.
type workflowDocument struct {
	types.Workflow
	Schedules []types.WorkflowSchedule `json:"schedules,omitempty"`
}

func readWorkflow(path string) (workflowDocument, error) {
	var doc workflowDocument
	if err := readDocument(path, &doc); err != nil {
		return workflowDocument{}, err
	}
	if len(doc.Definition.Nodes) > 0 {
		return doc, nil
	}

	var def types.Definition
	if err := readDocument(path, &def); err != nil {
		return workflowDocument{}, err
	}
	if len(def.Nodes) == 0 {
		return workflowDocument{}, fmt.Errorf("%s: workflow has no nodes", path)
	}
	doc.Definition = def
	return doc, nil
}

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/automation-engine/nodes"
	"github.com/songzhibin97/automation-engine/scheduler"
	"github.com/songzhibin97/automation-engine/types"
)

func execute(ctx context.Context, t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCommand()
	var stdout, stderr bytes.Buffer
	root.cmd.SetOut(&stdout)
	root.cmd.SetErr(&stderr)
	root.cmd.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "nodes", "schedule", "serve"})
	assert.NotNil(t, root.cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.cmd.PersistentFlags().Lookup("log-level"))
}

func TestRunCommand(t *testing.T) {
	stdout, _, err := execute(context.Background(), t, "run", "testdata/welcome.yaml",
		"--input", `{"score": 10, "email": "ada@example.com"}`,
		"--client", "id: c1\nname: Acme")
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, types.ExecutionCompleted, got["status"])
	assert.Equal(t, []interface{}{"start", "check", "notify"}, got["execution_path"])
	assert.Equal(t, "Acme", got["client"].(map[string]interface{})["name"])

	states := got["node_states"].(map[string]interface{})
	notify := states["notify"].(map[string]interface{})
	assert.Equal(t, "completed", notify["status"])
}

func TestRunCommandPrunesFalseBranch(t *testing.T) {
	stdout, _, err := execute(context.Background(), t, "run", "testdata/welcome.yaml",
		"-i", `{"score": 1, "email": "ada@example.com"}`)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, []interface{}{"start", "check"}, got["execution_path"])
}

func TestRunCommandUnknownNodeType(t *testing.T) {
	stdout, _, err := execute(context.Background(), t, "run", "testdata/broken.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, nodes.ErrUnknownNodeType), "got %v", err)
	assert.Contains(t, err.Error(), "teleport")

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Empty(t, got["execution_path"])
}

func TestRunCommandBadInput(t *testing.T) {
	_, _, err := execute(context.Background(), t, "run", "testdata/welcome.yaml", "--input", "[1, 2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--input")

	_, _, err = execute(context.Background(), t, "run", "testdata/missing.yaml")
	assert.Error(t, err)
}

func TestNodesCommand(t *testing.T) {
	stdout, _, err := execute(context.Background(), t, "nodes")
	require.NoError(t, err)

	var schemas map[string]nodes.Schema
	require.NoError(t, json.Unmarshal([]byte(stdout), &schemas))
	for _, typ := range []string{
		nodes.TypeTrigger, nodes.TypeCondition, nodes.TypeDelay, nodes.TypeEmail,
		nodes.TypeSlack, nodes.TypeWebhook, nodes.TypeTask,
	} {
		assert.Contains(t, schemas, typ)
	}

	stdout, _, err = execute(context.Background(), t, "nodes", nodes.TypeEmail)
	require.NoError(t, err)
	var schema nodes.Schema
	require.NoError(t, json.Unmarshal([]byte(stdout), &schema))
	assert.Equal(t, nodes.TypeEmail, schema.Type)

	_, _, err = execute(context.Background(), t, "nodes", "teleport")
	assert.ErrorIs(t, err, nodes.ErrUnknownNodeType)
}

func TestScheduleNextCommand(t *testing.T) {
	stdout, _, err := execute(context.Background(), t, "schedule", "next", "testdata/weekly.yaml",
		"--from", "2024-03-01T00:00:00Z", "--count", "2")
	require.NoError(t, err)

	var got struct {
		Frequency string              `json:"frequency"`
		Timezone  string              `json:"timezone"`
		Runs      []map[string]string `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, types.FrequencyWeekly, got.Frequency)
	assert.Equal(t, "America/New_York", got.Timezone)
	require.Len(t, got.Runs, 2)
	assert.Equal(t, "2024-03-04T14:30:00Z", got.Runs[0]["utc"])
	assert.Equal(t, "2024-03-04T09:30:00-05:00", got.Runs[0]["local"])
	assert.Equal(t, "2024-03-07T14:30:00Z", got.Runs[1]["utc"])
}

func TestScheduleNextCommandInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frequency: weekly\nrun_at_hour: 25\n"), 0o600))

	_, _, err := execute(context.Background(), t, "schedule", "next", path)
	assert.ErrorIs(t, err, scheduler.ErrInvalidSchedule)

	_, _, err = execute(context.Background(), t, "schedule", "next", "testdata/weekly.yaml", "--count", "0")
	assert.Error(t, err)
}

func TestServeCommand(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "flowengine.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("metrics:\n  enabled: false\nscheduler:\n  interval: 1h\n"), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, stderr, err := execute(ctx, t, "serve", "--config", cfgPath, "--workflow", "testdata/digest.yaml")
	require.NoError(t, err)
	assert.Contains(t, stderr, "workflow registered")
	assert.Contains(t, stderr, "schedule added")
	assert.Contains(t, stderr, "scheduler stopped")
}

func TestServeCommandRejectsBadWorkflow(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "flowengine.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("metrics:\n  enabled: false\n"), 0o600))

	_, _, err := execute(context.Background(), t, "serve", "--config", cfgPath, "--workflow", "testdata/broken.json")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "register testdata/broken.json"), "got %v", err)
}

func TestLogLevelFlag(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "flowengine.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("metrics:\n  enabled: false\n"), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, stderr, err := execute(ctx, t, "serve", "--config", cfgPath, "--log-level", "error")
	require.NoError(t, err)
	assert.NotContains(t, stderr, "scheduler started")
}

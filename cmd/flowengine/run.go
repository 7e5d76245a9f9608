package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/workflow"
)

type runOptions struct {
	input  string
	client string
	user   string
	task   string
}

func newRunCommand(root *rootCommand) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow definition once",
		Long: `Execute a workflow definition in-process and print the resulting
execution context as JSON.

The file holds either a bare definition (nodes and edges) or a workflow
document with a definition field, in YAML or JSON.`,
		Example: `  # Run a definition
  flowengine run welcome.yaml

  # Run with trigger data and a client record
  flowengine run welcome.yaml --input '{"email":"ada@example.com"}' --client '{"id":"c1","name":"Acme"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflowFile(cmd.Context(), root, cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Trigger data as a JSON or YAML object")
	cmd.Flags().StringVar(&opts.client, "client", "", "Client record as a JSON or YAML object")
	cmd.Flags().StringVar(&opts.user, "user", "", "User record as a JSON or YAML object")
	cmd.Flags().StringVar(&opts.task, "task", "", "Task record as a JSON or YAML object")
	return cmd
}

func runWorkflowFile(ctx context.Context, root *rootCommand, cmd *cobra.Command, path string, opts runOptions) error {
	doc, err := readWorkflow(path)
	if err != nil {
		return err
	}

	ctxOpts := []workflow.ContextOption{workflow.WithWorkflow(doc.ID, &doc.Definition)}
	for _, field := range []struct {
		name  string
		value string
		apply func(map[string]interface{}) workflow.ContextOption
	}{
		{"input", opts.input, workflow.WithData},
		{"client", opts.client, workflow.WithClient},
		{"user", opts.user, workflow.WithUser},
		{"task", opts.task, workflow.WithTask},
	} {
		m, err := parseObject(field.value)
		if err != nil {
			return fmt.Errorf("--%s: %w", field.name, err)
		}
		if m != nil {
			ctxOpts = append(ctxOpts, field.apply(m))
		}
	}

	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Store:       storage.NewMemoryStorage(),
		Registry:    root.registry(),
		Logger:      root.logger,
		NodeTimeout: root.cfg.Engine.NodeTimeout,
		RunTimeout:  root.cfg.Engine.RunTimeout,
	})
	if err != nil {
		return err
	}
	defer engine.Stop(context.WithoutCancel(ctx))

	wctx, runErr := engine.Execute(ctx, doc.Definition, ctxOpts...)
	if err := printJSON(cmd.OutOrStdout(), wctx); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("workflow failed: %w", runErr)
	}
	return nil
}

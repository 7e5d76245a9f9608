package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/songzhibin97/automation-engine/config"
	"github.com/songzhibin97/automation-engine/logging"
	"github.com/songzhibin97/automation-engine/nodes"
	"github.com/songzhibin97/automation-engine/services"
)

type rootCommand struct {
	cmd      *cobra.Command
	cfgPath  string
	logLevel string
	cfg      *config.Config
	logger   hclog.Logger
}

func newRootCommand() *rootCommand {
	root := &rootCommand{}

	cmd := &cobra.Command{
		Use:   "flowengine",
		Short: "Workflow automation engine",
		Long: `flowengine executes node-graph workflows built from triggers, conditions,
delays, email, Slack, webhook and task nodes, and runs them on schedules.`,
		Version:           fmt.Sprintf("%s (built %s, commit %s)", version, buildDate, gitCommit),
		SilenceUsage:      true,
		PersistentPreRunE: root.persistentPreRunE,
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVarP(&root.cfgPath, "config", "c", "", "Config file path (default: ./flowengine.yaml if present)")
	pflags.StringVar(&root.logLevel, "log-level", "", "Log level override (trace, debug, info, warn, error)")

	root.cmd = cmd
	cmd.AddCommand(newRunCommand(root))
	cmd.AddCommand(newNodesCommand(root))
	cmd.AddCommand(newScheduleCommand(root))
	cmd.AddCommand(newServeCommand(root))
	return root
}

func (r *rootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(r.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if r.logLevel != "" {
		cfg.Log.Level = r.logLevel
	}
	cfg.Log.Output = cmd.ErrOrStderr()
	r.cfg = cfg
	r.logger = logging.New(cfg.Log)
	return nil
}

// ExecuteContext runs the command tree.
func (r *rootCommand) ExecuteContext(ctx context.Context) error {
	return r.cmd.ExecuteContext(ctx)
}

// services builds the node collaborators from configuration. Email and
// Slack are only logged unless SMTP or a webhook URL is configured.
func (r *rootCommand) services() nodes.Services {
	cfg := r.cfg.Services
	httpClient := services.NewHTTPClient(cfg.HTTP, services.WithHTTPLogger(r.logger.Named("http")))

	svc := nodes.Services{
		HTTP:      httpClient,
		DelayMode: r.cfg.Engine.DelayMode,
		Logger:    r.logger.Named("nodes"),
	}
	if cfg.SMTP.Host != "" {
		svc.Email = services.NewSMTPSender(cfg.SMTP)
	}
	if cfg.Slack.WebhookURL != "" {
		svc.Slack = services.NewWebhookSlackSender(httpClient, cfg.Slack.WebhookURL)
	}
	return svc
}

func (r *rootCommand) registry() *nodes.Registry {
	return nodes.NewDefaultRegistry(r.services())
}

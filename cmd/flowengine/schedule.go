package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/automation-engine/scheduler"
	"github.com/songzhibin97/automation-engine/types"
)

func newScheduleCommand(root *rootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect workflow schedules",
	}
	cmd.AddCommand(newScheduleNextCommand(root))
	return cmd
}

func newScheduleNextCommand(root *rootCommand) *cobra.Command {
	var (
		from  string
		count int
	)

	cmd := &cobra.Command{
		Use:   "next <file>",
		Short: "Print the upcoming run times of a schedule",
		Long: `Validate a schedule file (YAML or JSON) and print its next run times
in UTC and in the schedule's timezone.`,
		Example: `  flowengine schedule next weekly.yaml
  flowengine schedule next weekly.yaml --from 2024-03-01T00:00:00Z --count 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched types.WorkflowSchedule
			if err := readDocument(args[0], &sched); err != nil {
				return err
			}
			if err := scheduler.ValidateTiming(sched); err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1, got %d", count)
			}

			now := time.Now()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				now = t
			}

			loc := scheduler.Location(sched.Timezone)
			runs := make([]map[string]string, 0, count)
			for i := 0; i < count; i++ {
				next := scheduler.NextRun(sched, now)
				runs = append(runs, map[string]string{
					"utc":   next.UTC().Format(time.RFC3339),
					"local": next.In(loc).Format(time.RFC3339),
				})
				now = next
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"frequency": sched.Frequency,
				"timezone":  loc.String(),
				"runs":      runs,
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Reference time in RFC 3339 (default: now)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of run times to print")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/scheduler"
)

func newCronCmd() *cobra.Command {
	cronCmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron expressions",
	}

	var (
		count     int
		evaluator string
		from      string
	)
	next := &cobra.Command{
		Use:   "next <expr>",
		Short: "Print the next fire times of a cron expression",
		Long: `Print the next fire times of a five-field cron expression.

The simple evaluator honours only fixed minute and hour fields, as the
scheduler does by default. Use --evaluator standard for full cron semantics.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if evaluator != scheduler.EvaluatorSimple && evaluator != scheduler.EvaluatorStandard {
				return fmt.Errorf("unknown evaluator %q", evaluator)
			}
			start := time.Now()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("parse --from: %w", err)
				}
				start = t
			}

			expr, err := scheduler.ParseCron(args[0])
			if err != nil {
				return err
			}
			runs, err := scheduler.NextRuns(args[0], evaluator, start, count)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "expression: %s (%s evaluator)\n", expr.Expanded(), evaluator)
			for i, t := range runs {
				fmt.Fprintf(out, "%2d. %s\n", i+1, t.Format(time.RFC3339))
			}
			return nil
		},
	}
	next.Flags().IntVarP(&count, "count", "n", 5, "number of fire times to print")
	next.Flags().StringVar(&evaluator, "evaluator", scheduler.EvaluatorSimple, "cron evaluator: simple or standard")
	next.Flags().StringVar(&from, "from", "", "start time in RFC3339 (default now)")

	cronCmd.AddCommand(next)
	return cronCmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/pkg/client"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run and inspect workflows",
}

var (
	workflowPayload string
	workflowWait    bool
)

var workflowRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Start a workflow run",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowRun,
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show a run and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowStatus,
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <run_id>",
	Short: "Cancel a running workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowCancel,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded workflow definitions",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowList,
}

var (
	runsWorkflow string
	runsStatus   string
	runsLimit    int
)

var workflowRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List workflow runs",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowRuns,
}

func init() {
	workflowRunCmd.Flags().StringVarP(&workflowPayload, "payload", "p", "", "Trigger payload as JSON or @file")
	workflowRunCmd.Flags().BoolVarP(&workflowWait, "wait", "w", false, "Wait for the run to finish")

	workflowRunsCmd.Flags().StringVar(&runsWorkflow, "workflow", "", "Only runs of this workflow")
	workflowRunsCmd.Flags().StringVar(&runsStatus, "status", "", "Only runs in this status")
	workflowRunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs")

	workflowCmd.AddCommand(workflowRunCmd, workflowStatusCmd, workflowCancelCmd, workflowListCmd, workflowRunsCmd)
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	payload, err := parseInput(workflowPayload)
	if err != nil {
		return err
	}
	c := newClient()
	ctx, cancel := requestContext()
	defer cancel()

	started, err := c.TriggerWorkflow(ctx, args[0], payload)
	if err != nil {
		return err
	}
	if !workflowWait {
		if jsonOutput {
			return printJSON(started)
		}
		fmt.Printf("%s %s\n", bold(started.RunID), statusColor(string(started.Status)))
		return nil
	}

	run, err := waitForRun(ctx, c, started.RunID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(run)
	}
	printRun(run)
	return nil
}

func waitForRun(ctx context.Context, c *client.Client, runID string) (*domain.WorkflowRun, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runWorkflowStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	run, err := newClient().GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(run)
	}
	printRun(run)
	return nil
}

func runWorkflowCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	run, err := newClient().CancelRun(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(run)
	}
	printRun(run)
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	workflows, err := newClient().ListWorkflows(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(workflows)
	}
	for _, wf := range workflows {
		fmt.Printf("%s", bold(wf.Name))
		if wf.Description != "" {
			fmt.Printf("  %s", gray(wf.Description))
		}
		fmt.Println()
		for _, step := range wf.Steps {
			deps := ""
			if len(step.DependsOn) > 0 {
				deps = gray(" <- " + strings.Join(step.DependsOn, ", "))
			}
			fmt.Printf("  %s %s%s\n", step.Name, cyan(step.Action), deps)
		}
	}
	return nil
}

func runWorkflowRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	runs, err := newClient().ListRuns(ctx, client.RunQuery{
		Workflow: runsWorkflow,
		Status:   domain.RunStatus(runsStatus),
		Limit:    runsLimit,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tWORKFLOW\tSTATUS\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.RunID, r.WorkflowName, statusColor(string(r.Status)), r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func printRun(run *domain.WorkflowRun) {
	fmt.Printf("%s  %s  %s\n", bold(run.RunID), run.WorkflowName, statusColor(string(run.Status)))
	if run.Error != nil {
		fmt.Printf("  error: %s\n", formatError(run.Error))
	}
	for _, step := range run.Steps {
		fmt.Printf("  %-20s %s", step.Name, statusColor(string(step.Status)))
		if step.TaskID != "" {
			fmt.Printf("  %s", gray(step.TaskID))
		}
		if step.Error != nil {
			fmt.Printf("  %s", formatError(step.Error))
		}
		fmt.Println()
	}
}

package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/pkg/client"
)

var dispatchInput string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <action>",
	Short: "Dispatch an action to an agent",
	Long: `Dispatch an action. The input is an inline JSON document or @file.

Example:
  dropctl dispatch supplier.search --input '{"query":"desk lamp"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatch,
}

var taskCmd = &cobra.Command{
	Use:   "task <task_id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task_id>",
	Short: "Cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var (
	tasksStatus string
	tasksPrefix string
	tasksRunID  string
	tasksLimit  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTasks,
}

func init() {
	dispatchCmd.Flags().StringVarP(&dispatchInput, "input", "i", "", "Action input as JSON or @file")

	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "Only tasks in this status")
	tasksCmd.Flags().StringVar(&tasksPrefix, "action-prefix", "", "Only actions starting with this prefix")
	tasksCmd.Flags().StringVar(&tasksRunID, "run", "", "Only tasks owned by this workflow run")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 50, "Maximum number of tasks")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	input, err := parseInput(dispatchInput)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	resp, err := newClient().Dispatch(ctx, args[0], input)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.TaskID != "" {
			fmt.Fprintf(os.Stderr, "%s task %s failed: %s\n", red("✗"), apiErr.TaskID, apiErr.Message)
		}
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}
	fmt.Printf("%s %s %s\n", bold(resp.TaskID), statusColor(string(resp.Status)), formatError(resp.Error))
	return nil
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	task, err := newClient().GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	printTask(task)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	task, err := newClient().CancelTask(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	printTask(task)
	return nil
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	tasks, err := newClient().ListTasks(ctx, client.TaskQuery{
		Status:       domain.TaskStatus(tasksStatus),
		ActionPrefix: tasksPrefix,
		RunID:        tasksRunID,
		Limit:        tasksLimit,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(tasks)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tACTION\tSTATUS\tAGENT\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.TaskID, t.Action, statusColor(string(t.Status)), t.AgentID, t.CreatedAt.Format("15:04:05"))
	}
	return w.Flush()
}

func printTask(t *domain.Task) {
	fmt.Printf("%s  %s\n", bold(t.TaskID), statusColor(string(t.Status)))
	fmt.Printf("  action:  %s\n", cyan(t.Action))
	if t.AgentID != "" {
		fmt.Printf("  agent:   %s\n", t.AgentID)
	}
	if t.OwnerWorkflowID != "" {
		fmt.Printf("  run:     %s (%s)\n", t.OwnerWorkflowID, t.OwnerStep)
	}
	fmt.Printf("  created: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if len(t.Result) > 0 {
		fmt.Printf("  result:  %s\n", string(t.Result))
	}
	if t.Error != nil {
		fmt.Printf("  error:   %s\n", formatError(t.Error))
	}
}

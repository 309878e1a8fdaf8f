package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/pkg/client"
)

var (
	serverURL  string
	timeout    time.Duration
	jsonOutput bool
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "dropctl",
	Short: "Control the dropshipping orchestrator",
	Long: `dropctl dispatches actions, runs workflows, publishes events and
inspects tasks and agents of a running orchestrator.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultURL := os.Getenv("ORCHESTRATOR_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "Orchestrator base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(agentsCmd)
}

func newClient() *client.Client {
	return client.New(serverURL)
}

// requestContext bounds a single API call and stops on Ctrl-C.
func requestContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// parseInput accepts an inline JSON document or @file.
func parseInput(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if raw[0] == '@' {
		var err error
		if data, err = os.ReadFile(raw[1:]); err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return data, nil
}

func statusColor(status string) string {
	switch status {
	case string(domain.TaskStatusCompleted), string(domain.AgentStateOnline):
		return green(status)
	case string(domain.TaskStatusFailed), string(domain.AgentStateOffline):
		return red(status)
	case string(domain.TaskStatusCancelled), string(domain.StepStatusSkipped):
		return gray(status)
	default:
		return yellow(status)
	}
}

func formatError(te *domain.TaskError) string {
	if te == nil {
		return ""
	}
	return red(fmt.Sprintf("%s: %s", te.Kind, te.Message))
}

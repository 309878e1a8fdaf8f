package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

var publishPayload string

var publishCmd = &cobra.Command{
	Use:   "publish <type>",
	Short: "Publish an event",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

var (
	eventsPattern string
	eventsLimit   int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded events",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

var watchCmd = &cobra.Command{
	Use:   "watch [pattern]",
	Short: "Stream live events",
	Long: `Stream live events matching a pattern: an exact type, a prefix
such as "task.*", or "*" for everything.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	publishCmd.Flags().StringVarP(&publishPayload, "payload", "p", "", "Event payload as JSON or @file")

	eventsCmd.Flags().StringVar(&eventsPattern, "type", "", "Event type pattern")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum number of events")
}

func runPublish(cmd *cobra.Command, args []string) error {
	payload, err := parseInput(publishPayload)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	evt, err := newClient().PublishEvent(ctx, args[0], payload)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(evt)
	}
	fmt.Printf("%s %s\n", bold(evt.EventID), cyan(evt.Type))
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	events, err := newClient().ListEvents(ctx, eventsPattern, eventsLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(events)
	}
	for _, evt := range events {
		printEvent(evt)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	pattern := "*"
	if len(args) == 1 {
		pattern = args[0]
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "Watching %s on %s (Ctrl-C to stop)\n", pattern, serverURL)
	return newClient().WatchEvents(ctx, pattern, func(evt *domain.Event) error {
		if jsonOutput {
			return printJSON(evt)
		}
		printEvent(evt)
		return nil
	})
}

func printEvent(evt *domain.Event) {
	fmt.Printf("%s %s %s\n", gray(evt.PublishedAt.Format("15:04:05.000")), cyan(evt.Type), string(evt.Payload))
}

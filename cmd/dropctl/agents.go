package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	Args:  cobra.NoArgs,
	RunE:  runAgents,
}

var (
	registerEndpoint     string
	registerName         string
	registerCapabilities []string
	heartbeatInterval    time.Duration
)

var agentsRegisterCmd = &cobra.Command{
	Use:   "register <agent_id>",
	Short: "Register an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsRegister,
}

var agentsHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <agent_id>",
	Short: "Keep an agent alive by sending heartbeats until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsHeartbeat,
}

func init() {
	agentsRegisterCmd.Flags().StringVar(&registerEndpoint, "endpoint", "", "Agent base URL")
	agentsRegisterCmd.Flags().StringVar(&registerName, "name", "", "Display name")
	agentsRegisterCmd.Flags().StringSliceVar(&registerCapabilities, "capability", nil, "Action the agent handles (repeatable)")

	agentsHeartbeatCmd.Flags().StringVar(&registerEndpoint, "endpoint", "", "Re-register with this base URL when the orchestrator forgets the agent")
	agentsHeartbeatCmd.Flags().StringVar(&registerName, "name", "", "Display name used on re-registration")
	agentsHeartbeatCmd.Flags().StringSliceVar(&registerCapabilities, "capability", nil, "Capability used on re-registration (repeatable)")
	agentsHeartbeatCmd.Flags().DurationVar(&heartbeatInterval, "interval", 0, "Heartbeat interval (0 follows the orchestrator)")

	agentsCmd.AddCommand(agentsRegisterCmd, agentsHeartbeatCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	agents, err := newClient().ListAgents(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(agents)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATE\tENDPOINT\tCAPABILITIES\tLAST HEARTBEAT")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.AgentID, statusColor(string(a.State)), a.Endpoint,
			strings.Join(a.Capabilities, ","), a.LastHeartbeat.Format("15:04:05"))
	}
	return w.Flush()
}

func registerRequest(agentID string) domain.RegisterAgentRequest {
	return domain.RegisterAgentRequest{
		AgentID:      agentID,
		Name:         registerName,
		Endpoint:     registerEndpoint,
		Capabilities: registerCapabilities,
	}
}

func runAgentsRegister(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	agent, err := newClient().RegisterAgent(ctx, registerRequest(args[0]))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(agent)
	}
	fmt.Printf("%s %s %s\n", bold(agent.AgentID), statusColor(string(agent.State)), strings.Join(agent.Capabilities, ","))
	return nil
}

func runAgentsHeartbeat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if heartbeatInterval > 0 {
		fmt.Fprintf(os.Stderr, "Sending heartbeats for %s every %s\n", args[0], heartbeatInterval)
	} else {
		fmt.Fprintf(os.Stderr, "Sending heartbeats for %s at the orchestrator's interval\n", args[0])
	}
	var reg *domain.RegisterAgentRequest
	if registerEndpoint != "" {
		r := registerRequest(args[0])
		reg = &r
	}
	newClient().RunHeartbeat(ctx, args[0], heartbeatInterval, reg, nil)
	return nil
}

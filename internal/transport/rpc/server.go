// Package rpc exposes the agent-facing orchestrator calls over JSON-RPC.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/service"
)

// Server accepts JSON-RPC connections from agents and internal clients.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	logger    *slog.Logger
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the orchestrator service.
func NewServer(svc *service.Service, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName("Orchestrator", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", slog.Any("error", err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements orchestrator RPC methods. Errors cross the wire as
// "<kind>: <message>" strings.
type Handler struct {
	service *service.Service
}

// HeartbeatArgs identifies the agent sending a heartbeat.
type HeartbeatArgs struct {
	AgentID string `json:"agent_id"`
}

// DispatchArgs requests an action.
type DispatchArgs struct {
	Action string          `json:"action"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// TriggerArgs starts a workflow run.
type TriggerArgs struct {
	Workflow string          `json:"workflow"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Register registers or refreshes an agent.
func (h *Handler) Register(req *domain.RegisterAgentRequest, resp *domain.AgentView) error {
	if req == nil || req.AgentID == "" {
		return domain.Errorf(domain.ErrValidation, "agent_id is required")
	}
	agent, err := h.service.RegisterAgent(context.Background(), *req)
	if err != nil {
		return err
	}
	*resp = *agent
	return nil
}

// Heartbeat refreshes an agent's liveness.
func (h *Handler) Heartbeat(req *HeartbeatArgs, resp *domain.AgentView) error {
	if req == nil || req.AgentID == "" {
		return domain.Errorf(domain.ErrValidation, "agent_id is required")
	}
	agent, err := h.service.Heartbeat(context.Background(), req.AgentID)
	if err != nil {
		return err
	}
	*resp = *agent
	return nil
}

// Report delivers a completion report for a task.
func (h *Handler) Report(req *domain.TaskReport, resp *domain.ReportResponse) error {
	if req == nil {
		return domain.Errorf(domain.ErrValidation, "report is required")
	}
	result, err := h.service.ReportTask(context.Background(), *req)
	if err != nil {
		return err
	}
	*resp = *result
	return nil
}

// Dispatch creates a task for an action.
func (h *Handler) Dispatch(req *DispatchArgs, resp *domain.DispatchResponse) error {
	if req == nil {
		return domain.Errorf(domain.ErrValidation, "dispatch request is required")
	}
	task, err := h.service.DispatchAction(context.Background(), req.Action, req.Input)
	if err != nil {
		return err
	}
	*resp = domain.DispatchResponse{TaskID: task.TaskID, Status: task.Status, Error: task.Error}
	return nil
}

// Publish publishes an event.
func (h *Handler) Publish(req *domain.PublishEventRequest, resp *domain.Event) error {
	if req == nil {
		return domain.Errorf(domain.ErrValidation, "event is required")
	}
	evt, err := h.service.PublishEvent(context.Background(), *req)
	if err != nil {
		return err
	}
	*resp = *evt
	return nil
}

// TriggerWorkflow starts a workflow run.
func (h *Handler) TriggerWorkflow(req *TriggerArgs, resp *domain.TriggerResponse) error {
	if req == nil || req.Workflow == "" {
		return domain.Errorf(domain.ErrValidation, "workflow is required")
	}
	run, err := h.service.TriggerWorkflow(context.Background(), req.Workflow, req.Payload)
	if err != nil {
		return err
	}
	*resp = domain.TriggerResponse{RunID: run.RunID, Status: run.Status}
	return nil
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/i2y/vigil"
)

// StatusInput is the input of instance_status.
type StatusInput struct {
	InstanceID string `json:"instance_id" jsonschema:"The instance ID to check"`
	AccountID  string `json:"account_id,omitempty" jsonschema:"The account owning the instance"`
}

// StatusOutput is the output of instance_status.
type StatusOutput struct {
	InstanceID string `json:"instance_id" jsonschema:"The instance ID"`
	Status     string `json:"status" jsonschema:"One of queued, running, errored, terminated, complete"`
}

// LogsInput is the input of instance_logs.
type LogsInput struct {
	InstanceID string `json:"instance_id" jsonschema:"The instance ID whose log is read"`
	Limit      int    `json:"limit,omitempty" jsonschema:"Return only the last N entries"`
}

// LogView is one log entry as returned by instance_logs.
type LogView struct {
	Event     string `json:"event" jsonschema:"The event kind, e.g. WORKFLOW_SUCCESS"`
	Group     string `json:"group,omitempty" jsonschema:"Collaborator group"`
	Target    string `json:"target,omitempty" jsonschema:"Collaborator target"`
	Metadata  any    `json:"metadata" jsonschema:"Event payload"`
	CreatedAt string `json:"created_at" jsonschema:"Append time in RFC3339 format"`
}

// LogsOutput is the output of instance_logs.
type LogsOutput struct {
	InstanceID string    `json:"instance_id" jsonschema:"The instance ID"`
	Entries    []LogView `json:"entries" jsonschema:"Log entries in append order"`
}

// AbortInput is the input of instance_abort.
type AbortInput struct {
	InstanceID string `json:"instance_id" jsonschema:"The instance ID to abort"`
	Reason     string `json:"reason,omitempty" jsonschema:"Reason recorded in the log"`
}

// TerminateInput is the input of instance_terminate.
type TerminateInput struct {
	InstanceID string `json:"instance_id" jsonschema:"The instance ID to terminate"`
}

// ActionOutput reports the result of instance_abort and instance_terminate.
type ActionOutput struct {
	Success bool   `json:"success" jsonschema:"Whether the instance is now terminated"`
	Message string `json:"message" jsonschema:"Status message"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "instance_status",
		Description: "Get the lifecycle status of a workflow instance",
	}, s.handleStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "instance_logs",
		Description: "Read the append-only log of a workflow instance",
	}, s.handleLogs)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "instance_abort",
		Description: "Abort a workflow instance, discarding the result of a running step",
	}, s.handleAbort)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "instance_terminate",
		Description: "Terminate a workflow instance on behalf of its user",
	}, s.handleTerminate)
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, in StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	account := in.AccountID
	if account == "" {
		account = s.config.account
	}
	st, err := s.app.GetStatus(ctx, account, in.InstanceID)
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to get status of %s: %w", in.InstanceID, err)
	}
	return nil, StatusOutput{InstanceID: in.InstanceID, Status: st.String()}, nil
}

func (s *Server) handleLogs(ctx context.Context, _ *mcp.CallToolRequest, in LogsInput) (*mcp.CallToolResult, LogsOutput, error) {
	entries, err := s.app.ReadLogs(ctx, in.InstanceID)
	if err != nil {
		return nil, LogsOutput{}, fmt.Errorf("failed to read logs of %s: %w", in.InstanceID, err)
	}
	if in.Limit > 0 && len(entries) > in.Limit {
		entries = entries[len(entries)-in.Limit:]
	}

	out := LogsOutput{InstanceID: in.InstanceID, Entries: make([]LogView, 0, len(entries))}
	for _, e := range entries {
		var meta any
		if err := json.Unmarshal(e.Metadata, &meta); err != nil {
			meta = string(e.Metadata)
		}
		out.Entries = append(out.Entries, LogView{
			Event:     e.Event,
			Group:     e.Group,
			Target:    e.Target,
			Metadata:  meta,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleAbort(ctx context.Context, _ *mcp.CallToolRequest, in AbortInput) (*mcp.CallToolResult, ActionOutput, error) {
	reason := in.Reason
	if reason == "" {
		reason = "aborted via mcp"
	}
	if err := s.app.Abort(ctx, in.InstanceID, reason); err != nil {
		return nil, ActionOutput{Success: false, Message: err.Error()}, nil
	}
	return nil, s.terminalOutcome(ctx, in.InstanceID), nil
}

func (s *Server) handleTerminate(ctx context.Context, _ *mcp.CallToolRequest, in TerminateInput) (*mcp.CallToolResult, ActionOutput, error) {
	if err := s.app.UserTriggeredTerminate(ctx, in.InstanceID); err != nil {
		return nil, ActionOutput{Success: false, Message: err.Error()}, nil
	}
	return nil, s.terminalOutcome(ctx, in.InstanceID), nil
}

// terminalOutcome reports whether the abort took effect. Aborting a finished
// instance is a no-op and leaves its status unchanged.
func (s *Server) terminalOutcome(ctx context.Context, instanceID string) ActionOutput {
	entries, err := s.app.ReadLogs(ctx, instanceID)
	if err != nil || len(entries) == 0 {
		return ActionOutput{Success: false, Message: "instance not found"}
	}
	if last := entries[len(entries)-1]; last.Event == vigil.LogWorkflowTerminated {
		return ActionOutput{Success: true, Message: "instance terminated"}
	}
	return ActionOutput{Success: false, Message: "instance already finished"}
}

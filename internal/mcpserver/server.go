// Package mcpserver exposes the automation core's Job Surface as an MCP
// tool surface: spawn_task, stop_task, queue_message, task_status, the
// "MCP" external publisher named in the automation core's control-flow
// diagram.
package mcpserver

import (
	"context"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kagan-dev/kagan/internal/automation"
	"github.com/kagan-dev/kagan/internal/store"
)

// Store is the subset of store.Store the MCP tools read directly.
type Store interface {
	GetTask(id string) (*store.Task, error)
	QueueMessage(taskID string, lane store.Lane, content string) error
}

// New builds an MCP server exposing the four tools over the given Engine
// and Store. Callers drive it with server.ServeStdio or an SSE transport.
func New(engine *automation.Engine, st Store, logger *log.Logger) *server.MCPServer {
	s := server.NewMCPServer("kagan", "1.0.0")

	registerSpawnTask(s, engine, logger)
	registerStopTask(s, engine, logger)
	registerQueueMessage(s, st, logger)
	registerTaskStatus(s, st, logger)

	return s
}

func registerSpawnTask(s *server.MCPServer, engine *automation.Engine, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("spawn_task",
			mcp.WithDescription("Start (or resume) the automation run loop for an AUTO task. Submits a spawn request; the worker loop admits it immediately if under the concurrency cap, otherwise it queues FIFO."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to spawn")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, _ := req.Params.Arguments["task_id"].(string)
			if taskID == "" {
				return nil, fmt.Errorf("task_id is required")
			}
			engine.SpawnForTask(taskID)
			return mcp.NewToolResultText(fmt.Sprintf("spawn submitted for task %s", taskID)), nil
		},
	)
}

func registerStopTask(s *server.MCPServer, engine *automation.Engine, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("stop_task",
			mcp.WithDescription("Cooperatively stop a running task's current runner. A transition into REVIEW is never stopped by this tool; only a live IN_PROGRESS runner is cancelled."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to stop")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, _ := req.Params.Arguments["task_id"].(string)
			if taskID == "" {
				return nil, fmt.Errorf("task_id is required")
			}
			engine.StopTask(taskID)
			return mcp.NewToolResultText(fmt.Sprintf("stop submitted for task %s", taskID)), nil
		},
	)
}

func registerQueueMessage(s *server.MCPServer, st Store, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("queue_message",
			mcp.WithDescription("Queue a follow-up prompt for a task's implementation, review, or planner lane. Delivered to the agent on its next iteration; lanes are independent FIFOs."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to queue the message for")),
			mcp.WithString("lane", mcp.Description("implementation, review, or planner (default: implementation)")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message content")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.Params.Arguments
			taskID, _ := args["task_id"].(string)
			content, _ := args["content"].(string)
			laneArg, _ := args["lane"].(string)
			if taskID == "" || content == "" {
				return nil, fmt.Errorf("task_id and content are required")
			}
			lane := store.Lane(laneArg)
			if lane == "" {
				lane = store.LaneImplementation
			}
			if err := st.QueueMessage(taskID, lane, content); err != nil {
				return nil, fmt.Errorf("queue message: %w", err)
			}
			return mcp.NewToolResultText(fmt.Sprintf("queued message for task %s on lane %s", taskID, lane)), nil
		},
	)
}

func registerTaskStatus(s *server.MCPServer, st Store, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Fetch the current status, merge readiness, and last error/block reason for a task."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to look up")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, _ := req.Params.Arguments["task_id"].(string)
			if taskID == "" {
				return nil, fmt.Errorf("task_id is required")
			}
			task, err := st.GetTask(taskID)
			if err != nil {
				return nil, fmt.Errorf("get task: %w", err)
			}
			if task == nil {
				return mcp.NewToolResultText(fmt.Sprintf("task %s not found", taskID)), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"task %s: status=%s merge_readiness=%s checks_passed=%v last_error=%q block_reason=%q",
				task.ID, task.Status, task.MergeReadiness, task.ChecksPassed, task.LastError, task.BlockReason,
			)), nil
		},
	)
}

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/collab"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/orchestrator"
	"github.com/agentplane/agentplane/internal/registry"
)

func registerTools(s *server.MCPServer, svc Services, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("submit_task",
			mcp.WithDescription("Submit a task to the orchestrator. Returns the task id; use get_task to poll its status."),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("What the task should accomplish"),
			),
			mcp.WithString("capability",
				mcp.Description("Route the task to agents declaring this capability (optional)"),
			),
			mcp.WithNumber("priority",
				mcp.Description("0 low, 1 normal, 2 high, 3 critical (optional, default 0)"),
			),
		),
		submitTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get a task's status, assigned agent and result"),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task id returned by submit_task"),
			),
		),
		getTaskHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("await_task",
			mcp.WithDescription("Block until a task reaches a terminal status and return it. Times out after timeout_seconds (default 60)."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task id to wait for"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("Maximum seconds to wait (optional)"),
			),
		),
		awaitTaskHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a queued, waiting or running task. Dependents are cancelled with it."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task id to cancel"),
			),
		),
		cancelTaskHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List registered agents with status, load and success rate"),
			mcp.WithString("capability",
				mcp.Description("Only agents declaring this capability (optional)"),
			),
		),
		listAgentsHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("run_debate",
			mcp.WithDescription("Run a debate between agents and return the jury or judge verdict with the transcript"),
			mcp.WithString("task", mcp.Required(), mcp.Description("The question under debate")),
			mcp.WithArray("participants", mcp.Required(), mcp.Description("Agent ids that argue, at least two")),
			mcp.WithNumber("rounds", mcp.Description("Argument rounds before the verdict (optional, default 1)")),
			mcp.WithString("judge", mcp.Description("Agent id of a designated judge (optional)")),
			mcp.WithArray("jury", mcp.Description("Agent ids voting on the winner (optional; judge or jury required)")),
		),
		runDebateHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("run_ensemble",
			mcp.WithDescription("Fan the same task out to several agents and merge their outputs"),
			mcp.WithString("task", mcp.Required(), mcp.Description("The task every participant runs")),
			mcp.WithArray("participants", mcp.Required(), mcp.Description("Agent ids, at least two")),
			mcp.WithString("merge", mcp.Description("vote, average or synthesis (optional, default vote)")),
			mcp.WithString("synthesizer", mcp.Description("Agent id merging the outputs when merge is synthesis")),
		),
		runEnsembleHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("bus_history",
			mcp.WithDescription("Return recent bus messages, optionally narrowed to one topic"),
			mcp.WithString("topic", mcp.Description("Exact topic to filter on (optional)")),
			mcp.WithNumber("limit", mcp.Description("Maximum messages to return (optional, default 50)")),
		),
		busHistoryHandler(svc),
	)

	log.Info("registered MCP tools", zap.Int("count", 8))
}

func submitTaskHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		id, err := svc.Orchestrator.Submit(ctx, orchestrator.TaskSpec{
			Description: description,
			Capability:  req.GetString("capability", ""),
			Priority:    req.GetInt("priority", 0),
		})
		if err != nil {
			log.Warn("mcp submit rejected", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to submit task: %v", err)), nil
		}
		return jsonResult(map[string]any{"task_id": id})
	}
}

func getTaskHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := svc.Orchestrator.Get(taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func awaitTaskHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		timeout := time.Duration(req.GetInt("timeout_seconds", 60)) * time.Second
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		task, err := svc.Orchestrator.Await(waitCtx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to await task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func cancelTaskHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := svc.Orchestrator.Cancel(ctx, taskID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel task: %v", err)), nil
		}
		task, err := svc.Orchestrator.Get(taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func listAgentsHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents := svc.Registry.ListAgents(registry.ListFilter{
			Capability: req.GetString("capability", ""),
		})
		return jsonResult(agents)
	}
}

func runDebateHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task, err := req.RequireString("task")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		participants := req.GetStringSlice("participants", nil)
		if len(participants) == 0 {
			return mcp.NewToolResultError("participants is required"), nil
		}

		result, err := svc.Collab.RunDebate(ctx, collab.DebateSpec{
			Task:         task,
			Participants: participants,
			Rounds:       req.GetInt("rounds", 1),
			Judge:        req.GetString("judge", ""),
			Jury:         req.GetStringSlice("jury", nil),
		})
		if err != nil {
			log.Warn("mcp debate failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Debate failed: %v", err)), nil
		}
		return jsonResult(result)
	}
}

func runEnsembleHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task, err := req.RequireString("task")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		participants := req.GetStringSlice("participants", nil)
		if len(participants) == 0 {
			return mcp.NewToolResultError("participants is required"), nil
		}

		merge := collab.MergeStrategy(req.GetString("merge", string(collab.MergeVote)))
		result, err := svc.Collab.RunEnsemble(ctx, collab.EnsembleSpec{
			Task:         task,
			Participants: participants,
			Merge:        merge,
			Synthesizer:  req.GetString("synthesizer", ""),
		})
		if err != nil {
			log.Warn("mcp ensemble failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Ensemble failed: %v", err)), nil
		}
		return jsonResult(result)
	}
}

func busHistoryHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		messages := svc.Bus.History(req.GetString("topic", ""), req.GetInt("limit", 50))
		return jsonResult(messages)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

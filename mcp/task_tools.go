package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"settlement-backend/core/association"
	"settlement-backend/core/settlement"
)

type taskTransition func(ctx context.Context, caller string, taskID uint64) (settlement.Task, error)

func (s *MCPServer) registerTaskTools() {
	s.addTool(mcp.NewTool("create_task",
		mcp.WithDescription("Post a task, escrowing the reward plus the post fee from the caller"),
		callerArg(),
		mcp.WithNumber("reward", mcp.Required(), mcp.Description("Reward in settlement asset base units")),
		mcp.WithString("content_ref", mcp.Required(), mcp.Description("Off-ledger reference to the task brief")),
		mcp.WithString("cross_chain_asset", mcp.Description("Informational cross-chain reward asset")),
		mcp.WithNumber("cross_chain_amount", mcp.Description("Informational cross-chain reward amount")),
		mcp.WithNumber("target_chain_id", mcp.Description("Chain the cross-chain reward pays out on")),
	), s.handleCreateTask)

	s.addTransition("accept_task", "Accept an open task, staking an amount equal to its reward", "accept task", s.svc.Tasks.AcceptTask)
	s.addTransition("submit_work", "Mark an in-progress task as submitted", "submit work", s.svc.Tasks.SubmitWork)
	s.addTransition("request_terminate", "Record a termination request; no funds move", "request termination", s.svc.Tasks.RequestTerminate)
	s.addTransition("request_fix", "Record a fix request; no funds move", "request fix", s.svc.Tasks.RequestFix)

	s.addTool(mcp.NewTool("confirm_complete",
		mcp.WithDescription("Confirm submitted work, paying reward, stake and fee less burn to the helper"),
		callerArg(),
		idArg("task_id", "Task to complete"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, id, errResult := s.callerAndID(req, "task_id")
		if errResult != nil {
			return errResult, nil
		}
		payout, err := s.svc.Tasks.ConfirmComplete(ctx, caller, id)
		if err != nil {
			return failure("complete task", err), nil
		}
		return jsonResult(fmt.Sprintf("Task %d completed, %d paid to %s", id, payout.HelperAmount, payout.Helper), payout)
	})

	s.addTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel an open task and return reward plus post fee to the creator"),
		callerArg(),
		idArg("task_id", "Task to cancel"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, id, errResult := s.callerAndID(req, "task_id")
		if errResult != nil {
			return errResult, nil
		}
		refund, err := s.svc.Tasks.CancelTask(ctx, caller, id)
		if err != nil {
			return failure("cancel task", err), nil
		}
		return jsonResult(fmt.Sprintf("Task %d cancelled, %d refunded", id, refund),
			map[string]uint64{"task_id": id, "refund": refund})
	})

	s.addTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get a task by id"),
		idArg("task_id", "Task to retrieve"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := requireUint(req, "task_id")
		if err != nil {
			return invalidArgs(err), nil
		}
		task, err := s.svc.Tasks.GetTask(ctx, id)
		if err != nil {
			return failure("get task", err), nil
		}
		return jsonResult(fmt.Sprintf("Task %d is %s", task.ID, task.Status), task)
	})

	s.addTool(mcp.NewTool("create_task_with_reward",
		mcp.WithDescription("Fund a cross-chain reward plan, post a task and bind them; a failed binding refunds the plan"),
		callerArg(),
		mcp.WithNumber("reward", mcp.Required(), mcp.Description("Reward in settlement asset base units")),
		mcp.WithString("content_ref", mcp.Required(), mcp.Description("Off-ledger reference to the task brief")),
		mcp.WithString("reward_asset", mcp.Required(), mcp.Description("Cross-chain reward asset")),
		mcp.WithNumber("reward_amount", mcp.Required(), mcp.Description("Cross-chain reward amount")),
		mcp.WithNumber("target_chain_id", mcp.Required(), mcp.Description("Chain the reward pays out on")),
		mcp.WithNumber("attached_value", mcp.Description("Native value sent with the call; must equal reward_amount for the native asset")),
	), s.handleCreateTaskWithReward)
}

func (s *MCPServer) addTransition(name, description, action string, fn taskTransition) {
	s.addTool(mcp.NewTool(name,
		mcp.WithDescription(description),
		callerArg(),
		idArg("task_id", "Task to act on"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, id, errResult := s.callerAndID(req, "task_id")
		if errResult != nil {
			return errResult, nil
		}
		task, err := fn(ctx, caller, id)
		if err != nil {
			return failure(action, err), nil
		}
		return jsonResult(fmt.Sprintf("Task %d is %s", task.ID, task.Status), task)
	})
}

func (s *MCPServer) callerAndID(req mcp.CallToolRequest, key string) (string, uint64, *mcp.CallToolResult) {
	caller, err := s.requireCaller(req)
	if err != nil {
		return "", 0, invalidArgs(err)
	}
	id, err := requireUint(req, key)
	if err != nil {
		return "", 0, invalidArgs(err)
	}
	return caller, id, nil
}

func (s *MCPServer) handleCreateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caller, err := s.requireCaller(req)
	if err != nil {
		return invalidArgs(err), nil
	}
	reward, err := requireUint(req, "reward")
	if err != nil {
		return invalidArgs(err), nil
	}
	contentRef, err := req.RequireString("content_ref")
	if err != nil {
		return invalidArgs(err), nil
	}
	in := settlement.CreateTaskInput{Reward: reward, ContentRef: contentRef}
	if asset := toString(req.GetArguments()["cross_chain_asset"]); asset != "" {
		amount, err := optionalUint(req, "cross_chain_amount")
		if err != nil {
			return invalidArgs(err), nil
		}
		chainID, err := optionalUint(req, "target_chain_id")
		if err != nil {
			return invalidArgs(err), nil
		}
		in.Mirror = &settlement.CrossChainMirror{Asset: asset, Amount: amount, TargetChainID: chainID}
	}
	task, err := s.svc.Tasks.CreateTask(ctx, caller, in)
	if err != nil {
		return failure("create task", err), nil
	}
	return jsonResult(fmt.Sprintf("Task %d created", task.ID), task)
}

func (s *MCPServer) handleCreateTaskWithReward(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caller, err := s.requireCaller(req)
	if err != nil {
		return invalidArgs(err), nil
	}
	var in association.Input
	if in.Reward, err = requireUint(req, "reward"); err != nil {
		return invalidArgs(err), nil
	}
	if in.ContentRef, err = req.RequireString("content_ref"); err != nil {
		return invalidArgs(err), nil
	}
	if in.RewardAsset, err = req.RequireString("reward_asset"); err != nil {
		return invalidArgs(err), nil
	}
	if in.RewardAmount, err = requireUint(req, "reward_amount"); err != nil {
		return invalidArgs(err), nil
	}
	if in.TargetChainID, err = requireUint(req, "target_chain_id"); err != nil {
		return invalidArgs(err), nil
	}
	if in.AttachedValue, err = optionalUint(req, "attached_value"); err != nil {
		return invalidArgs(err), nil
	}

	res, wf, err := s.svc.CreateTaskWithReward(ctx, caller, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create task with reward [%s] (saga %s, reward plan %d): %v",
			settlement.Code(err), wf.State(), wf.RewardID(), err)), nil
	}
	return jsonResult(fmt.Sprintf("Task %d bound to reward plan %d", res.Task.ID, res.Plan.ID), map[string]interface{}{
		"task":    res.Task,
		"plan":    res.Plan,
		"state":   wf.State(),
		"history": wf.History(),
	})
}

package mcp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"settlement-backend/core/settlement"
	"settlement-backend/services"
)

func (s *MCPServer) registerRewardTools() {
	s.addTool(mcp.NewTool("prepare_reward_plan",
		mcp.WithDescription("Record an unfunded cross-chain reward plan owned by the caller"),
		callerArg(),
		mcp.WithString("asset", mcp.Required(), mcp.Description("Reward asset")),
		mcp.WithNumber("amount", mcp.Required(), mcp.Description("Reward amount in base units")),
		mcp.WithNumber("target_chain_id", mcp.Required(), mcp.Description("Chain the reward pays out on")),
		mcp.WithBoolean("deposit", mcp.Description("Fund the plan in the same call")),
		mcp.WithNumber("attached_value", mcp.Description("Native value sent when depositing the native asset")),
	), s.handlePrepare)

	s.addTool(mcp.NewTool("deposit_reward",
		mcp.WithDescription("Fund a prepared reward plan"),
		callerArg(),
		idArg("reward_id", "Reward plan to fund"),
		mcp.WithNumber("attached_value", mcp.Description("Native value sent with the call")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, id, errResult := s.callerAndID(req, "reward_id")
		if errResult != nil {
			return errResult, nil
		}
		attached, err := optionalUint(req, "attached_value")
		if err != nil {
			return invalidArgs(err), nil
		}
		plan, err := s.svc.Rewards.Deposit(ctx, caller, id, attached)
		if err != nil {
			return failure("deposit reward plan", err), nil
		}
		return planResult(plan)
	})

	s.addTool(mcp.NewTool("lock_reward_for_task",
		mcp.WithDescription("Bind a funded reward plan to a live task owned by the same creator"),
		callerArg(),
		idArg("reward_id", "Reward plan to bind"),
		idArg("task_id", "Task to bind to"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, id, errResult := s.callerAndID(req, "reward_id")
		if errResult != nil {
			return errResult, nil
		}
		taskID, err := requireUint(req, "task_id")
		if err != nil {
			return invalidArgs(err), nil
		}
		plan, err := s.svc.Rewards.LockForTask(ctx, caller, id, taskID)
		if err != nil {
			return failure("lock reward plan", err), nil
		}
		return planResult(plan)
	})

	s.addTool(mcp.NewTool("claim_to_helper",
		mcp.WithDescription("Dispatch a locked reward to the helper's address on the target chain; delivery settles asynchronously"),
		callerArg(),
		idArg("reward_id", "Reward plan to claim"),
		mcp.WithString("target_address", mcp.Required(), mcp.Description("Destination address on the target chain")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, id, errResult := s.callerAndID(req, "reward_id")
		if errResult != nil {
			return errResult, nil
		}
		addr, err := req.RequireString("target_address")
		if err != nil {
			return invalidArgs(err), nil
		}
		receipt, err := s.svc.Rewards.ClaimToHelper(ctx, caller, id, addr)
		if err != nil {
			return failure("claim reward plan", err), nil
		}
		return jsonResult(fmt.Sprintf("Reward plan %d dispatched as %s", id, receipt.DispatchID), receipt)
	})

	s.addTool(mcp.NewTool("refund_reward",
		mcp.WithDescription("Return a reward plan's escrow to its creator and end the plan"),
		callerArg(),
		idArg("reward_id", "Reward plan to refund"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, id, errResult := s.callerAndID(req, "reward_id")
		if errResult != nil {
			return errResult, nil
		}
		plan, err := s.svc.Rewards.Refund(ctx, caller, id)
		if err != nil {
			return failure("refund reward plan", err), nil
		}
		return planResult(plan)
	})

	s.addTool(mcp.NewTool("get_reward_plan",
		mcp.WithDescription("Get a reward plan by id"),
		idArg("reward_id", "Reward plan to retrieve"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := requireUint(req, "reward_id")
		if err != nil {
			return invalidArgs(err), nil
		}
		plan, err := s.svc.Rewards.GetRewardPlan(ctx, id)
		if err != nil {
			return failure("get reward plan", err), nil
		}
		return planResult(plan)
	})

	s.addTool(mcp.NewTool("get_reward_by_task",
		mcp.WithDescription("Follow a task to the reward plan bound to it"),
		idArg("task_id", "Task to look up"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := requireUint(req, "task_id")
		if err != nil {
			return invalidArgs(err), nil
		}
		id, ok, err := s.svc.Rewards.GetRewardByTask(ctx, taskID)
		if err != nil {
			return failure("look up reward plan", err), nil
		}
		if !ok {
			return jsonResult(fmt.Sprintf("Task %d has no reward plan", taskID), map[string]interface{}{"task_id": taskID, "bound": false})
		}
		return jsonResult(fmt.Sprintf("Task %d is bound to reward plan %d", taskID, id), map[string]interface{}{"task_id": taskID, "reward_id": id, "bound": true})
	})

	s.addTool(mcp.NewTool("get_claim_qr",
		mcp.WithDescription("Render the payment URI of a dispatched claim as a PNG QR code"),
		idArg("reward_id", "Reward plan with a claim target"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := requireUint(req, "reward_id")
		if err != nil {
			return invalidArgs(err), nil
		}
		plan, err := s.svc.Rewards.GetRewardPlan(ctx, id)
		if err != nil {
			return failure("get reward plan", err), nil
		}
		chain, err := s.svc.Rewards.Chains().Lookup(plan.TargetChainID)
		if err != nil {
			return failure("look up chain", err), nil
		}
		uri, err := services.ClaimURI(plan, chain)
		if err != nil {
			return failure("build claim uri", err), nil
		}
		png, err := services.ClaimQRCode(plan, chain, 256)
		if err != nil {
			return failure("render qr code", err), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{
			mcp.NewTextContent(uri),
			mcp.NewImageContent(base64.StdEncoding.EncodeToString(png), "image/png"),
		}}, nil
	})
}

func planResult(p settlement.RewardPlan) (*mcp.CallToolResult, error) {
	return jsonResult(fmt.Sprintf("Reward plan %d is %s", p.ID, p.Status), p)
}

func (s *MCPServer) handlePrepare(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caller, err := s.requireCaller(req)
	if err != nil {
		return invalidArgs(err), nil
	}
	asset, err := req.RequireString("asset")
	if err != nil {
		return invalidArgs(err), nil
	}
	amount, err := requireUint(req, "amount")
	if err != nil {
		return invalidArgs(err), nil
	}
	chainID, err := requireUint(req, "target_chain_id")
	if err != nil {
		return invalidArgs(err), nil
	}
	attached, err := optionalUint(req, "attached_value")
	if err != nil {
		return invalidArgs(err), nil
	}

	var plan settlement.RewardPlan
	if req.GetBool("deposit", false) {
		plan, err = s.svc.Rewards.PrepareAndDeposit(ctx, caller, asset, amount, chainID, attached)
	} else {
		plan, err = s.svc.Rewards.PreparePlan(ctx, caller, asset, amount, chainID)
	}
	if err != nil {
		return failure("prepare reward plan", err), nil
	}
	return planResult(plan)
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"settlement-backend/core/settlement"
	"settlement-backend/services"
	"settlement-backend/storage/auth"
)

const (
	serverName    = "Settlement MCP Server"
	serverVersion = "1.0.0"
)

// MCPServer exposes settlement operations as MCP tools.
type MCPServer struct {
	mcpServer *server.MCPServer
	svc       *services.SettlementService
	handlers  map[string]server.ToolHandlerFunc

	keys       auth.Validator
	sessionKey string
}

// NewMCPServer registers every tool over svc.
func NewMCPServer(svc *services.SettlementService, opts ...Option) *MCPServer {
	s := &MCPServer{
		mcpServer: server.NewMCPServer(
			serverName,
			serverVersion,
			server.WithToolCapabilities(true),
		),
		svc:      svc,
		handlers: make(map[string]server.ToolHandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTaskTools()
	s.registerRewardTools()
	s.registerLedgerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for transport setup.
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the tools over stdin and stdout until the client hangs up.
func (s *MCPServer) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ToolNames lists the registered tools in sorted order.
func (s *MCPServer) ToolNames() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes a registered tool directly, bypassing the transport.
func (s *MCPServer) Call(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return h(ctx, req)
}

func (s *MCPServer) addTool(tool mcp.Tool, h server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, h)
	s.handlers[tool.Name] = h
}

func jsonResult(summary string, v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(summary + "\n\n" + string(b)), nil
}

func failure(action string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s [%s]: %v", action, settlement.Code(err), err))
}

func invalidArgs(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func idArg(name, what string) mcp.ToolOption {
	return mcp.WithNumber(name, mcp.Required(), mcp.Description(what))
}

func (s *MCPServer) registerLedgerTools() {
	s.addTool(mcp.NewTool("approve",
		mcp.WithDescription("Set the amount of an asset the escrow may pull from the caller"),
		callerArg(),
		mcp.WithString("asset", mcp.Required(), mcp.Description("Asset symbol")),
		mcp.WithNumber("amount", mcp.Required(), mcp.Description("Allowance in base units")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
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
		if err := s.svc.Accounts.Approve(ctx, caller, asset, amount); err != nil {
			return failure("approve", err), nil
		}
		return jsonResult(fmt.Sprintf("Allowance for %s set to %d %s", caller, amount, asset),
			map[string]interface{}{"owner": caller, "asset": asset, "allowance": amount})
	})

	s.addTool(mcp.NewTool("get_balance",
		mcp.WithDescription("Read the balance and escrow allowance of an account"),
		mcp.WithString("account", mcp.Required(), mcp.Description("Account to inspect")),
		mcp.WithString("asset", mcp.Required(), mcp.Description("Asset symbol")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		account, err := req.RequireString("account")
		if err != nil {
			return invalidArgs(err), nil
		}
		asset, err := req.RequireString("asset")
		if err != nil {
			return invalidArgs(err), nil
		}
		balance, err := s.svc.Accounts.Balance(ctx, account, asset)
		if err != nil {
			return failure("read balance", err), nil
		}
		allowance, err := s.svc.Accounts.Allowance(ctx, account, asset)
		if err != nil {
			return failure("read allowance", err), nil
		}
		return jsonResult(fmt.Sprintf("%s holds %d %s", account, balance, asset), map[string]interface{}{
			"account": account, "asset": asset, "balance": balance, "allowance": allowance,
		})
	})

	s.addTool(mcp.NewTool("get_counters",
		mcp.WithDescription("Next task and reward plan ids; every lower id exists"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, err := s.svc.Counters(ctx)
		if err != nil {
			return failure("read counters", err), nil
		}
		return jsonResult(fmt.Sprintf("Next task %d, next reward plan %d", c.NextTaskID, c.NextRewardID), c)
	})

	s.addTool(mcp.NewTool("list_events",
		mcp.WithDescription("List committed ledger records after a sequence number"),
		mcp.WithNumber("after", mcp.Description("Return records with a greater sequence number")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of records")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		after, err := optionalUint(req, "after")
		if err != nil {
			return invalidArgs(err), nil
		}
		limit, err := optionalUint(req, "limit")
		if err != nil {
			return invalidArgs(err), nil
		}
		if limit == 0 || limit > 500 {
			limit = 100
		}
		evts, err := s.svc.Rewards.Events(ctx, after, int(limit))
		if err != nil {
			return failure("list events", err), nil
		}
		if evts == nil {
			evts = []settlement.Event{}
		}
		return jsonResult(fmt.Sprintf("Found %d events", len(evts)), evts)
	})

	s.addTool(mcp.NewTool("reconcile_sweep",
		mcp.WithDescription("Classify every reward plan by association health without changing state"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rep, err := s.svc.Sweeper.Sweep(ctx)
		if err != nil {
			return failure("sweep reward plans", err), nil
		}
		return jsonResult(fmt.Sprintf("Scanned %d reward plans, %d need attention", rep.Scanned, len(rep.Orphans())), rep)
	})

	s.addTool(mcp.NewTool("reconcile_remediate",
		mcp.WithDescription("Sweep and refund orphaned reward plans to their creators; inconsistent plans are only reported"),
		mcp.WithBoolean("confirm", mcp.Required(), mcp.Description("Must be true to move funds")),
		apiKeyArg(),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.requireOperator(req); err != nil {
			return invalidArgs(err), nil
		}
		confirm, err := req.RequireBool("confirm")
		if err != nil {
			return invalidArgs(err), nil
		}
		if !confirm {
			return mcp.NewToolResultError("remediation not confirmed"), nil
		}
		rep, err := s.svc.Sweeper.Sweep(ctx)
		if err != nil {
			return failure("sweep reward plans", err), nil
		}
		res, err := s.svc.Sweeper.Remediate(ctx, rep)
		if err != nil {
			return failure("remediate", err), nil
		}
		return jsonResult(fmt.Sprintf("Refunded %d plans, %d need manual review", len(res.Refunded), len(res.ManualReview)), res)
	})
}

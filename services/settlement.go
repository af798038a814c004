package services

import (
	"context"

	"settlement-backend/core/association"
	"settlement-backend/core/reconcile"
	"settlement-backend/core/settlement"
)

// Options wires a SettlementService.
type Options struct {
	Tasks       settlement.TaskConfig
	Rewards     settlement.RewardConfig
	Association association.Config
	// Ledger options shared by the task manager, the coordinator and accounts.
	Ledger []settlement.Option
	Saga   []association.Option
	Sweep  reconcile.SweepObserver
}

// SettlementService bundles the components the HTTP and MCP surfaces drive.
type SettlementService struct {
	Ledger   settlement.Ledger
	Tasks    *settlement.TaskManager
	Rewards  *settlement.RewardCoordinator
	Accounts *settlement.Accounts
	Sweeper  *reconcile.Sweeper

	assoc association.Config
	saga  []association.Option
}

// NewSettlementService builds every component over one ledger.
func NewSettlementService(ledger settlement.Ledger, opts Options) *SettlementService {
	rewards := settlement.NewRewardCoordinator(ledger, opts.Rewards, opts.Ledger...)
	return &SettlementService{
		Ledger:   ledger,
		Tasks:    settlement.NewTaskManager(ledger, opts.Tasks, opts.Ledger...),
		Rewards:  rewards,
		Accounts: settlement.NewAccounts(ledger, opts.Ledger...),
		Sweeper:  reconcile.NewSweeper(ledger, rewards, opts.Sweep),
		assoc:    opts.Association,
		saga:     opts.Saga,
	}
}

// CreateTaskWithReward runs a fresh association saga. The workflow is returned
// even on failure so callers can report its final state.
func (s *SettlementService) CreateTaskWithReward(ctx context.Context, caller string, in association.Input) (association.Result, *association.Workflow, error) {
	wf := association.NewWorkflow(s.Tasks, s.Rewards, s.assoc, s.saga...)
	res, err := wf.CreateTaskWithReward(ctx, caller, in)
	return res, wf, err
}

// Counters reports the next task and reward ids.
func (s *SettlementService) Counters(ctx context.Context) (settlement.Counters, error) {
	return s.Ledger.Counters(ctx)
}

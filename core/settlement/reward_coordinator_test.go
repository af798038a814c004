package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"settlement-backend/core/settlement"
)

const bitcoinMainnet = 8332

func TestRewardPlanClaimHappyPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "alice", asset, 1000)
	e.fund(t, "bob", asset, 1000)
	e.fund(t, "alice", "WBTC", 1e16)

	plan, err := e.rewards.PreparePlan(ctx, "alice", "WBTC", 1e16, bitcoinMainnet)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if plan.Status != settlement.RewardPrepared || plan.TaskID != 0 {
		t.Fatalf("prepared plan = %+v", plan)
	}
	if plan, err = e.rewards.Deposit(ctx, "alice", plan.ID, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	task, err := e.tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{
		Reward:     100,
		ContentRef: "ipfs://brief",
		Mirror:     &settlement.CrossChainMirror{Asset: "WBTC", Amount: 1e16, TargetChainID: bitcoinMainnet},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if plan, err = e.rewards.LockForTask(ctx, "alice", plan.ID, task.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if id, ok, _ := e.rewards.GetRewardByTask(ctx, task.ID); !ok || id != plan.ID || plan.TaskID != task.ID {
		t.Fatalf("association broken: index %d,%v plan.TaskID %d", id, ok, plan.TaskID)
	}

	_, err = e.rewards.ClaimToHelper(ctx, "alice", plan.ID, btcAddress)
	expectErr(t, err, settlement.ErrUnauthorized)

	if _, err := e.tasks.AcceptTask(ctx, "bob", task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = e.rewards.ClaimToHelper(ctx, "bob", plan.ID, btcAddress)
	expectErr(t, err, settlement.ErrInvalidState)
	if _, err := e.tasks.SubmitWork(ctx, "bob", task.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.tasks.ConfirmComplete(ctx, "alice", task.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	_, err = e.rewards.ClaimToHelper(ctx, "mallory", plan.ID, btcAddress)
	expectErr(t, err, settlement.ErrUnauthorized)
	// The creator cannot pick the payout address.
	_, err = e.rewards.ClaimToHelper(ctx, "alice", plan.ID, btcAddress)
	expectErr(t, err, settlement.ErrUnauthorized)
	_, err = e.rewards.ClaimToHelper(ctx, "bob", plan.ID, evmAddress)
	expectErr(t, err, settlement.ErrInvalidAddress)

	receipt, err := e.rewards.ClaimToHelper(ctx, "bob", plan.ID, btcAddress)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	d := e.transport.last(t)
	if d.DispatchID != receipt.DispatchID || d.Amount != 1e16 || d.TargetChainID != bitcoinMainnet || d.TargetAddress != btcAddress {
		t.Fatalf("dispatch = %+v", d)
	}
	pending, _ := e.rewards.GetRewardPlan(ctx, plan.ID)
	if pending.Status != settlement.RewardLocked {
		t.Fatalf("claim must not settle synchronously, status %s", pending.Status)
	}
	_, err = e.rewards.ClaimToHelper(ctx, "bob", plan.ID, btcAddress)
	expectErr(t, err, settlement.ErrInvalidState)

	if err := e.transport.handler(ctx, settlement.DeliveryResult{
		DispatchID: d.DispatchID, RewardID: plan.ID, Success: true, TxHash: "btc-tx-1",
	}); err != nil {
		t.Fatalf("delivery: %v", err)
	}
	final, _ := e.rewards.GetRewardPlan(ctx, plan.ID)
	if final.Status != settlement.RewardClaimed || final.TargetAddress != btcAddress || final.LastTxHash != "btc-tx-1" {
		t.Fatalf("final plan = %+v", final)
	}
	if got := e.balance(t, settlement.AccountBridge, "WBTC"); got != 1e16 {
		t.Fatalf("bridge balance = %d", got)
	}
	if got := e.balance(t, settlement.AccountEscrow, "WBTC"); got != 0 {
		t.Fatalf("escrow WBTC = %d", got)
	}

	// Duplicate callback is rejected and changes nothing.
	err = e.transport.handler(ctx, settlement.DeliveryResult{DispatchID: d.DispatchID, RewardID: plan.ID, Success: true})
	expectErr(t, err, settlement.ErrOrphanInconsistency)
	_, err = e.rewards.Refund(ctx, "alice", plan.ID)
	expectErr(t, err, settlement.ErrInvalidState)
}

func TestNativeDepositRequiresExactValue(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "alice", nativeAsset, 500)

	_, err := e.rewards.PrepareAndDeposit(ctx, "alice", nativeAsset, 300, 1, 299)
	expectErr(t, err, settlement.ErrInvalidAmount)
	if next, _ := e.rewards.NextRewardID(ctx); next != 1 {
		t.Fatalf("failed collapsed deposit left a plan behind: next id %d", next)
	}

	plan, err := e.rewards.PrepareAndDeposit(ctx, "alice", nativeAsset, 300, 1, 300)
	if err != nil {
		t.Fatalf("prepare and deposit: %v", err)
	}
	if plan.Status != settlement.RewardDeposited {
		t.Fatalf("status = %s", plan.Status)
	}
	if got := e.balance(t, "alice", nativeAsset); got != 200 {
		t.Fatalf("alice native = %d", got)
	}
	_, err = e.rewards.Deposit(ctx, "alice", plan.ID, 300)
	expectErr(t, err, settlement.ErrInvalidState)
}

func TestPreparePlanValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tests := []struct {
		name   string
		asset  string
		amount uint64
		chain  uint64
		want   error
	}{
		{name: "zero amount", asset: "USDC", amount: 0, chain: 1, want: settlement.ErrInvalidAmount},
		{name: "missing asset", asset: "", amount: 5, chain: 1, want: settlement.ErrValidation},
		{name: "unknown chain", asset: "USDC", amount: 5, chain: 424242, want: settlement.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.rewards.PreparePlan(ctx, "alice", tt.asset, tt.amount, tt.chain)
			expectErr(t, err, tt.want)
		})
	}
}

func TestLockForTaskGuards(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "alice", asset, 1000)
	e.fund(t, "alice", "USDC", 1000)
	e.fund(t, "dave", asset, 1000)

	task, _ := e.tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
	other, _ := e.tasks.CreateTask(ctx, "dave", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
	prepared, _ := e.rewards.PreparePlan(ctx, "alice", "USDC", 10, 1)
	funded, _ := e.rewards.PrepareAndDeposit(ctx, "alice", "USDC", 10, 1, 0)

	_, err := e.rewards.LockForTask(ctx, "alice", prepared.ID, task.ID)
	expectErr(t, err, settlement.ErrInvalidState)
	_, err = e.rewards.LockForTask(ctx, "alice", funded.ID, 0)
	expectErr(t, err, settlement.ErrValidation)
	_, err = e.rewards.LockForTask(ctx, "bob", funded.ID, task.ID)
	expectErr(t, err, settlement.ErrUnauthorized)
	_, err = e.rewards.LockForTask(ctx, "alice", funded.ID, other.ID)
	expectErr(t, err, settlement.ErrUnauthorized)
	_, err = e.rewards.LockForTask(ctx, "alice", funded.ID, 77)
	expectErr(t, err, settlement.ErrNotFound)

	if _, err := e.tasks.CancelTask(ctx, "alice", task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = e.rewards.LockForTask(ctx, "alice", funded.ID, task.ID)
	expectErr(t, err, settlement.ErrInvalidState)

	got, _ := e.rewards.GetRewardPlan(ctx, funded.ID)
	if got.Status != settlement.RewardDeposited || got.TaskID != 0 {
		t.Fatalf("rejected locks changed the plan: %+v", got)
	}
}

func TestConcurrentLockYieldsOneAssociation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "alice", asset, 1000)
	e.fund(t, "alice", "USDC", 1000)
	task, _ := e.tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})

	const n = 16
	plans := make([]settlement.RewardPlan, n)
	for i := range plans {
		p, err := e.rewards.PrepareAndDeposit(ctx, "alice", "USDC", 5, 1, 0)
		if err != nil {
			t.Fatalf("fund plan %d: %v", i, err)
		}
		plans[i] = p
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []uint64
	)
	for _, p := range plans {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			_, err := e.rewards.LockForTask(ctx, "alice", id, task.ID)
			if err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
				return
			}
			if !errors.Is(err, settlement.ErrAssociationRace) && !errors.Is(err, settlement.ErrInvalidState) {
				t.Errorf("unexpected lock error: %v", err)
			}
		}(p.ID)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	id, ok, _ := e.rewards.GetRewardByTask(ctx, task.ID)
	if !ok || id != winners[0] {
		t.Fatalf("reverse index = %d,%v, want %d", id, ok, winners[0])
	}
	for _, p := range plans {
		got, _ := e.rewards.GetRewardPlan(ctx, p.ID)
		if got.ID == winners[0] {
			if got.Status != settlement.RewardLocked || got.TaskID != task.ID {
				t.Fatalf("winner plan = %+v", got)
			}
			continue
		}
		if got.Status != settlement.RewardDeposited || got.TaskID != 0 {
			t.Fatalf("loser plan %d changed: %+v", got.ID, got)
		}
	}
}

func TestRefundFromEachState(t *testing.T) {
	ctx := context.Background()

	t.Run("prepared returns nothing", func(t *testing.T) {
		e := newEnv(t)
		p, _ := e.rewards.PreparePlan(ctx, "alice", "USDC", 10, 1)
		got, err := e.rewards.Refund(ctx, "alice", p.ID)
		if err != nil {
			t.Fatalf("refund: %v", err)
		}
		if got.Status != settlement.RewardRefunded {
			t.Fatalf("status = %s", got.Status)
		}
		_, err = e.rewards.Refund(ctx, "alice", p.ID)
		expectErr(t, err, settlement.ErrInvalidState)
	})

	t.Run("deposited returns escrow", func(t *testing.T) {
		e := newEnv(t)
		e.fund(t, "alice", "USDC", 10)
		p, _ := e.rewards.PrepareAndDeposit(ctx, "alice", "USDC", 10, 1, 0)
		_, err := e.rewards.Refund(ctx, "bob", p.ID)
		expectErr(t, err, settlement.ErrUnauthorized)
		if _, err := e.rewards.Refund(ctx, "alice", p.ID); err != nil {
			t.Fatalf("refund: %v", err)
		}
		if got := e.balance(t, "alice", "USDC"); got != 10 {
			t.Fatalf("alice USDC = %d", got)
		}
	})

	t.Run("locked clears the index", func(t *testing.T) {
		e := newEnv(t)
		e.fund(t, "alice", asset, 100)
		e.fund(t, "alice", "USDC", 10)
		task, _ := e.tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
		p, _ := e.rewards.PrepareAndDeposit(ctx, "alice", "USDC", 10, 1, 0)
		if _, err := e.rewards.LockForTask(ctx, "alice", p.ID, task.ID); err != nil {
			t.Fatalf("lock: %v", err)
		}
		if _, err := e.rewards.Refund(ctx, "alice", p.ID); err != nil {
			t.Fatalf("refund: %v", err)
		}
		if _, ok, _ := e.rewards.GetRewardByTask(ctx, task.ID); ok {
			t.Fatalf("reverse index survived refund")
		}
		if got := e.balance(t, "alice", "USDC"); got != 10 {
			t.Fatalf("alice USDC = %d", got)
		}
	})

	t.Run("reverted after failed delivery", func(t *testing.T) {
		e := newEnv(t)
		e.fund(t, "alice", asset, 1000)
		e.fund(t, "bob", asset, 1000)
		e.fund(t, "alice", "USDC", 10)
		task, _ := e.tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
		p, _ := e.rewards.PrepareAndDeposit(ctx, "alice", "USDC", 10, 1, 0)
		_, _ = e.rewards.LockForTask(ctx, "alice", p.ID, task.ID)
		_, _ = e.tasks.AcceptTask(ctx, "bob", task.ID)
		_, _ = e.tasks.SubmitWork(ctx, "bob", task.ID)
		_, _ = e.tasks.ConfirmComplete(ctx, "alice", task.ID)
		if _, err := e.rewards.ClaimToHelper(ctx, "bob", p.ID, evmAddress); err != nil {
			t.Fatalf("claim: %v", err)
		}
		d := e.transport.last(t)
		if err := e.transport.handler(ctx, settlement.DeliveryResult{
			DispatchID: d.DispatchID, RewardID: p.ID, Success: false, TxHash: "revert-1", Reason: "bridge paused",
		}); err != nil {
			t.Fatalf("failure delivery: %v", err)
		}
		reverted, _ := e.rewards.GetRewardPlan(ctx, p.ID)
		if reverted.Status != settlement.RewardReverted || reverted.LastTxHash != "revert-1" {
			t.Fatalf("reverted plan = %+v", reverted)
		}
		_, err := e.rewards.ClaimToHelper(ctx, "bob", p.ID, evmAddress)
		expectErr(t, err, settlement.ErrInvalidState)
		if _, err := e.rewards.Refund(ctx, "alice", p.ID); err != nil {
			t.Fatalf("refund: %v", err)
		}
		if got := e.balance(t, "alice", "USDC"); got != 10 {
			t.Fatalf("alice USDC = %d", got)
		}
	})
}

func TestRefundRejectedWhileDispatchOutstanding(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "alice", asset, 1000)
	e.fund(t, "bob", asset, 1000)
	e.fund(t, "alice", "USDC", 10)
	task, _ := e.tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
	p, _ := e.rewards.PrepareAndDeposit(ctx, "alice", "USDC", 10, 1, 0)
	_, _ = e.rewards.LockForTask(ctx, "alice", p.ID, task.ID)
	_, _ = e.tasks.AcceptTask(ctx, "bob", task.ID)
	_, _ = e.tasks.SubmitWork(ctx, "bob", task.ID)
	_, _ = e.tasks.ConfirmComplete(ctx, "alice", task.ID)
	if _, err := e.rewards.ClaimToHelper(ctx, "bob", p.ID, evmAddress); err != nil {
		t.Fatalf("claim: %v", err)
	}
	d := e.transport.last(t)

	_, err := e.rewards.Refund(ctx, "alice", p.ID)
	expectErr(t, err, settlement.ErrInvalidState)
	held, _ := e.rewards.GetRewardPlan(ctx, p.ID)
	if held.Status != settlement.RewardLocked || held.DispatchID != d.DispatchID {
		t.Fatalf("rejected refund changed the plan: %+v", held)
	}
	if got := e.balance(t, "alice", "USDC"); got != 0 {
		t.Fatalf("alice USDC = %d while dispatch outstanding", got)
	}

	// The delivery still settles exactly once.
	if err := e.transport.handler(ctx, settlement.DeliveryResult{DispatchID: d.DispatchID, RewardID: p.ID, Success: true}); err != nil {
		t.Fatalf("delivery: %v", err)
	}
	if got := e.balance(t, settlement.AccountBridge, "USDC"); got != 10 {
		t.Fatalf("bridge USDC = %d", got)
	}
	if got := e.balance(t, "alice", "USDC"); got != 0 {
		t.Fatalf("alice USDC = %d after claim", got)
	}
	_, err = e.rewards.Refund(ctx, "alice", p.ID)
	expectErr(t, err, settlement.ErrInvalidState)
}

func TestConcurrentLockOfOnePlanToTwoTasks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "alice", asset, 1000)
	e.fund(t, "alice", "USDC", 10)
	first, _ := e.tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
	second, _ := e.tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "y"})
	p, err := e.rewards.PrepareAndDeposit(ctx, "alice", "USDC", 10, 1, 0)
	if err != nil {
		t.Fatalf("fund plan: %v", err)
	}

	taskIDs := []uint64{first.ID, second.ID}
	errs := make([]error, len(taskIDs))
	var wg sync.WaitGroup
	for i, id := range taskIDs {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			_, errs[i] = e.rewards.LockForTask(ctx, "alice", p.ID, id)
		}(i, id)
	}
	wg.Wait()

	var winner uint64
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != 0 {
				t.Fatalf("both tasks locked plan %d", p.ID)
			}
			winner = taskIDs[i]
		case errors.Is(err, settlement.ErrInvalidState), errors.Is(err, settlement.ErrAssociationRace):
		default:
			t.Fatalf("unexpected lock error: %v", err)
		}
	}
	if winner == 0 {
		t.Fatalf("no lock succeeded: %v", errs)
	}
	got, _ := e.rewards.GetRewardPlan(ctx, p.ID)
	if got.Status != settlement.RewardLocked || got.TaskID != winner {
		t.Fatalf("plan = %+v, want bound to %d", got, winner)
	}
	for _, id := range taskIDs {
		bound, ok, _ := e.rewards.GetRewardByTask(ctx, id)
		if id == winner {
			if !ok || bound != p.ID {
				t.Fatalf("winner task %d index = %d,%v", id, bound, ok)
			}
			continue
		}
		if ok {
			t.Fatalf("losing task %d indexed to %d", id, bound)
		}
	}
}

func TestReservedAccountsCannotAct(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "alice", "USDC", 10)
	p, _ := e.rewards.PrepareAndDeposit(ctx, "alice", "USDC", 10, 1, 0)

	for _, name := range []string{settlement.AccountEscrow, settlement.AccountBurn, settlement.AccountBridge, settlement.ActorSystem, " " + settlement.ActorReconcile} {
		t.Run(name, func(t *testing.T) {
			_, err := e.tasks.CreateTask(ctx, name, settlement.CreateTaskInput{Reward: 1, ContentRef: "x"})
			expectErr(t, err, settlement.ErrUnauthorized)
			_, err = e.rewards.PreparePlan(ctx, name, "USDC", 1, 1)
			expectErr(t, err, settlement.ErrUnauthorized)
			_, err = e.rewards.Refund(ctx, name, p.ID)
			expectErr(t, err, settlement.ErrUnauthorized)
			_, err = e.rewards.ClaimToHelper(ctx, name, p.ID, evmAddress)
			expectErr(t, err, settlement.ErrUnauthorized)
			expectErr(t, e.accounts.Mint(ctx, name, "USDC", 1), settlement.ErrUnauthorized)
			expectErr(t, e.accounts.Approve(ctx, name, "USDC", 1), settlement.ErrUnauthorized)
		})
	}
	_, err := e.tasks.CreateTask(ctx, "  ", settlement.CreateTaskInput{Reward: 1, ContentRef: "x"})
	expectErr(t, err, settlement.ErrValidation)
	if got := e.balance(t, settlement.AccountEscrow, "USDC"); got != 10 {
		t.Fatalf("escrow USDC = %d", got)
	}
}

func TestRefusedDispatchClearsMark(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "alice", asset, 1000)
	e.fund(t, "bob", asset, 1000)
	e.fund(t, "alice", "USDC", 10)
	task := e.completedTask(t, "alice", "bob", 10)
	p, _ := e.rewards.PrepareAndDeposit(ctx, "alice", "USDC", 10, 1, 0)
	// Lock is only allowed on live tasks, so bind before completion in a fresh task.
	_, err := e.rewards.LockForTask(ctx, "alice", p.ID, task.ID)
	expectErr(t, err, settlement.ErrInvalidState)

	live, _ := e.tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
	if _, err := e.rewards.LockForTask(ctx, "alice", p.ID, live.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, _ = e.tasks.AcceptTask(ctx, "bob", live.ID)
	_, _ = e.tasks.SubmitWork(ctx, "bob", live.ID)
	_, _ = e.tasks.ConfirmComplete(ctx, "alice", live.ID)

	e.transport.refuse = errors.New("broker unavailable")
	_, err = e.rewards.ClaimToHelper(ctx, "bob", p.ID, evmAddress)
	expectErr(t, err, settlement.ErrDeliveryFailure)
	cleared, _ := e.rewards.GetRewardPlan(ctx, p.ID)
	if cleared.DispatchID != "" || cleared.Status != settlement.RewardLocked {
		t.Fatalf("refused dispatch left mark: %+v", cleared)
	}

	e.transport.refuse = nil
	if _, err := e.rewards.ClaimToHelper(ctx, "bob", p.ID, evmAddress); err != nil {
		t.Fatalf("retry claim: %v", err)
	}
}

func TestDeliveryForUnknownDispatchRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "alice", asset, 100)
	e.fund(t, "alice", "USDC", 10)
	task, _ := e.tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
	p, _ := e.rewards.PrepareAndDeposit(ctx, "alice", "USDC", 10, 1, 0)
	_, _ = e.rewards.LockForTask(ctx, "alice", p.ID, task.ID)

	err := e.rewards.HandleDelivery(ctx, settlement.DeliveryResult{DispatchID: "forged", RewardID: p.ID, Success: true})
	expectErr(t, err, settlement.ErrOrphanInconsistency)
	err = e.rewards.HandleDelivery(ctx, settlement.DeliveryResult{DispatchID: "x", RewardID: 999, Success: true})
	expectErr(t, err, settlement.ErrNotFound)
}

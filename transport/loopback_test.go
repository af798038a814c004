package transport

import (
	"context"
	"errors"
	"testing"

	"settlement-backend/core/settlement"
	"settlement-backend/storage/ledger"
)

const btcAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func TestLoopbackCrossChainHappyPath(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accounts := settlement.NewAccounts(store)
	tasks := settlement.NewTaskManager(store, settlement.TaskConfig{SettlementAsset: "SETTLE"})
	rewards := settlement.NewRewardCoordinator(store, settlement.RewardConfig{NativeAsset: "BTC"})
	lb := NewLoopback()
	if err := rewards.Attach(lb); err != nil {
		t.Fatalf("attach: %v", err)
	}

	for _, acct := range []string{"creator", "helper"} {
		_ = accounts.Mint(ctx, acct, "SETTLE", 1000)
		_ = accounts.Approve(ctx, acct, "SETTLE", 1000)
	}
	_ = accounts.Mint(ctx, "creator", "BTC", 1e16)

	plan, err := rewards.PrepareAndDeposit(ctx, "creator", "BTC", 1e16, 8332, 1e16)
	if err != nil {
		t.Fatalf("fund plan: %v", err)
	}
	task, err := tasks.CreateTask(ctx, "creator", settlement.CreateTaskInput{Reward: 100, ContentRef: "ipfs://brief"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := rewards.LockForTask(ctx, "creator", plan.ID, task.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, _ = tasks.AcceptTask(ctx, "helper", task.ID)
	_, _ = tasks.SubmitWork(ctx, "helper", task.ID)
	if _, err := tasks.ConfirmComplete(ctx, "creator", task.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	receipt, err := rewards.ClaimToHelper(ctx, "helper", plan.ID, btcAddress)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	pending := lb.Pending()
	if len(pending) != 1 || pending[0].DispatchID != receipt.DispatchID {
		t.Fatalf("pending = %+v", pending)
	}
	if err := lb.Resolve(ctx, receipt.DispatchID, true, "txid-1", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ := rewards.GetRewardPlan(ctx, plan.ID)
	if got.Status != settlement.RewardClaimed || got.TargetAddress != btcAddress || got.LastTxHash != "txid-1" {
		t.Fatalf("final plan = %+v", got)
	}
	if len(lb.Pending()) != 0 {
		t.Fatalf("resolved dispatch still pending")
	}
	if err := lb.Resolve(ctx, receipt.DispatchID, true, "txid-1", ""); err == nil {
		t.Fatalf("expected second resolve to fail")
	}
}

func TestLoopbackRefuseAndClose(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback()
	boom := errors.New("down")
	lb.Refuse(boom)
	if err := lb.Dispatch(ctx, settlement.Dispatch{DispatchID: "a"}); !errors.Is(err, boom) {
		t.Fatalf("expected refusal, got %v", err)
	}
	lb.Refuse(nil)
	if err := lb.Dispatch(ctx, settlement.Dispatch{DispatchID: "a"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := lb.Dispatch(ctx, settlement.Dispatch{DispatchID: "a"}); err == nil {
		t.Fatalf("expected duplicate dispatch to fail")
	}
	_ = lb.Close()
	if err := lb.Dispatch(ctx, settlement.Dispatch{DispatchID: "b"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

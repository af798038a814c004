package reconcile

import (
	"context"
	"testing"
	"time"

	"settlement-backend/core/settlement"
	"settlement-backend/storage/ledger"
)

func TestClassify(t *testing.T) {
	live := &settlement.Task{ID: 5, Creator: "alice", Status: settlement.TaskInProgress}
	cancelled := &settlement.Task{ID: 5, Creator: "alice", Status: settlement.TaskCancelled}
	foreign := &settlement.Task{ID: 5, Creator: "mallory", Status: settlement.TaskOpen}
	plan := func(status settlement.RewardStatus, taskID uint64) settlement.RewardPlan {
		return settlement.RewardPlan{ID: 9, Creator: "alice", Status: status, TaskID: taskID, Asset: "USDC", Amount: 3}
	}

	tests := []struct {
		name   string
		snap   PlanSnapshot
		class  Class
		action Action
	}{
		{"prepared orphan", PlanSnapshot{Plan: plan(settlement.RewardPrepared, 0)}, OrphanUnassociated, ActionRefund},
		{"deposited orphan", PlanSnapshot{Plan: plan(settlement.RewardDeposited, 0)}, OrphanUnassociated, ActionRefund},
		{"locked without task id", PlanSnapshot{Plan: plan(settlement.RewardLocked, 0)}, OrphanInconsistent, ActionManualReview},
		{"reverted without task id", PlanSnapshot{Plan: plan(settlement.RewardReverted, 0)}, OrphanInconsistent, ActionManualReview},
		{"deposited with task id", PlanSnapshot{Plan: plan(settlement.RewardDeposited, 5), Task: live}, OrphanInconsistent, ActionManualReview},
		{"missing task", PlanSnapshot{Plan: plan(settlement.RewardLocked, 5), Indexed: true, IndexedReward: 9}, OrphanInconsistent, ActionManualReview},
		{"missing index", PlanSnapshot{Plan: plan(settlement.RewardLocked, 5), Task: live}, OrphanInconsistent, ActionManualReview},
		{"index points elsewhere", PlanSnapshot{Plan: plan(settlement.RewardLocked, 5), Task: live, Indexed: true, IndexedReward: 8}, OrphanInconsistent, ActionManualReview},
		{"creator mismatch", PlanSnapshot{Plan: plan(settlement.RewardLocked, 5), Task: foreign, Indexed: true, IndexedReward: 9}, OrphanInconsistent, ActionManualReview},
		{"valid locked", PlanSnapshot{Plan: plan(settlement.RewardLocked, 5), Task: live, Indexed: true, IndexedReward: 9}, ValidAssociated, ActionNone},
		{"locked on cancelled task", PlanSnapshot{Plan: plan(settlement.RewardLocked, 5), Task: cancelled, Indexed: true, IndexedReward: 9}, ValidAssociated, ActionRefund},
		{"valid reverted", PlanSnapshot{Plan: plan(settlement.RewardReverted, 5), Task: live, Indexed: true, IndexedReward: 9}, ValidAssociated, ActionNone},
		{"claimed", PlanSnapshot{Plan: plan(settlement.RewardClaimed, 5)}, Settled, ActionNone},
		{"refunded", PlanSnapshot{Plan: plan(settlement.RewardRefunded, 0)}, Settled, ActionNone},
		{"unknown status", PlanSnapshot{Plan: plan(settlement.RewardStatus(42), 0)}, OrphanInconsistent, ActionManualReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.snap)
			if got.Class != tt.class || got.Action != tt.action {
				t.Fatalf("Classify = %s/%s (%s), want %s/%s", got.Class, got.Action, got.Reason, tt.class, tt.action)
			}
			if got.RewardID != 9 || got.Creator != "alice" || got.Reason == "" {
				t.Fatalf("classification missing identity: %+v", got)
			}
		})
	}
}

type countsRecorder struct{ last map[Class]int }

func (r *countsRecorder) ObserveSweep(c map[Class]int) { r.last = c }

func TestSweepAndRemediate(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accounts := settlement.NewAccounts(store)
	tasks := settlement.NewTaskManager(store, settlement.TaskConfig{SettlementAsset: "SETTLE"})
	rewards := settlement.NewRewardCoordinator(store, settlement.RewardConfig{NativeAsset: "ETH"})
	for _, who := range []string{"alice", "carol"} {
		for _, a := range []string{"SETTLE", "USDC"} {
			_ = accounts.Mint(ctx, who, a, 1000)
			_ = accounts.Approve(ctx, who, a, 1000)
		}
	}

	// 1: prepared orphan (alice)
	if _, err := rewards.PreparePlan(ctx, "alice", "USDC", 10, 1); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	// 2: funded orphan (carol)
	if _, err := rewards.PrepareAndDeposit(ctx, "carol", "USDC", 20, 1, 0); err != nil {
		t.Fatalf("fund: %v", err)
	}
	// 3: healthy association (alice)
	task, _ := tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
	p3, _ := rewards.PrepareAndDeposit(ctx, "alice", "USDC", 30, 1, 0)
	if _, err := rewards.LockForTask(ctx, "alice", p3.ID, task.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	// 4: locked to a task that was then cancelled (carol)
	dead, _ := tasks.CreateTask(ctx, "carol", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
	p4, _ := rewards.PrepareAndDeposit(ctx, "carol", "USDC", 40, 1, 0)
	if _, err := rewards.LockForTask(ctx, "carol", p4.ID, dead.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := tasks.CancelTask(ctx, "carol", dead.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// 5: refunded
	p5, _ := rewards.PreparePlan(ctx, "alice", "USDC", 5, 1)
	_, _ = rewards.Refund(ctx, "alice", p5.ID)
	// 6: corrupt row written behind the coordinator's back
	if err := store.Update(ctx, func(tx settlement.Tx) error {
		id, err := tx.AllocateRewardID(ctx)
		if err != nil {
			return err
		}
		return tx.InsertPlan(ctx, settlement.RewardPlan{
			ID: id, Creator: "alice", Asset: "USDC", Amount: 1, TargetChainID: 1,
			Status: settlement.RewardLocked, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
	}); err != nil {
		t.Fatalf("insert corrupt plan: %v", err)
	}

	obs := &countsRecorder{}
	sweeper := NewSweeper(store, rewards, obs)
	rep, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	next, _ := rewards.NextRewardID(ctx)
	if rep.Scanned != int(next-1) || rep.Scanned != 6 {
		t.Fatalf("scanned %d of %d plans", rep.Scanned, next-1)
	}
	want := map[Class]int{OrphanUnassociated: 2, ValidAssociated: 2, Settled: 1, OrphanInconsistent: 1}
	for class, n := range want {
		if rep.Counts[class] != n {
			t.Fatalf("count[%s] = %d, want %d (%+v)", class, rep.Counts[class], n, rep.Counts)
		}
	}
	if obs.last[OrphanUnassociated] != 2 {
		t.Fatalf("observer not updated: %+v", obs.last)
	}
	if len(rep.ByCreator["alice"]) != 4 || len(rep.ByCreator["carol"]) != 2 {
		t.Fatalf("by creator = %+v", rep.ByCreator)
	}
	if got := rep.Creators(); len(got) != 2 || got[0] != "alice" {
		t.Fatalf("creators = %v", got)
	}
	if len(rep.Orphans()) != 3 {
		t.Fatalf("orphans = %d", len(rep.Orphans()))
	}

	res, err := sweeper.Remediate(ctx, rep)
	if err != nil {
		t.Fatalf("remediate: %v", err)
	}
	if len(res.Refunded) != 3 || len(res.ManualReview) != 1 || res.ManualReview[0] != 6 {
		t.Fatalf("remediation = %+v", res)
	}
	if got, _ := accounts.Balance(ctx, "carol", "USDC"); got != 1000 {
		t.Fatalf("carol USDC = %d, want 1000", got)
	}
	if _, ok, _ := rewards.GetRewardByTask(ctx, dead.ID); ok {
		t.Fatalf("cancelled task still indexed")
	}
	healthy, _ := rewards.GetRewardPlan(ctx, p3.ID)
	if healthy.Status != settlement.RewardLocked {
		t.Fatalf("healthy plan touched: %s", healthy.Status)
	}

	// Replaying the stale report skips what already moved.
	again, err := sweeper.Remediate(ctx, rep)
	if err != nil {
		t.Fatalf("second remediate: %v", err)
	}
	if len(again.Refunded) != 0 || len(again.Skipped) != 3 {
		t.Fatalf("second remediation = %+v", again)
	}

	rep2, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("resweep: %v", err)
	}
	if rep2.Counts[OrphanUnassociated] != 0 || rep2.Counts[Settled] != 4 || rep2.Counts[OrphanInconsistent] != 1 {
		t.Fatalf("resweep counts = %+v", rep2.Counts)
	}
	for _, c := range rep2.Entries {
		if c.Action == ActionRefund {
			t.Fatalf("refund still recommended after remediation: %+v", c)
		}
	}
}

func TestRemediateSkipsPlansLockedAfterSweep(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accounts := settlement.NewAccounts(store)
	tasks := settlement.NewTaskManager(store, settlement.TaskConfig{SettlementAsset: "SETTLE"})
	rewards := settlement.NewRewardCoordinator(store, settlement.RewardConfig{NativeAsset: "ETH"})
	for _, a := range []string{"SETTLE", "USDC"} {
		_ = accounts.Mint(ctx, "alice", a, 1000)
		_ = accounts.Approve(ctx, "alice", a, 1000)
	}

	p, err := rewards.PrepareAndDeposit(ctx, "alice", "USDC", 25, 1, 0)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	sweeper := NewSweeper(store, rewards, nil)
	rep, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Counts[OrphanUnassociated] != 1 {
		t.Fatalf("counts = %+v", rep.Counts)
	}

	// The creator finishes the association between the sweep and the remediation.
	task, _ := tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
	if _, err := rewards.LockForTask(ctx, "alice", p.ID, task.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}

	res, err := sweeper.Remediate(ctx, rep)
	if err != nil {
		t.Fatalf("remediate: %v", err)
	}
	if len(res.Refunded) != 0 || len(res.Skipped) != 1 || res.Skipped[0] != p.ID {
		t.Fatalf("remediation = %+v", res)
	}
	got, _ := rewards.GetRewardPlan(ctx, p.ID)
	if got.Status != settlement.RewardLocked || got.TaskID != task.ID {
		t.Fatalf("locked plan refunded by stale report: %+v", got)
	}
	if id, ok, _ := rewards.GetRewardByTask(ctx, task.ID); !ok || id != p.ID {
		t.Fatalf("task index = %d,%v", id, ok)
	}
	if b, _ := accounts.Balance(ctx, settlement.AccountEscrow, "USDC"); b != 25 {
		t.Fatalf("escrow USDC = %d, want 25", b)
	}
}

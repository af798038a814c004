package ledger

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"testing"

	"settlement-backend/core/settlement"
)

// newTestPG connects to SETTLE_TEST_PG_DSN and empties the ledger tables.
func newTestPG(t *testing.T) *PGStore {
	t.Helper()
	dsn := os.Getenv("SETTLE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("Requires PostgreSQL database connection (set SETTLE_TEST_PG_DSN)")
	}
	ctx := context.Background()
	s, err := NewPGStore(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(s.Close)
	_, err = s.pool.Exec(ctx, `
TRUNCATE settle_tasks, settle_reward_plans, settle_reward_index, settle_balances, settle_allowances, settle_events;
UPDATE settle_counters SET next_id = 1;`)
	if err != nil {
		t.Fatalf("reset tables: %v", err)
	}
	return s
}

func TestPGStoreSettlesTask(t *testing.T) {
	ctx := context.Background()
	s := newTestPG(t)
	accounts := settlement.NewAccounts(s)
	tasks := settlement.NewTaskManager(s, settlement.TaskConfig{})
	for _, who := range []string{"alice", "bob"} {
		if err := accounts.Mint(ctx, who, "SETTLE", 1000); err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := accounts.Approve(ctx, who, "SETTLE", 1000); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	task, err := tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 100, ContentRef: "ipfs://brief"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tasks.AcceptTask(ctx, "bob", task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := tasks.SubmitWork(ctx, "bob", task.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := tasks.ConfirmComplete(ctx, "alice", task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	for acct, want := range map[string]uint64{"alice": 890, "bob": 1108, settlement.AccountBurn: 2, settlement.AccountEscrow: 0} {
		if got, _ := accounts.Balance(ctx, acct, "SETTLE"); got != want {
			t.Fatalf("%s balance = %d, want %d", acct, got, want)
		}
	}
	if _, err := tasks.CancelTask(ctx, "alice", task.ID); !errors.Is(err, settlement.ErrInvalidState) {
		t.Fatalf("cancel after completion: %v", err)
	}
}

func TestPGStoreAmountsAndRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestPG(t)
	if err := s.Update(ctx, func(tx settlement.Tx) error { return tx.Mint(ctx, "alice", "WBTC", math.MaxUint64) }); err != nil {
		t.Fatalf("mint: %v", err)
	}
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx settlement.Tx) error {
		if err := tx.Transfer(ctx, "alice", "bob", "WBTC", 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = s.View(ctx, func(tx settlement.Tx) error {
		if got, _ := tx.Balance(ctx, "alice", "WBTC"); got != math.MaxUint64 {
			t.Fatalf("alice WBTC = %d after rollback", got)
		}
		return nil
	})
}

func TestPGStoreConcurrentLock(t *testing.T) {
	ctx := context.Background()
	s := newTestPG(t)
	accounts := settlement.NewAccounts(s)
	tasks := settlement.NewTaskManager(s, settlement.TaskConfig{})
	rewards := settlement.NewRewardCoordinator(s, settlement.RewardConfig{NativeAsset: "ETH"})
	_ = accounts.Mint(ctx, "alice", "SETTLE", 1000)
	_ = accounts.Approve(ctx, "alice", "SETTLE", 1000)
	_ = accounts.Mint(ctx, "alice", "USDC", 1000)
	_ = accounts.Approve(ctx, "alice", "USDC", 1000)

	task, err := tasks.CreateTask(ctx, "alice", settlement.CreateTaskInput{Reward: 10, ContentRef: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var plans []uint64
	for i := 0; i < 4; i++ {
		p, err := rewards.PrepareAndDeposit(ctx, "alice", "USDC", 5, 1, 0)
		if err != nil {
			t.Fatalf("fund: %v", err)
		}
		plans = append(plans, p.ID)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(plans))
	for i, id := range plans {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			_, errs[i] = rewards.LockForTask(ctx, "alice", id, task.ID)
		}(i, id)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, settlement.ErrAssociationRace), errors.Is(err, settlement.ErrInvalidState), settlement.Retryable(err):
		default:
			t.Fatalf("unexpected lock error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d locks succeeded, want 1", ok)
	}
	id, bound, err := rewards.GetRewardByTask(ctx, task.ID)
	if err != nil || !bound {
		t.Fatalf("task not indexed: %v", err)
	}
	p, _ := rewards.GetRewardPlan(ctx, id)
	if p.Status != settlement.RewardLocked || p.TaskID != task.ID {
		t.Fatalf("indexed plan = %+v", p)
	}
}

func TestPGStoreConcurrentFirstCredits(t *testing.T) {
	ctx := context.Background()
	s := newTestPG(t)
	const n = 12
	if err := s.Update(ctx, func(tx settlement.Tx) error { return tx.Mint(ctx, "treasury", "USDC", 1000) }); err != nil {
		t.Fatalf("seed treasury: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Update(ctx, func(tx settlement.Tx) error { return tx.Mint(ctx, "carol", "USDC", 5) })
		}(i)
		go func(i int) {
			defer wg.Done()
			errs[n+i] = s.Update(ctx, func(tx settlement.Tx) error { return tx.Transfer(ctx, "treasury", "carol", "USDC", 3) })
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	_ = s.View(ctx, func(tx settlement.Tx) error {
		if got, _ := tx.Balance(ctx, "carol", "USDC"); got != n*8 {
			t.Fatalf("carol USDC = %d, want %d", got, n*8)
		}
		if got, _ := tx.Balance(ctx, "treasury", "USDC"); got != 1000-n*3 {
			t.Fatalf("treasury USDC = %d, want %d", got, 1000-n*3)
		}
		return nil
	})
}

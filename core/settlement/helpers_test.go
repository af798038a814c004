package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"settlement-backend/core/settlement"
	"settlement-backend/storage/ledger"
)

const (
	asset       = "SETTLE"
	nativeAsset = "ETH"
	btcAddress  = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	evmAddress  = "0x52908400098527886E0F7030069857D2E4169EE7"
)

type fakeTransport struct {
	mu         sync.Mutex
	dispatched []settlement.Dispatch
	handler    settlement.DeliveryHandler
	refuse     error
}

func (f *fakeTransport) Dispatch(ctx context.Context, d settlement.Dispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse != nil {
		return f.refuse
	}
	f.dispatched = append(f.dispatched, d)
	return nil
}

func (f *fakeTransport) OnDelivery(h settlement.DeliveryHandler) error {
	f.handler = h
	return nil
}

func (f *fakeTransport) last(t *testing.T) settlement.Dispatch {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dispatched) == 0 {
		t.Fatalf("no dispatch recorded")
	}
	return f.dispatched[len(f.dispatched)-1]
}

type env struct {
	store     *ledger.MemoryStore
	tasks     *settlement.TaskManager
	rewards   *settlement.RewardCoordinator
	accounts  *settlement.Accounts
	transport *fakeTransport
	events    *[]settlement.Event
}

func newEnv(t *testing.T) env {
	t.Helper()
	store := ledger.NewMemoryStore()
	notifier := settlement.NewNotifier()
	var (
		mu     sync.Mutex
		events []settlement.Event
	)
	notifier.RegisterSink(func(e settlement.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	tasks := settlement.NewTaskManager(store, settlement.TaskConfig{SettlementAsset: asset}, settlement.WithNotifier(notifier))
	rewards := settlement.NewRewardCoordinator(store, settlement.RewardConfig{NativeAsset: nativeAsset}, settlement.WithNotifier(notifier))
	tr := &fakeTransport{}
	if err := rewards.Attach(tr); err != nil {
		t.Fatalf("attach transport: %v", err)
	}
	return env{
		store:     store,
		tasks:     tasks,
		rewards:   rewards,
		accounts:  settlement.NewAccounts(store),
		transport: tr,
		events:    &events,
	}
}

func (e env) fund(t *testing.T, account, a string, amount uint64) {
	t.Helper()
	ctx := context.Background()
	if err := e.accounts.Mint(ctx, account, a, amount); err != nil {
		t.Fatalf("mint %s: %v", account, err)
	}
	if err := e.accounts.Approve(ctx, account, a, amount); err != nil {
		t.Fatalf("approve %s: %v", account, err)
	}
}

func (e env) balance(t *testing.T, account, a string) uint64 {
	t.Helper()
	b, err := e.accounts.Balance(context.Background(), account, a)
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return b
}

// completedTask walks a task through to Completed.
func (e env) completedTask(t *testing.T, creator, helper string, reward uint64) settlement.Task {
	t.Helper()
	ctx := context.Background()
	task, err := e.tasks.CreateTask(ctx, creator, settlement.CreateTaskInput{Reward: reward, ContentRef: "ipfs://brief"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := e.tasks.AcceptTask(ctx, helper, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := e.tasks.SubmitWork(ctx, helper, task.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.tasks.ConfirmComplete(ctx, creator, task.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	task, _ = e.tasks.GetTask(ctx, task.ID)
	return task
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

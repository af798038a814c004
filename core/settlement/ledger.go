package settlement

import "context"

// Tx is the view of the ledger inside one atomic operation. Every guard read
// and every mutation made through a Tx either commits together or not at all.
type Tx interface {
	AllocateTaskID(ctx context.Context) (uint64, error)
	GetTask(ctx context.Context, id uint64) (Task, error)
	// GetTaskForUpdate reads a task and holds it until the operation ends.
	GetTaskForUpdate(ctx context.Context, id uint64) (Task, error)
	InsertTask(ctx context.Context, t Task) error
	UpdateTask(ctx context.Context, t Task) error

	AllocateRewardID(ctx context.Context) (uint64, error)
	GetPlan(ctx context.Context, id uint64) (RewardPlan, error)
	GetPlanForUpdate(ctx context.Context, id uint64) (RewardPlan, error)
	InsertPlan(ctx context.Context, p RewardPlan) error
	UpdatePlan(ctx context.Context, p RewardPlan) error

	// RewardByTask is the reverse index used by getRewardByTask.
	RewardByTask(ctx context.Context, taskID uint64) (uint64, bool, error)
	// IndexReward fails with ErrAssociationRace if taskID already has an entry.
	IndexReward(ctx context.Context, taskID, rewardID uint64) error
	UnindexReward(ctx context.Context, taskID uint64) error

	Balance(ctx context.Context, account, asset string) (uint64, error)
	Allowance(ctx context.Context, owner, asset string) (uint64, error)
	// Transfer moves amount between accounts; ErrInsufficientFunds when short.
	Transfer(ctx context.Context, from, to, asset string, amount uint64) error
	// Pull spends owner's allowance to move amount to dest.
	Pull(ctx context.Context, owner, dest, asset string, amount uint64) error
	Mint(ctx context.Context, account, asset string, amount uint64) error
	Approve(ctx context.Context, owner, asset string, amount uint64) error

	AppendEvent(ctx context.Context, e Event) (Event, error)
}

// Ledger is the authoritative store for tasks, reward plans and balances.
type Ledger interface {
	// Update runs fn atomically. Any error from fn discards every write.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error
	Counters(ctx context.Context) (Counters, error)
	Events(ctx context.Context, afterSeq uint64, limit int) ([]Event, error)
	Close()
}

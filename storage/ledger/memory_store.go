package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"

	"settlement-backend/core/settlement"
)

type accountKey struct {
	account string
	asset   string
}

type memState struct {
	tasks      map[uint64]settlement.Task
	plans      map[uint64]settlement.RewardPlan
	byTask     map[uint64]uint64
	balances   map[accountKey]uint64
	allowances map[accountKey]uint64
	events     []settlement.Event
	nextTask   uint64
	nextReward uint64
}

// MemoryStore keeps the ledger in process memory.
// The single mutex serialises every operation, so a guard read and the
// mutation that depends on it can never interleave with another caller.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

var _ settlement.Ledger = (*MemoryStore)(nil)

// NewMemoryStore returns an empty ledger. Ids start at 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		tasks:      make(map[uint64]settlement.Task),
		plans:      make(map[uint64]settlement.RewardPlan),
		byTask:     make(map[uint64]uint64),
		balances:   make(map[accountKey]uint64),
		allowances: make(map[accountKey]uint64),
		nextTask:   1,
		nextReward: 1,
	}}
}

// Update runs fn against staged writes and applies them only if fn succeeds.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx settlement.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := newMemTx(&s.state, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View runs fn read-only; any write attempt fails.
func (s *MemoryStore) View(ctx context.Context, fn func(tx settlement.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newMemTx(&s.state, true))
}

// Counters returns the next ids to be assigned.
func (s *MemoryStore) Counters(ctx context.Context) (settlement.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return settlement.Counters{NextTaskID: s.state.nextTask, NextRewardID: s.state.nextReward}, nil
}

// Events returns up to limit events with Seq greater than afterSeq.
func (s *MemoryStore) Events(ctx context.Context, afterSeq uint64, limit int) ([]settlement.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if afterSeq >= uint64(len(s.state.events)) {
		return []settlement.Event{}, nil
	}
	rest := s.state.events[afterSeq:]
	if len(rest) > limit {
		rest = rest[:limit]
	}
	return append([]settlement.Event(nil), rest...), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// memTx overlays staged writes on the committed state.
type memTx struct {
	base       *memState
	readOnly   bool
	tasks      map[uint64]settlement.Task
	plans      map[uint64]settlement.RewardPlan
	byTask     map[uint64]uint64
	unindexed  map[uint64]bool
	balances   map[accountKey]uint64
	allowances map[accountKey]uint64
	events     []settlement.Event
	nextTask   uint64
	nextReward uint64
}

func newMemTx(base *memState, readOnly bool) *memTx {
	return &memTx{
		base:       base,
		readOnly:   readOnly,
		tasks:      make(map[uint64]settlement.Task),
		plans:      make(map[uint64]settlement.RewardPlan),
		byTask:     make(map[uint64]uint64),
		unindexed:  make(map[uint64]bool),
		balances:   make(map[accountKey]uint64),
		allowances: make(map[accountKey]uint64),
		nextTask:   base.nextTask,
		nextReward: base.nextReward,
	}
}

func (t *memTx) commit() {
	for id, v := range t.tasks {
		t.base.tasks[id] = v
	}
	for id, v := range t.plans {
		t.base.plans[id] = v
	}
	for id := range t.unindexed {
		delete(t.base.byTask, id)
	}
	for id, v := range t.byTask {
		t.base.byTask[id] = v
	}
	for k, v := range t.balances {
		t.base.balances[k] = v
	}
	for k, v := range t.allowances {
		t.base.allowances[k] = v
	}
	t.base.events = append(t.base.events, t.events...)
	t.base.nextTask = t.nextTask
	t.base.nextReward = t.nextReward
}

func (t *memTx) writable(op string) error {
	if t.readOnly {
		return fmt.Errorf("%s: %w", op, ErrReadOnly)
	}
	return nil
}

func (t *memTx) AllocateTaskID(ctx context.Context) (uint64, error) {
	if err := t.writable("allocate task id"); err != nil {
		return 0, err
	}
	id := t.nextTask
	t.nextTask++
	return id, nil
}

func (t *memTx) GetTask(ctx context.Context, id uint64) (settlement.Task, error) {
	if v, ok := t.tasks[id]; ok {
		return v, nil
	}
	if v, ok := t.base.tasks[id]; ok {
		return v, nil
	}
	return settlement.Task{}, fmt.Errorf("%w: task %d", settlement.ErrNotFound, id)
}

func (t *memTx) GetTaskForUpdate(ctx context.Context, id uint64) (settlement.Task, error) {
	return t.GetTask(ctx, id)
}

func (t *memTx) InsertTask(ctx context.Context, task settlement.Task) error {
	if err := t.writable("insert task"); err != nil {
		return err
	}
	if _, err := t.GetTask(ctx, task.ID); err == nil {
		return fmt.Errorf("%w: task %d", ErrDuplicate, task.ID)
	}
	t.tasks[task.ID] = task
	return nil
}

func (t *memTx) UpdateTask(ctx context.Context, task settlement.Task) error {
	if err := t.writable("update task"); err != nil {
		return err
	}
	if _, err := t.GetTask(ctx, task.ID); err != nil {
		return err
	}
	t.tasks[task.ID] = task
	return nil
}

func (t *memTx) AllocateRewardID(ctx context.Context) (uint64, error) {
	if err := t.writable("allocate reward id"); err != nil {
		return 0, err
	}
	id := t.nextReward
	t.nextReward++
	return id, nil
}

func (t *memTx) GetPlan(ctx context.Context, id uint64) (settlement.RewardPlan, error) {
	if v, ok := t.plans[id]; ok {
		return v, nil
	}
	if v, ok := t.base.plans[id]; ok {
		return v, nil
	}
	return settlement.RewardPlan{}, fmt.Errorf("%w: reward plan %d", settlement.ErrNotFound, id)
}

func (t *memTx) GetPlanForUpdate(ctx context.Context, id uint64) (settlement.RewardPlan, error) {
	return t.GetPlan(ctx, id)
}

func (t *memTx) InsertPlan(ctx context.Context, p settlement.RewardPlan) error {
	if err := t.writable("insert reward plan"); err != nil {
		return err
	}
	if _, err := t.GetPlan(ctx, p.ID); err == nil {
		return fmt.Errorf("%w: reward plan %d", ErrDuplicate, p.ID)
	}
	t.plans[p.ID] = p
	return nil
}

func (t *memTx) UpdatePlan(ctx context.Context, p settlement.RewardPlan) error {
	if err := t.writable("update reward plan"); err != nil {
		return err
	}
	if _, err := t.GetPlan(ctx, p.ID); err != nil {
		return err
	}
	t.plans[p.ID] = p
	return nil
}

func (t *memTx) RewardByTask(ctx context.Context, taskID uint64) (uint64, bool, error) {
	if id, ok := t.byTask[taskID]; ok {
		return id, true, nil
	}
	if t.unindexed[taskID] {
		return 0, false, nil
	}
	id, ok := t.base.byTask[taskID]
	return id, ok, nil
}

func (t *memTx) IndexReward(ctx context.Context, taskID, rewardID uint64) error {
	if err := t.writable("index reward"); err != nil {
		return err
	}
	if existing, ok, _ := t.RewardByTask(ctx, taskID); ok {
		return fmt.Errorf("%w: task %d already indexed to reward plan %d", settlement.ErrAssociationRace, taskID, existing)
	}
	t.byTask[taskID] = rewardID
	return nil
}

func (t *memTx) UnindexReward(ctx context.Context, taskID uint64) error {
	if err := t.writable("unindex reward"); err != nil {
		return err
	}
	if _, ok, _ := t.RewardByTask(ctx, taskID); !ok {
		return fmt.Errorf("%w: no reward indexed for task %d", settlement.ErrNotFound, taskID)
	}
	delete(t.byTask, taskID)
	t.unindexed[taskID] = true
	return nil
}

func (t *memTx) Balance(ctx context.Context, account, asset string) (uint64, error) {
	k := accountKey{account, asset}
	if v, ok := t.balances[k]; ok {
		return v, nil
	}
	return t.base.balances[k], nil
}

func (t *memTx) Allowance(ctx context.Context, owner, asset string) (uint64, error) {
	k := accountKey{owner, asset}
	if v, ok := t.allowances[k]; ok {
		return v, nil
	}
	return t.base.allowances[k], nil
}

func (t *memTx) Transfer(ctx context.Context, from, to, asset string, amount uint64) error {
	if err := t.writable("transfer"); err != nil {
		return err
	}
	if amount == 0 || from == to {
		return nil
	}
	fromBal, _ := t.Balance(ctx, from, asset)
	if fromBal < amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d", settlement.ErrInsufficientFunds, from, fromBal, asset, amount)
	}
	toBal, _ := t.Balance(ctx, to, asset)
	if toBal > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance of %s overflows", settlement.ErrInvalidAmount, to)
	}
	t.balances[accountKey{from, asset}] = fromBal - amount
	t.balances[accountKey{to, asset}] = toBal + amount
	return nil
}

func (t *memTx) Pull(ctx context.Context, owner, dest, asset string, amount uint64) error {
	if err := t.writable("pull"); err != nil {
		return err
	}
	allowance, _ := t.Allowance(ctx, owner, asset)
	if allowance < amount {
		return fmt.Errorf("%w: %s approved %d %s, needs %d", settlement.ErrInsufficientAllowance, owner, allowance, asset, amount)
	}
	if err := t.Transfer(ctx, owner, dest, asset, amount); err != nil {
		return err
	}
	t.allowances[accountKey{owner, asset}] = allowance - amount
	return nil
}

func (t *memTx) Mint(ctx context.Context, account, asset string, amount uint64) error {
	if err := t.writable("mint"); err != nil {
		return err
	}
	bal, _ := t.Balance(ctx, account, asset)
	if bal > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance of %s overflows", settlement.ErrInvalidAmount, account)
	}
	t.balances[accountKey{account, asset}] = bal + amount
	return nil
}

func (t *memTx) Approve(ctx context.Context, owner, asset string, amount uint64) error {
	if err := t.writable("approve"); err != nil {
		return err
	}
	t.allowances[accountKey{owner, asset}] = amount
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, e settlement.Event) (settlement.Event, error) {
	if err := t.writable("append event"); err != nil {
		return settlement.Event{}, err
	}
	e.Seq = uint64(len(t.base.events)+len(t.events)) + 1
	t.events = append(t.events, e)
	return e, nil
}

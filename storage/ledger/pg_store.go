package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"settlement-backend/core/settlement"
)

// PGStore persists the ledger in Postgres. Each Update is one transaction;
// rows read for update are locked with SELECT ... FOR UPDATE.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ settlement.Ledger = (*PGStore)(nil)

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := NewSchemaManager(pool).Initialize(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Update runs fn in a read-committed transaction.
func (s *PGStore) Update(ctx context.Context, fn func(tx settlement.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, fn)
}

// View runs fn in a read-only repeatable-read transaction.
func (s *PGStore) View(ctx context.Context, fn func(tx settlement.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *PGStore) run(ctx context.Context, opts pgx.TxOptions, fn func(tx settlement.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Counters returns the next ids to be assigned.
func (s *PGStore) Counters(ctx context.Context) (settlement.Counters, error) {
	var c settlement.Counters
	rows, err := s.pool.Query(ctx, `SELECT name, next_id FROM settle_counters WHERE name IN ('task','reward')`)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			next int64
		)
		if err := rows.Scan(&name, &next); err != nil {
			return c, err
		}
		switch name {
		case "task":
			c.NextTaskID = uint64(next)
		case "reward":
			c.NextRewardID = uint64(next)
		}
	}
	return c, rows.Err()
}

// Events returns up to limit events with seq greater than afterSeq.
func (s *PGStore) Events(ctx context.Context, afterSeq uint64, limit int) ([]settlement.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.pool.Query(ctx, `
SELECT seq, type, task_id, reward_id, actor, amounts, tx_hash, message, created_at
FROM settle_events WHERE seq > $1 ORDER BY seq LIMIT $2`, int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []settlement.Event{}
	for rows.Next() {
		var (
			e             settlement.Event
			seq, tid, rid int64
			typ           string
			amounts       []byte
		)
		if err := rows.Scan(&seq, &typ, &tid, &rid, &e.Actor, &amounts, &e.TxHash, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Seq, e.TaskID, e.RewardID = uint64(seq), uint64(tid), uint64(rid)
		e.Type = settlement.EventType(typ)
		if len(amounts) > 0 {
			if err := json.Unmarshal(amounts, &e.Amounts); err != nil {
				return nil, fmt.Errorf("decode event %d amounts: %w", seq, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// temporaryError marks store failures that a retry against fresh state may fix.
type temporaryError struct{ err error }

func (e temporaryError) Error() string   { return e.err.Error() }
func (e temporaryError) Unwrap() error   { return e.err }
func (e temporaryError) Temporary() bool { return true }

// classify maps Postgres failures onto ledger semantics.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		if pgErr.TableName == "settle_reward_index" {
			return fmt.Errorf("%w: %s", settlement.ErrAssociationRace, pgErr.Detail)
		}
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Detail)
	case "40001", "40P01":
		return temporaryError{err: err}
	}
	return err
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func parseU64(field, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s %q: %w", field, s, err)
	}
	return v, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) nextID(ctx context.Context, name string) (uint64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `UPDATE settle_counters SET next_id = next_id + 1 WHERE name=$1 RETURNING next_id - 1`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocate %s id: %w", name, err)
	}
	return uint64(id), nil
}

func (t *pgTx) AllocateTaskID(ctx context.Context) (uint64, error) { return t.nextID(ctx, "task") }

func (t *pgTx) AllocateRewardID(ctx context.Context) (uint64, error) { return t.nextID(ctx, "reward") }

const taskColumns = `id, creator, helper, reward::text, content_ref, status, post_fee::text,
cross_chain_asset, cross_chain_amount::text, target_chain_id::text,
terminate_requested_by, terminate_requested_at, fix_requested, fix_requested_at, created_at, updated_at`

func (t *pgTx) getTask(ctx context.Context, id uint64, lock bool) (settlement.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM settle_tasks WHERE id=$1`
	if lock {
		q += ` FOR UPDATE`
	}
	var (
		task                               settlement.Task
		rid                                int64
		reward, postFee, ccAmount, chainID string
		status                             string
	)
	err := t.tx.QueryRow(ctx, q, int64(id)).Scan(&rid, &task.Creator, &task.Helper, &reward, &task.ContentRef, &status, &postFee,
		&task.CrossChainAsset, &ccAmount, &chainID,
		&task.TerminateRequestedBy, &task.TerminateRequestedAt, &task.FixRequested, &task.FixRequestedAt, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.Task{}, fmt.Errorf("%w: task %d", settlement.ErrNotFound, id)
	}
	if err != nil {
		return settlement.Task{}, fmt.Errorf("load task %d: %w", id, err)
	}
	task.ID = uint64(rid)
	if task.Status, err = settlement.ParseTaskStatus(status); err != nil {
		return settlement.Task{}, err
	}
	if task.Reward, err = parseU64("reward", reward); err != nil {
		return settlement.Task{}, err
	}
	if task.PostFee, err = parseU64("post_fee", postFee); err != nil {
		return settlement.Task{}, err
	}
	if task.CrossChainAmount, err = parseU64("cross_chain_amount", ccAmount); err != nil {
		return settlement.Task{}, err
	}
	if task.TargetChainID, err = parseU64("target_chain_id", chainID); err != nil {
		return settlement.Task{}, err
	}
	return task, nil
}

func (t *pgTx) GetTask(ctx context.Context, id uint64) (settlement.Task, error) {
	return t.getTask(ctx, id, false)
}

func (t *pgTx) GetTaskForUpdate(ctx context.Context, id uint64) (settlement.Task, error) {
	return t.getTask(ctx, id, true)
}

func (t *pgTx) InsertTask(ctx context.Context, task settlement.Task) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO settle_tasks (id, creator, helper, reward, content_ref, status, post_fee,
  cross_chain_asset, cross_chain_amount, target_chain_id,
  terminate_requested_by, terminate_requested_at, fix_requested, fix_requested_at, created_at, updated_at)
VALUES ($1,$2,$3,$4::numeric,$5,$6,$7::numeric,$8,$9::numeric,$10::numeric,$11,$12,$13,$14,$15,$16)`,
		int64(task.ID), task.Creator, task.Helper, u64(task.Reward), task.ContentRef, task.Status.String(), u64(task.PostFee),
		task.CrossChainAsset, u64(task.CrossChainAmount), u64(task.TargetChainID),
		task.TerminateRequestedBy, task.TerminateRequestedAt, task.FixRequested, task.FixRequestedAt, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return classify(fmt.Errorf("insert task %d: %w", task.ID, err))
	}
	return nil
}

func (t *pgTx) UpdateTask(ctx context.Context, task settlement.Task) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE settle_tasks SET helper=$2, status=$3, post_fee=$4::numeric,
  terminate_requested_by=$5, terminate_requested_at=$6, fix_requested=$7, fix_requested_at=$8, updated_at=$9
WHERE id=$1`,
		int64(task.ID), task.Helper, task.Status.String(), u64(task.PostFee),
		task.TerminateRequestedBy, task.TerminateRequestedAt, task.FixRequested, task.FixRequestedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task %d: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %d", settlement.ErrNotFound, task.ID)
	}
	return nil
}

const planColumns = `id, creator, target_address, task_id, asset, amount::text, target_chain_id::text,
status, dispatch_id, last_tx_hash, created_at, updated_at`

func (t *pgTx) getPlan(ctx context.Context, id uint64, lock bool) (settlement.RewardPlan, error) {
	q := `SELECT ` + planColumns + ` FROM settle_reward_plans WHERE id=$1`
	if lock {
		q += ` FOR UPDATE`
	}
	var (
		p               settlement.RewardPlan
		pid, taskID     int64
		amount, chainID string
		status          string
	)
	err := t.tx.QueryRow(ctx, q, int64(id)).Scan(&pid, &p.Creator, &p.TargetAddress, &taskID, &p.Asset, &amount, &chainID,
		&status, &p.DispatchID, &p.LastTxHash, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.RewardPlan{}, fmt.Errorf("%w: reward plan %d", settlement.ErrNotFound, id)
	}
	if err != nil {
		return settlement.RewardPlan{}, fmt.Errorf("load reward plan %d: %w", id, err)
	}
	p.ID, p.TaskID = uint64(pid), uint64(taskID)
	if p.Status, err = settlement.ParseRewardStatus(status); err != nil {
		return settlement.RewardPlan{}, err
	}
	if p.Amount, err = parseU64("amount", amount); err != nil {
		return settlement.RewardPlan{}, err
	}
	if p.TargetChainID, err = parseU64("target_chain_id", chainID); err != nil {
		return settlement.RewardPlan{}, err
	}
	return p, nil
}

func (t *pgTx) GetPlan(ctx context.Context, id uint64) (settlement.RewardPlan, error) {
	return t.getPlan(ctx, id, false)
}

func (t *pgTx) GetPlanForUpdate(ctx context.Context, id uint64) (settlement.RewardPlan, error) {
	return t.getPlan(ctx, id, true)
}

func (t *pgTx) InsertPlan(ctx context.Context, p settlement.RewardPlan) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO settle_reward_plans (id, creator, target_address, task_id, asset, amount, target_chain_id,
  status, dispatch_id, last_tx_hash, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8,$9,$10,$11,$12)`,
		int64(p.ID), p.Creator, p.TargetAddress, int64(p.TaskID), p.Asset, u64(p.Amount), u64(p.TargetChainID),
		p.Status.String(), p.DispatchID, p.LastTxHash, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return classify(fmt.Errorf("insert reward plan %d: %w", p.ID, err))
	}
	return nil
}

func (t *pgTx) UpdatePlan(ctx context.Context, p settlement.RewardPlan) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE settle_reward_plans SET target_address=$2, task_id=$3, status=$4, dispatch_id=$5, last_tx_hash=$6, updated_at=$7
WHERE id=$1`,
		int64(p.ID), p.TargetAddress, int64(p.TaskID), p.Status.String(), p.DispatchID, p.LastTxHash, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update reward plan %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: reward plan %d", settlement.ErrNotFound, p.ID)
	}
	return nil
}

func (t *pgTx) RewardByTask(ctx context.Context, taskID uint64) (uint64, bool, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT reward_id FROM settle_reward_index WHERE task_id=$1`, int64(taskID)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup reward for task %d: %w", taskID, err)
	}
	return uint64(id), true, nil
}

func (t *pgTx) IndexReward(ctx context.Context, taskID, rewardID uint64) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO settle_reward_index (task_id, reward_id) VALUES ($1,$2)`, int64(taskID), int64(rewardID))
	if err != nil {
		return classify(fmt.Errorf("index reward %d for task %d: %w", rewardID, taskID, err))
	}
	return nil
}

func (t *pgTx) UnindexReward(ctx context.Context, taskID uint64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM settle_reward_index WHERE task_id=$1`, int64(taskID))
	if err != nil {
		return fmt.Errorf("unindex task %d: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no reward indexed for task %d", settlement.ErrNotFound, taskID)
	}
	return nil
}

// amount reads one balance or allowance row. With lock set, a missing row is
// first materialised at zero: FOR UPDATE on an absent row locks nothing, and two
// first credits would otherwise both read zero and the later write would win.
func (t *pgTx) amount(ctx context.Context, table, keyCol, key, asset string, lock bool) (uint64, error) {
	q := `SELECT amount::text FROM ` + table + ` WHERE ` + keyCol + `=$1 AND asset=$2`
	if lock {
		seed := `INSERT INTO ` + table + ` (` + keyCol + `, asset, amount) VALUES ($1,$2,0)
ON CONFLICT (` + keyCol + `, asset) DO NOTHING`
		if _, err := t.tx.Exec(ctx, seed, key, asset); err != nil {
			return 0, fmt.Errorf("seed %s for %s/%s: %w", table, key, asset, err)
		}
		q += ` FOR UPDATE`
	}
	var s string
	err := t.tx.QueryRow(ctx, q, key, asset).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s for %s/%s: %w", table, key, asset, err)
	}
	return parseU64("amount", s)
}

func (t *pgTx) setAmount(ctx context.Context, table, keyCol, key, asset string, v uint64) error {
	q := `INSERT INTO ` + table + ` (` + keyCol + `, asset, amount) VALUES ($1,$2,$3::numeric)
ON CONFLICT (` + keyCol + `, asset) DO UPDATE SET amount = EXCLUDED.amount`
	if _, err := t.tx.Exec(ctx, q, key, asset, u64(v)); err != nil {
		return fmt.Errorf("write %s for %s/%s: %w", table, key, asset, err)
	}
	return nil
}

func (t *pgTx) Balance(ctx context.Context, account, asset string) (uint64, error) {
	return t.amount(ctx, balancesTable, "account", account, asset, false)
}

func (t *pgTx) Allowance(ctx context.Context, owner, asset string) (uint64, error) {
	return t.amount(ctx, allowancesTable, "owner", owner, asset, false)
}

func (t *pgTx) Transfer(ctx context.Context, from, to, asset string, amount uint64) error {
	return transfer(ctx, t, from, to, asset, amount)
}

func (t *pgTx) Pull(ctx context.Context, owner, dest, asset string, amount uint64) error {
	return pull(ctx, t, owner, dest, asset, amount)
}

func (t *pgTx) Mint(ctx context.Context, account, asset string, amount uint64) error {
	return mint(ctx, t, account, asset, amount)
}

func (t *pgTx) Approve(ctx context.Context, owner, asset string, amount uint64) error {
	return t.setAmount(ctx, allowancesTable, "owner", owner, asset, amount)
}

func (t *pgTx) AppendEvent(ctx context.Context, e settlement.Event) (settlement.Event, error) {
	seq, err := t.nextID(ctx, "event")
	if err != nil {
		return settlement.Event{}, err
	}
	e.Seq = seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var amounts []byte
	if len(e.Amounts) > 0 {
		if amounts, err = json.Marshal(e.Amounts); err != nil {
			return settlement.Event{}, fmt.Errorf("encode event amounts: %w", err)
		}
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO settle_events (seq, type, task_id, reward_id, actor, amounts, tx_hash, message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		int64(e.Seq), string(e.Type), int64(e.TaskID), int64(e.RewardID), e.Actor, amounts, e.TxHash, e.Message, e.CreatedAt)
	if err != nil {
		return settlement.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

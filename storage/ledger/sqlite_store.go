package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"settlement-backend/core/settlement"
)

// SQLiteStore persists the ledger in a single SQLite file. The pool holds one
// connection, so every Update runs alone and sees the latest committed state.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path and creates the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
}

var _ settlement.Ledger = (*SQLiteStore)(nil)

// Close closes the database.
func (s *SQLiteStore) Close() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		log.Printf("sqlite ledger: close: %v", err)
	}
}

// Update runs fn in one transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx settlement.Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn in a transaction that rejects writes.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx settlement.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLiteStore) run(ctx context.Context, readOnly bool, fn func(tx settlement.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()
	if err := fn(&sqliteTx{tx: tx, readOnly: readOnly}); err != nil {
		return classifySQLite(err)
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Counters returns the next ids to be assigned.
func (s *SQLiteStore) Counters(ctx context.Context) (settlement.Counters, error) {
	var c settlement.Counters
	rows, err := s.db.QueryContext(ctx, `SELECT name, next_id FROM settle_counters WHERE name IN ('task','reward')`)
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
func (s *SQLiteStore) Events(ctx context.Context, afterSeq uint64, limit int) ([]settlement.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, type, task_id, reward_id, actor, amounts, tx_hash, message, created_at
FROM settle_events WHERE seq > ? ORDER BY seq LIMIT ?`, int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []settlement.Event{}
	for rows.Next() {
		var (
			e             settlement.Event
			seq, tid, rid int64
			typ, created  string
			amounts       sql.NullString
		)
		if err := rows.Scan(&seq, &typ, &tid, &rid, &e.Actor, &amounts, &e.TxHash, &e.Message, &created); err != nil {
			return nil, err
		}
		e.Seq, e.TaskID, e.RewardID = uint64(seq), uint64(tid), uint64(rid)
		e.Type = settlement.EventType(typ)
		if amounts.Valid && amounts.String != "" {
			if err := json.Unmarshal([]byte(amounts.String), &e.Amounts); err != nil {
				return nil, fmt.Errorf("decode event %d amounts: %w", seq, err)
			}
		}
		if e.CreatedAt, err = parseTime("created_at", created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// classifySQLite maps SQLite failures onto ledger semantics.
func classifySQLite(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch code := se.Code(); {
	case code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, code == sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		if strings.Contains(se.Error(), "settle_reward_index") {
			return fmt.Errorf("%w: %s", settlement.ErrAssociationRace, se.Error())
		}
		return fmt.Errorf("%w: %s", ErrDuplicate, se.Error())
	case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
		return temporaryError{err: err}
	}
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(field, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode %s %q: %w", field, s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(field string, s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(field, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type sqliteTx struct {
	tx       *sql.Tx
	readOnly bool
}

func (t *sqliteTx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if t.readOnly {
		return nil, ErrReadOnly
	}
	return t.tx.ExecContext(ctx, q, args...)
}

func (t *sqliteTx) nextID(ctx context.Context, name string) (uint64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	var id int64
	err := t.tx.QueryRowContext(ctx, `UPDATE settle_counters SET next_id = next_id + 1 WHERE name=? RETURNING next_id - 1`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocate %s id: %w", name, err)
	}
	return uint64(id), nil
}

func (t *sqliteTx) AllocateTaskID(ctx context.Context) (uint64, error) { return t.nextID(ctx, "task") }

func (t *sqliteTx) AllocateRewardID(ctx context.Context) (uint64, error) {
	return t.nextID(ctx, "reward")
}

const sqliteTaskColumns = `id, creator, helper, reward, content_ref, status, post_fee,
cross_chain_asset, cross_chain_amount, target_chain_id,
terminate_requested_by, terminate_requested_at, fix_requested, fix_requested_at, created_at, updated_at`

func (t *sqliteTx) GetTask(ctx context.Context, id uint64) (settlement.Task, error) {
	var (
		task                               settlement.Task
		rid                                int64
		reward, postFee, ccAmount, chainID string
		status, created, updated           string
		terminateAt, fixAt                 sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM settle_tasks WHERE id=?`, int64(id)).Scan(
		&rid, &task.Creator, &task.Helper, &reward, &task.ContentRef, &status, &postFee,
		&task.CrossChainAsset, &ccAmount, &chainID,
		&task.TerminateRequestedBy, &terminateAt, &task.FixRequested, &fixAt, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Task{}, fmt.Errorf("%w: task %d", settlement.ErrNotFound, id)
	}
	if err != nil {
		return settlement.Task{}, fmt.Errorf("load task %d: %w", id, err)
	}
	task.ID = uint64(rid)
	if task.Status, err = settlement.ParseTaskStatus(status); err != nil {
		return settlement.Task{}, err
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *uint64
	}{
		{"reward", reward, &task.Reward},
		{"post_fee", postFee, &task.PostFee},
		{"cross_chain_amount", ccAmount, &task.CrossChainAmount},
		{"target_chain_id", chainID, &task.TargetChainID},
	} {
		if *f.dst, err = parseU64(f.name, f.raw); err != nil {
			return settlement.Task{}, err
		}
	}
	if task.TerminateRequestedAt, err = parseNullTime("terminate_requested_at", terminateAt); err != nil {
		return settlement.Task{}, err
	}
	if task.FixRequestedAt, err = parseNullTime("fix_requested_at", fixAt); err != nil {
		return settlement.Task{}, err
	}
	if task.CreatedAt, err = parseTime("created_at", created); err != nil {
		return settlement.Task{}, err
	}
	if task.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return settlement.Task{}, err
	}
	return task, nil
}

// GetTaskForUpdate is GetTask; the single connection already serializes writers.
func (t *sqliteTx) GetTaskForUpdate(ctx context.Context, id uint64) (settlement.Task, error) {
	return t.GetTask(ctx, id)
}

func (t *sqliteTx) InsertTask(ctx context.Context, task settlement.Task) error {
	_, err := t.exec(ctx, `
INSERT INTO settle_tasks (id, creator, helper, reward, content_ref, status, post_fee,
  cross_chain_asset, cross_chain_amount, target_chain_id,
  terminate_requested_by, terminate_requested_at, fix_requested, fix_requested_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		int64(task.ID), task.Creator, task.Helper, u64(task.Reward), task.ContentRef, task.Status.String(), u64(task.PostFee),
		task.CrossChainAsset, u64(task.CrossChainAmount), u64(task.TargetChainID),
		task.TerminateRequestedBy, nullTime(task.TerminateRequestedAt), task.FixRequested, nullTime(task.FixRequestedAt),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return classifySQLite(fmt.Errorf("insert task %d: %w", task.ID, err))
	}
	return nil
}

func (t *sqliteTx) UpdateTask(ctx context.Context, task settlement.Task) error {
	res, err := t.exec(ctx, `
UPDATE settle_tasks SET helper=?, status=?, post_fee=?,
  terminate_requested_by=?, terminate_requested_at=?, fix_requested=?, fix_requested_at=?, updated_at=?
WHERE id=?`,
		task.Helper, task.Status.String(), u64(task.PostFee),
		task.TerminateRequestedBy, nullTime(task.TerminateRequestedAt), task.FixRequested, nullTime(task.FixRequestedAt),
		formatTime(task.UpdatedAt), int64(task.ID))
	if err != nil {
		return fmt.Errorf("update task %d: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %d", settlement.ErrNotFound, task.ID)
	}
	return nil
}

const sqlitePlanColumns = `id, creator, target_address, task_id, asset, amount, target_chain_id,
status, dispatch_id, last_tx_hash, created_at, updated_at`

func (t *sqliteTx) GetPlan(ctx context.Context, id uint64) (settlement.RewardPlan, error) {
	var (
		p                        settlement.RewardPlan
		pid, taskID              int64
		amount, chainID          string
		status, created, updated string
	)
	err := t.tx.QueryRowContext(ctx, `SELECT `+sqlitePlanColumns+` FROM settle_reward_plans WHERE id=?`, int64(id)).Scan(
		&pid, &p.Creator, &p.TargetAddress, &taskID, &p.Asset, &amount, &chainID,
		&status, &p.DispatchID, &p.LastTxHash, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
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
	if p.CreatedAt, err = parseTime("created_at", created); err != nil {
		return settlement.RewardPlan{}, err
	}
	if p.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return settlement.RewardPlan{}, err
	}
	return p, nil
}

func (t *sqliteTx) GetPlanForUpdate(ctx context.Context, id uint64) (settlement.RewardPlan, error) {
	return t.GetPlan(ctx, id)
}

func (t *sqliteTx) InsertPlan(ctx context.Context, p settlement.RewardPlan) error {
	_, err := t.exec(ctx, `
INSERT INTO settle_reward_plans (id, creator, target_address, task_id, asset, amount, target_chain_id,
  status, dispatch_id, last_tx_hash, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		int64(p.ID), p.Creator, p.TargetAddress, int64(p.TaskID), p.Asset, u64(p.Amount), u64(p.TargetChainID),
		p.Status.String(), p.DispatchID, p.LastTxHash, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return classifySQLite(fmt.Errorf("insert reward plan %d: %w", p.ID, err))
	}
	return nil
}

func (t *sqliteTx) UpdatePlan(ctx context.Context, p settlement.RewardPlan) error {
	res, err := t.exec(ctx, `
UPDATE settle_reward_plans SET target_address=?, task_id=?, status=?, dispatch_id=?, last_tx_hash=?, updated_at=?
WHERE id=?`,
		p.TargetAddress, int64(p.TaskID), p.Status.String(), p.DispatchID, p.LastTxHash, formatTime(p.UpdatedAt), int64(p.ID))
	if err != nil {
		return fmt.Errorf("update reward plan %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: reward plan %d", settlement.ErrNotFound, p.ID)
	}
	return nil
}

func (t *sqliteTx) RewardByTask(ctx context.Context, taskID uint64) (uint64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT reward_id FROM settle_reward_index WHERE task_id=?`, int64(taskID)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup reward for task %d: %w", taskID, err)
	}
	return uint64(id), true, nil
}

func (t *sqliteTx) IndexReward(ctx context.Context, taskID, rewardID uint64) error {
	_, err := t.exec(ctx, `INSERT INTO settle_reward_index (task_id, reward_id) VALUES (?,?)`, int64(taskID), int64(rewardID))
	if err != nil {
		return classifySQLite(fmt.Errorf("index reward %d for task %d: %w", rewardID, taskID, err))
	}
	return nil
}

func (t *sqliteTx) UnindexReward(ctx context.Context, taskID uint64) error {
	res, err := t.exec(ctx, `DELETE FROM settle_reward_index WHERE task_id=?`, int64(taskID))
	if err != nil {
		return fmt.Errorf("unindex task %d: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no reward indexed for task %d", settlement.ErrNotFound, taskID)
	}
	return nil
}

func (t *sqliteTx) amount(ctx context.Context, table, keyCol, key, asset string, _ bool) (uint64, error) {
	var s string
	err := t.tx.QueryRowContext(ctx, `SELECT amount FROM `+table+` WHERE `+keyCol+`=? AND asset=?`, key, asset).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s for %s/%s: %w", table, key, asset, err)
	}
	return parseU64("amount", s)
}

func (t *sqliteTx) setAmount(ctx context.Context, table, keyCol, key, asset string, v uint64) error {
	q := `INSERT INTO ` + table + ` (` + keyCol + `, asset, amount) VALUES (?,?,?)
ON CONFLICT (` + keyCol + `, asset) DO UPDATE SET amount = excluded.amount`
	if _, err := t.exec(ctx, q, key, asset, u64(v)); err != nil {
		return fmt.Errorf("write %s for %s/%s: %w", table, key, asset, err)
	}
	return nil
}

func (t *sqliteTx) Balance(ctx context.Context, account, asset string) (uint64, error) {
	return t.amount(ctx, balancesTable, "account", account, asset, false)
}

func (t *sqliteTx) Allowance(ctx context.Context, owner, asset string) (uint64, error) {
	return t.amount(ctx, allowancesTable, "owner", owner, asset, false)
}

func (t *sqliteTx) Transfer(ctx context.Context, from, to, asset string, amount uint64) error {
	return transfer(ctx, t, from, to, asset, amount)
}

func (t *sqliteTx) Pull(ctx context.Context, owner, dest, asset string, amount uint64) error {
	return pull(ctx, t, owner, dest, asset, amount)
}

func (t *sqliteTx) Mint(ctx context.Context, account, asset string, amount uint64) error {
	return mint(ctx, t, account, asset, amount)
}

func (t *sqliteTx) Approve(ctx context.Context, owner, asset string, amount uint64) error {
	return t.setAmount(ctx, allowancesTable, "owner", owner, asset, amount)
}

func (t *sqliteTx) AppendEvent(ctx context.Context, e settlement.Event) (settlement.Event, error) {
	seq, err := t.nextID(ctx, "event")
	if err != nil {
		return settlement.Event{}, err
	}
	e.Seq = seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var amounts sql.NullString
	if len(e.Amounts) > 0 {
		b, err := json.Marshal(e.Amounts)
		if err != nil {
			return settlement.Event{}, fmt.Errorf("encode event amounts: %w", err)
		}
		amounts = sql.NullString{String: string(b), Valid: true}
	}
	_, err = t.exec(ctx, `
INSERT INTO settle_events (seq, type, task_id, reward_id, actor, amounts, tx_hash, message, created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		int64(e.Seq), string(e.Type), int64(e.TaskID), int64(e.RewardID), e.Actor, amounts, e.TxHash, e.Message, formatTime(e.CreatedAt))
	if err != nil {
		return settlement.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// Amounts and chain ids are TEXT so the full uint64 range round-trips.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settle_counters (
  name TEXT PRIMARY KEY,
  next_id INTEGER NOT NULL
);
INSERT INTO settle_counters (name, next_id) VALUES ('task', 1), ('reward', 1), ('event', 1)
ON CONFLICT (name) DO NOTHING;

CREATE TABLE IF NOT EXISTS settle_tasks (
  id INTEGER PRIMARY KEY,
  creator TEXT NOT NULL,
  helper TEXT NOT NULL DEFAULT '',
  reward TEXT NOT NULL,
  content_ref TEXT NOT NULL,
  status TEXT NOT NULL,
  post_fee TEXT NOT NULL,
  cross_chain_asset TEXT NOT NULL DEFAULT '',
  cross_chain_amount TEXT NOT NULL DEFAULT '0',
  target_chain_id TEXT NOT NULL DEFAULT '0',
  terminate_requested_by TEXT NOT NULL DEFAULT '',
  terminate_requested_at TEXT,
  fix_requested BOOLEAN NOT NULL DEFAULT 0,
  fix_requested_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settle_reward_plans (
  id INTEGER PRIMARY KEY,
  creator TEXT NOT NULL,
  target_address TEXT NOT NULL DEFAULT '',
  task_id INTEGER NOT NULL DEFAULT 0,
  asset TEXT NOT NULL,
  amount TEXT NOT NULL,
  target_chain_id TEXT NOT NULL,
  status TEXT NOT NULL,
  dispatch_id TEXT NOT NULL DEFAULT '',
  last_tx_hash TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settle_reward_index (
  task_id INTEGER PRIMARY KEY,
  reward_id INTEGER NOT NULL UNIQUE REFERENCES settle_reward_plans(id)
);

CREATE TABLE IF NOT EXISTS settle_balances (
  account TEXT NOT NULL,
  asset TEXT NOT NULL,
  amount TEXT NOT NULL DEFAULT '0',
  PRIMARY KEY (account, asset)
);

CREATE TABLE IF NOT EXISTS settle_allowances (
  owner TEXT NOT NULL,
  asset TEXT NOT NULL,
  amount TEXT NOT NULL DEFAULT '0',
  PRIMARY KEY (owner, asset)
);

CREATE TABLE IF NOT EXISTS settle_events (
  seq INTEGER PRIMARY KEY,
  type TEXT NOT NULL,
  task_id INTEGER NOT NULL DEFAULT 0,
  reward_id INTEGER NOT NULL DEFAULT 0,
  actor TEXT NOT NULL,
  amounts TEXT,
  tx_hash TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_settle_reward_plans_status ON settle_reward_plans(status);
CREATE INDEX IF NOT EXISTS idx_settle_tasks_creator ON settle_tasks(creator);
`

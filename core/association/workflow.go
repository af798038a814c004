package association

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"settlement-backend/core/settlement"
)

// State is a step of the association saga.
type State string

const (
	StateStart              State = "start"
	StatePlanFunded         State = "plan_funded"
	StateTaskCreated        State = "task_created"
	StateLocked             State = "locked"
	StateVerified           State = "verified"
	StateCompensating       State = "compensating"
	StateCompensated        State = "compensated"
	StateManualIntervention State = "manual_intervention"
	StateFailed             State = "failed"
)

// Terminal reports whether the saga has finished. StateFailed means it
// stopped before any plan existed, so there was nothing to compensate.
func (s State) Terminal() bool {
	switch s {
	case StateVerified, StateCompensated, StateManualIntervention, StateFailed:
		return true
	}
	return false
}

// Step is one entry of the saga history.
type Step struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
	Err   string    `json:"error,omitempty"`
}

// Tasks is the subset of the task manager the saga drives.
type Tasks interface {
	CreateTask(ctx context.Context, caller string, in settlement.CreateTaskInput) (settlement.Task, error)
	GetTask(ctx context.Context, id uint64) (settlement.Task, error)
}

// Rewards is the subset of the reward coordinator the saga drives.
type Rewards interface {
	NativeAsset() string
	PreparePlan(ctx context.Context, caller, asset string, amount, targetChainID uint64) (settlement.RewardPlan, error)
	Deposit(ctx context.Context, caller string, rewardID, attachedValue uint64) (settlement.RewardPlan, error)
	PrepareAndDeposit(ctx context.Context, caller, asset string, amount, targetChainID, attachedValue uint64) (settlement.RewardPlan, error)
	LockForTask(ctx context.Context, caller string, rewardID, taskID uint64) (settlement.RewardPlan, error)
	GetRewardPlan(ctx context.Context, rewardID uint64) (settlement.RewardPlan, error)
	GetRewardByTask(ctx context.Context, taskID uint64) (uint64, bool, error)
	Refund(ctx context.Context, caller string, rewardID uint64) (settlement.RewardPlan, error)
	FlagManualIntervention(ctx context.Context, rewardID, taskID uint64, reason string) error
}

// OutcomeObserver is told how each saga ended.
type OutcomeObserver interface {
	ObserveSaga(outcome State)
}

// Config bounds compensation retries.
type Config struct {
	CompensationAttempts int
	InitialInterval      time.Duration
	MaxInterval          time.Duration
}

// DefaultConfig returns three refund attempts with exponential backoff.
func DefaultConfig() Config {
	return Config{
		CompensationAttempts: 3,
		InitialInterval:      200 * time.Millisecond,
		MaxInterval:          2 * time.Second,
	}
}

// Input carries createTaskWithReward arguments.
type Input struct {
	Reward        uint64 `json:"reward"`
	ContentRef    string `json:"content_ref"`
	RewardAsset   string `json:"reward_asset"`
	RewardAmount  uint64 `json:"reward_amount"`
	TargetChainID uint64 `json:"target_chain_id"`
	// AttachedValue is the native value sent with the call.
	AttachedValue uint64 `json:"attached_value"`
}

// Result is the outcome of a verified association.
type Result struct {
	Task settlement.Task       `json:"task"`
	Plan settlement.RewardPlan `json:"plan"`
}

// Workflow runs one createTaskWithReward saga. It is single use.
type Workflow struct {
	tasks    Tasks
	rewards  Rewards
	cfg      Config
	observer OutcomeObserver
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.Mutex
	state    State
	history  []Step
	rewardID uint64
	taskID   uint64
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithOutcomeObserver reports the final state to o.
func WithOutcomeObserver(o OutcomeObserver) Option {
	return func(w *Workflow) { w.observer = o }
}

// NewWorkflow prepares a saga in StateStart.
func NewWorkflow(tasks Tasks, rewards Rewards, cfg Config, opts ...Option) *Workflow {
	def := DefaultConfig()
	if cfg.CompensationAttempts <= 0 {
		cfg.CompensationAttempts = def.CompensationAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	w := &Workflow{
		tasks:   tasks,
		rewards: rewards,
		cfg:     cfg,
		tracer:  otel.Tracer("settlement-backend/core/association"),
		now:     func() time.Time { return time.Now().UTC() },
		state:   StateStart,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.history = []Step{{State: StateStart, At: w.now()}}
	return w
}

// State returns the current saga state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// History returns every state the saga passed through.
func (w *Workflow) History() []Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Step(nil), w.history...)
}

// RewardID returns the plan created by the saga, or 0.
func (w *Workflow) RewardID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rewardID
}

// TaskID returns the task created by the saga, or 0.
func (w *Workflow) TaskID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.taskID
}

func (w *Workflow) advance(s State, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	step := Step{State: s, At: w.now()}
	if err != nil {
		step.Err = err.Error()
	}
	w.history = append(w.history, step)
}

func (w *Workflow) finish(s State, err error) {
	w.advance(s, err)
	if w.observer != nil {
		w.observer.ObserveSaga(s)
	}
}

// CreateTaskWithReward funds a plan, creates the task and binds the two. On a
// failure after funding it refunds the plan; if the refund cannot complete it
// returns *settlement.ManualInterventionError.
func (w *Workflow) CreateTaskWithReward(ctx context.Context, caller string, in Input) (Result, error) {
	w.mu.Lock()
	if w.state != StateStart {
		w.mu.Unlock()
		return Result{}, fmt.Errorf("%w: workflow already ran (state %s)", settlement.ErrInvalidState, w.state)
	}
	w.mu.Unlock()

	ctx, span := w.tracer.Start(ctx, "association.create_task_with_reward", trace.WithAttributes(
		attribute.String("caller", caller),
		attribute.String("reward.asset", in.RewardAsset),
		attribute.Int64("reward.target_chain", int64(in.TargetChainID)),
	))
	defer span.End()

	res, err := w.run(ctx, caller, in)
	span.SetAttributes(attribute.String("saga.state", string(w.State())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (w *Workflow) run(ctx context.Context, caller string, in Input) (Result, error) {
	plan, err := w.fund(ctx, caller, in)
	if err != nil {
		if plan.ID != 0 {
			return Result{}, w.compensate(ctx, caller, err)
		}
		w.finish(StateFailed, err)
		return Result{}, err
	}
	w.advance(StatePlanFunded, nil)

	task, err := w.step(ctx, "create_task", func(ctx context.Context) (uint64, error) {
		t, err := w.tasks.CreateTask(ctx, caller, settlement.CreateTaskInput{
			Reward:     in.Reward,
			ContentRef: in.ContentRef,
			Mirror: &settlement.CrossChainMirror{
				Asset:         plan.Asset,
				Amount:        plan.Amount,
				TargetChainID: plan.TargetChainID,
			},
		})
		return t.ID, err
	})
	if err != nil {
		return Result{}, w.compensate(ctx, caller, err)
	}
	w.mu.Lock()
	w.taskID = task
	w.mu.Unlock()
	w.advance(StateTaskCreated, nil)

	if _, err := w.step(ctx, "lock_for_task", func(ctx context.Context) (uint64, error) {
		p, err := w.rewards.LockForTask(ctx, caller, plan.ID, task)
		return p.ID, err
	}); err != nil {
		return Result{}, w.compensate(ctx, caller, err)
	}
	w.advance(StateLocked, nil)

	locked, err := w.verify(ctx, plan.ID, task)
	if err != nil {
		return Result{}, w.compensate(ctx, caller, err)
	}
	w.finish(StateVerified, nil)
	log.Printf("association: task %d bound to reward plan %d", task, plan.ID)

	t, err := w.tasks.GetTask(ctx, task)
	if err != nil {
		return Result{}, err
	}
	return Result{Task: t, Plan: locked}, nil
}

// fund prepares and deposits. Native plans use the collapsed path; others
// prepare first so the allowance pull happens in Deposit.
func (w *Workflow) fund(ctx context.Context, caller string, in Input) (settlement.RewardPlan, error) {
	ctx, span := w.tracer.Start(ctx, "association.fund_plan")
	defer span.End()

	if in.RewardAsset == w.rewards.NativeAsset() {
		p, err := w.rewards.PrepareAndDeposit(ctx, caller, in.RewardAsset, in.RewardAmount, in.TargetChainID, in.AttachedValue)
		if err != nil {
			span.RecordError(err)
			return settlement.RewardPlan{}, err
		}
		w.setReward(p.ID)
		return p, nil
	}
	p, err := w.rewards.PreparePlan(ctx, caller, in.RewardAsset, in.RewardAmount, in.TargetChainID)
	if err != nil {
		span.RecordError(err)
		return settlement.RewardPlan{}, err
	}
	w.setReward(p.ID)
	funded, err := w.rewards.Deposit(ctx, caller, p.ID, in.AttachedValue)
	if err != nil {
		span.RecordError(err)
		return p, err
	}
	return funded, nil
}

func (w *Workflow) setReward(id uint64) {
	w.mu.Lock()
	w.rewardID = id
	w.mu.Unlock()
}

func (w *Workflow) step(ctx context.Context, name string, fn func(ctx context.Context) (uint64, error)) (uint64, error) {
	ctx, span := w.tracer.Start(ctx, "association."+name)
	defer span.End()
	id, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return id, err
}

// verify re-reads both directions of the association.
func (w *Workflow) verify(ctx context.Context, rewardID, taskID uint64) (settlement.RewardPlan, error) {
	ctx, span := w.tracer.Start(ctx, "association.verify")
	defer span.End()

	indexed, ok, err := w.rewards.GetRewardByTask(ctx, taskID)
	if err != nil {
		return settlement.RewardPlan{}, err
	}
	if !ok || indexed != rewardID {
		return settlement.RewardPlan{}, fmt.Errorf("%w: task %d indexes reward plan %d, want %d",
			settlement.ErrOrphanInconsistency, taskID, indexed, rewardID)
	}
	p, err := w.rewards.GetRewardPlan(ctx, rewardID)
	if err != nil {
		return settlement.RewardPlan{}, err
	}
	if p.TaskID != taskID || p.Status != settlement.RewardLocked {
		return settlement.RewardPlan{}, fmt.Errorf("%w: reward plan %d points at task %d in state %s",
			settlement.ErrOrphanInconsistency, rewardID, p.TaskID, p.Status)
	}
	return p, nil
}

// compensate refunds the saga's plan with bounded retries.
func (w *Workflow) compensate(ctx context.Context, caller string, cause error) error {
	rewardID, taskID := w.RewardID(), w.TaskID()
	w.advance(StateCompensating, cause)

	ctx, span := w.tracer.Start(ctx, "association.compensate", trace.WithAttributes(
		attribute.Int64("reward.id", int64(rewardID)),
	))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialInterval
	b.MaxInterval = w.cfg.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.CompensationAttempts-1)), ctx)

	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		_, err := w.rewards.Refund(ctx, caller, rewardID)
		if err == nil {
			return nil
		}
		if errors.Is(err, settlement.ErrInvalidState) {
			if p, gerr := w.rewards.GetRewardPlan(ctx, rewardID); gerr == nil && p.Status == settlement.RewardRefunded {
				return nil
			}
		}
		lastErr = err
		if settlement.Permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("association: refund of reward plan %d failed (attempt %d), retrying in %s: %v", rewardID, attempts, wait, err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		mi := &settlement.ManualInterventionError{
			RewardID:      rewardID,
			TaskID:        taskID,
			Cause:         cause,
			LastRefundErr: lastErr,
			Attempts:      attempts,
		}
		// The flag is written with a fresh context so a cancelled caller still leaves a record.
		flagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := w.rewards.FlagManualIntervention(flagCtx, rewardID, taskID, mi.Error()); ferr != nil {
			log.Printf("association: record manual intervention for reward plan %d: %v", rewardID, ferr)
		}
		span.RecordError(mi)
		span.SetStatus(codes.Error, "manual intervention")
		w.finish(StateManualIntervention, mi)
		log.Printf("association: %v", mi)
		return mi
	}

	w.finish(StateCompensated, cause)
	log.Printf("association: reward plan %d refunded after failure: %v", rewardID, cause)
	return fmt.Errorf("create task with reward: %w (reward plan %d refunded)", cause, rewardID)
}

package settlement

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// TaskConfig holds the task economics and policy switches.
type TaskConfig struct {
	SettlementAsset string
	Fees            FeeSchedule
	// AllowSelfAccept lets a creator accept their own task.
	AllowSelfAccept bool
}

// CreateTaskInput captures createTask / createTaskWithReward arguments.
type CreateTaskInput struct {
	Reward     uint64            `json:"reward"`
	ContentRef string            `json:"content_ref"`
	Mirror     *CrossChainMirror `json:"cross_chain,omitempty"`
}

// TaskManager owns the task escrow state machine.
type TaskManager struct {
	deps
	cfg TaskConfig
}

// NewTaskManager creates a task manager over ledger.
func NewTaskManager(ledger Ledger, cfg TaskConfig, opts ...Option) *TaskManager {
	if cfg.SettlementAsset == "" {
		cfg.SettlementAsset = "SETTLE"
	}
	if cfg.Fees == (FeeSchedule{}) {
		cfg.Fees = DefaultFees()
	}
	return &TaskManager{deps: newDeps(ledger, opts), cfg: cfg}
}

// SettlementAsset returns the asset tasks are escrowed in.
func (m *TaskManager) SettlementAsset() string { return m.cfg.SettlementAsset }

// Fees returns the active fee schedule.
func (m *TaskManager) Fees() FeeSchedule { return m.cfg.Fees }

// CreateTask escrows reward+postFee from caller and opens a task. The returned
// task carries the assigned id; callers must not predict it.
func (m *TaskManager) CreateTask(ctx context.Context, caller string, in CreateTaskInput) (Task, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return Task{}, err
	}
	if err := m.cfg.Fees.Validate(in.Reward); err != nil {
		return Task{}, err
	}
	if strings.TrimSpace(in.ContentRef) == "" {
		return Task{}, fmt.Errorf("%w: content reference required", ErrValidation)
	}
	if in.Mirror != nil && (in.Mirror.Asset == "" || in.Mirror.Amount == 0) {
		return Task{}, fmt.Errorf("%w: cross-chain mirror needs asset and amount", ErrInvalidAmount)
	}

	var created Task
	err = m.update(ctx, "create_task", func(tx Tx, events *[]Event) error {
		escrow := m.cfg.Fees.Escrow(in.Reward)
		if err := tx.Pull(ctx, caller, AccountEscrow, m.cfg.SettlementAsset, escrow); err != nil {
			return err
		}
		id, err := tx.AllocateTaskID(ctx)
		if err != nil {
			return err
		}
		now := m.now()
		t := Task{
			ID:         id,
			Creator:    caller,
			Reward:     in.Reward,
			ContentRef: strings.TrimSpace(in.ContentRef),
			Status:     TaskOpen,
			PostFee:    m.cfg.Fees.PostFee,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if in.Mirror != nil {
			t.CrossChainAsset = in.Mirror.Asset
			t.CrossChainAmount = in.Mirror.Amount
			t.TargetChainID = in.Mirror.TargetChainID
		}
		if err := tx.InsertTask(ctx, t); err != nil {
			return err
		}
		created = t
		return emit(ctx, tx, events, Event{
			Type:      EventTaskCreated,
			TaskID:    id,
			Actor:     caller,
			Amounts:   map[string]uint64{"reward": t.Reward, "post_fee": t.PostFee},
			Message:   fmt.Sprintf("task %d created with reward %d", id, t.Reward),
			CreatedAt: now,
		})
	})
	if err != nil {
		return Task{}, err
	}
	log.Printf("task %d created by %s (reward=%d post_fee=%d)", created.ID, caller, created.Reward, created.PostFee)
	return created, nil
}

// AcceptTask stakes reward from caller and makes them the helper.
func (m *TaskManager) AcceptTask(ctx context.Context, caller string, taskID uint64) (Task, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return Task{}, err
	}
	var out Task
	err = m.update(ctx, "accept_task", func(tx Tx, events *[]Event) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status != TaskOpen {
			return invalidState("accept task", taskID, t.Status, TaskOpen.String())
		}
		if caller == t.Creator && !m.cfg.AllowSelfAccept {
			return fmt.Errorf("%w: creator cannot accept own task %d", ErrUnauthorized, taskID)
		}
		if err := tx.Pull(ctx, caller, AccountEscrow, m.cfg.SettlementAsset, t.Reward); err != nil {
			return err
		}
		now := m.now()
		t.Helper = caller
		t.Status = TaskInProgress
		t.UpdatedAt = now
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return emit(ctx, tx, events, Event{
			Type:      EventTaskAccepted,
			TaskID:    taskID,
			Actor:     caller,
			Amounts:   map[string]uint64{"stake": t.Reward},
			Message:   fmt.Sprintf("task %d accepted", taskID),
			CreatedAt: now,
		})
	})
	return out, err
}

// SubmitWork moves an in-progress task to submitted; helper only.
func (m *TaskManager) SubmitWork(ctx context.Context, caller string, taskID uint64) (Task, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return Task{}, err
	}
	var out Task
	err = m.update(ctx, "submit_work", func(tx Tx, events *[]Event) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if caller == "" || caller != t.Helper {
			return unauthorized("submit work for task", taskID, caller)
		}
		if t.Status != TaskInProgress {
			return invalidState("submit work for task", taskID, t.Status, TaskInProgress.String())
		}
		now := m.now()
		t.Status = TaskSubmitted
		t.UpdatedAt = now
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return emit(ctx, tx, events, Event{
			Type:      EventWorkSubmitted,
			TaskID:    taskID,
			Actor:     caller,
			Message:   fmt.Sprintf("work submitted for task %d", taskID),
			CreatedAt: now,
		})
	})
	return out, err
}

// ConfirmComplete pays the helper, burns the protocol share and completes the task.
func (m *TaskManager) ConfirmComplete(ctx context.Context, caller string, taskID uint64) (Payout, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return Payout{}, err
	}
	var payout Payout
	err = m.update(ctx, "confirm_complete", func(tx Tx, events *[]Event) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if caller != t.Creator {
			return unauthorized("confirm task", taskID, caller)
		}
		if t.Status != TaskSubmitted {
			return invalidState("confirm task", taskID, t.Status, TaskSubmitted.String())
		}
		helperAmount, burn := m.cfg.Fees.Split(t.Reward, t.PostFee)
		if err := tx.Transfer(ctx, AccountEscrow, t.Helper, m.cfg.SettlementAsset, helperAmount); err != nil {
			return err
		}
		if burn > 0 {
			if err := tx.Transfer(ctx, AccountEscrow, AccountBurn, m.cfg.SettlementAsset, burn); err != nil {
				return err
			}
		}
		now := m.now()
		t.PostFee = 0
		t.Status = TaskCompleted
		t.UpdatedAt = now
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		payout = Payout{TaskID: taskID, Helper: t.Helper, HelperAmount: helperAmount, BurnAmount: burn}
		return emit(ctx, tx, events, Event{
			Type:      EventTaskCompleted,
			TaskID:    taskID,
			Actor:     caller,
			Amounts:   map[string]uint64{"helper": helperAmount, "burn": burn},
			Message:   fmt.Sprintf("task %d completed, helper %s paid %d", taskID, t.Helper, helperAmount),
			CreatedAt: now,
		})
	})
	if err != nil {
		return Payout{}, err
	}
	log.Printf("task %d completed: helper=%s amount=%d burn=%d", taskID, payout.Helper, payout.HelperAmount, payout.BurnAmount)
	return payout, nil
}

// CancelTask refunds the full escrow of an open task to its creator.
func (m *TaskManager) CancelTask(ctx context.Context, caller string, taskID uint64) (uint64, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return 0, err
	}
	var refunded uint64
	err = m.update(ctx, "cancel_task", func(tx Tx, events *[]Event) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if caller != t.Creator {
			return unauthorized("cancel task", taskID, caller)
		}
		if t.Status != TaskOpen {
			return invalidState("cancel task", taskID, t.Status, TaskOpen.String())
		}
		amount := t.Reward + t.PostFee
		if err := tx.Transfer(ctx, AccountEscrow, t.Creator, m.cfg.SettlementAsset, amount); err != nil {
			return err
		}
		now := m.now()
		t.PostFee = 0
		t.Status = TaskCancelled
		t.UpdatedAt = now
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		refunded = amount
		return emit(ctx, tx, events, Event{
			Type:      EventTaskCancelled,
			TaskID:    taskID,
			Actor:     caller,
			Amounts:   map[string]uint64{"refund": amount},
			Message:   fmt.Sprintf("task %d cancelled, %d returned", taskID, amount),
			CreatedAt: now,
		})
	})
	return refunded, err
}

// RequestTerminate records an early-exit request. Resolution is not defined;
// only the requester and time are kept.
func (m *TaskManager) RequestTerminate(ctx context.Context, caller string, taskID uint64) (Task, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return Task{}, err
	}
	var out Task
	err = m.update(ctx, "request_terminate", func(tx Tx, events *[]Event) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if caller == "" || (caller != t.Creator && caller != t.Helper) {
			return unauthorized("request terminate for task", taskID, caller)
		}
		if t.Status != TaskInProgress && t.Status != TaskSubmitted {
			return invalidState("request terminate for task", taskID, t.Status, "in_progress or submitted")
		}
		if t.TerminateRequestedBy != "" {
			return fmt.Errorf("%w: terminate already requested for task %d by %s", ErrInvalidState, taskID, t.TerminateRequestedBy)
		}
		now := m.now()
		t.TerminateRequestedBy = caller
		t.TerminateRequestedAt = &now
		t.UpdatedAt = now
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return emit(ctx, tx, events, Event{
			Type:      EventTerminateRequested,
			TaskID:    taskID,
			Actor:     caller,
			Message:   fmt.Sprintf("terminate requested for task %d", taskID),
			CreatedAt: now,
		})
	})
	return out, err
}

// RequestFix records a rework request from the creator on submitted work.
func (m *TaskManager) RequestFix(ctx context.Context, caller string, taskID uint64) (Task, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return Task{}, err
	}
	var out Task
	err = m.update(ctx, "request_fix", func(tx Tx, events *[]Event) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if caller != t.Creator {
			return unauthorized("request fix for task", taskID, caller)
		}
		if t.Status != TaskSubmitted {
			return invalidState("request fix for task", taskID, t.Status, TaskSubmitted.String())
		}
		if t.FixRequested {
			return fmt.Errorf("%w: fix already requested for task %d", ErrInvalidState, taskID)
		}
		now := m.now()
		t.FixRequested = true
		t.FixRequestedAt = &now
		t.UpdatedAt = now
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return emit(ctx, tx, events, Event{
			Type:      EventFixRequested,
			TaskID:    taskID,
			Actor:     caller,
			Message:   fmt.Sprintf("fix requested for task %d", taskID),
			CreatedAt: now,
		})
	})
	return out, err
}

// GetTask returns a task by id.
func (m *TaskManager) GetTask(ctx context.Context, taskID uint64) (Task, error) {
	var t Task
	err := m.view(ctx, func(tx Tx) error {
		var err error
		t, err = tx.GetTask(ctx, taskID)
		return err
	})
	return t, err
}

// TaskCounter returns the next task id to be assigned; ids below it exist.
func (m *TaskManager) TaskCounter(ctx context.Context) (uint64, error) {
	c, err := m.ledger.Counters(ctx)
	if err != nil {
		return 0, err
	}
	return c.NextTaskID, nil
}

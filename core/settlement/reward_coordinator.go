package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RewardConfig configures the cross-chain reward coordinator.
type RewardConfig struct {
	// NativeAsset is paid by attached value instead of an allowance pull.
	NativeAsset string
	Chains      []Chain
}

// RewardCoordinator owns the RewardPlan state machine.
type RewardCoordinator struct {
	deps
	cfg       RewardConfig
	chains    *ChainRegistry
	transport Transport
	tracer    trace.Tracer
}

// NewRewardCoordinator creates a coordinator. Attach a transport before claiming.
func NewRewardCoordinator(ledger Ledger, cfg RewardConfig, opts ...Option) *RewardCoordinator {
	if cfg.NativeAsset == "" {
		cfg.NativeAsset = "ETH"
	}
	if len(cfg.Chains) == 0 {
		cfg.Chains = DefaultChains()
	}
	return &RewardCoordinator{
		deps:   newDeps(ledger, opts),
		cfg:    cfg,
		chains: NewChainRegistry(cfg.Chains),
		tracer: otel.Tracer("settlement-backend/core/settlement"),
	}
}

// Attach wires the transport and registers HandleDelivery as its callback.
func (c *RewardCoordinator) Attach(t Transport) error {
	if t == nil {
		return fmt.Errorf("%w: transport required", ErrValidation)
	}
	if err := t.OnDelivery(c.HandleDelivery); err != nil {
		return fmt.Errorf("register delivery handler: %w", err)
	}
	c.transport = t
	return nil
}

// Chains returns the chain registry used for target validation.
func (c *RewardCoordinator) Chains() *ChainRegistry { return c.chains }

// NativeAsset returns the asset funded by attached value.
func (c *RewardCoordinator) NativeAsset() string { return c.cfg.NativeAsset }

func (c *RewardCoordinator) validatePlan(asset string, amount, chainID uint64) error {
	if strings.TrimSpace(asset) == "" {
		return fmt.Errorf("%w: asset required", ErrValidation)
	}
	if amount == 0 {
		return fmt.Errorf("%w: reward amount must be greater than zero", ErrInvalidAmount)
	}
	_, err := c.chains.Lookup(chainID)
	return err
}

func (c *RewardCoordinator) prepare(ctx context.Context, tx Tx, events *[]Event, caller, asset string, amount, chainID uint64) (RewardPlan, error) {
	id, err := tx.AllocateRewardID(ctx)
	if err != nil {
		return RewardPlan{}, err
	}
	now := c.now()
	p := RewardPlan{
		ID:            id,
		Creator:       caller,
		Asset:         asset,
		Amount:        amount,
		TargetChainID: chainID,
		Status:        RewardPrepared,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertPlan(ctx, p); err != nil {
		return RewardPlan{}, err
	}
	err = emit(ctx, tx, events, Event{
		Type:      EventRewardPrepared,
		RewardID:  id,
		Actor:     caller,
		Amounts:   map[string]uint64{"amount": amount},
		Message:   fmt.Sprintf("reward plan %d prepared: %d %s to chain %d", id, amount, asset, chainID),
		CreatedAt: now,
	})
	return p, err
}

func (c *RewardCoordinator) deposit(ctx context.Context, tx Tx, events *[]Event, caller string, p RewardPlan, attached uint64) (RewardPlan, error) {
	if caller != p.Creator {
		return RewardPlan{}, unauthorized("deposit reward plan", p.ID, caller)
	}
	if p.Status != RewardPrepared {
		return RewardPlan{}, invalidState("deposit reward plan", p.ID, p.Status, RewardPrepared.String())
	}
	if p.Asset == c.cfg.NativeAsset {
		if attached != p.Amount {
			return RewardPlan{}, fmt.Errorf("%w: attached value %d does not match plan amount %d", ErrInvalidAmount, attached, p.Amount)
		}
		if err := tx.Transfer(ctx, caller, AccountEscrow, p.Asset, p.Amount); err != nil {
			return RewardPlan{}, err
		}
	} else {
		if attached != 0 {
			return RewardPlan{}, fmt.Errorf("%w: attached value not accepted for %s", ErrInvalidAmount, p.Asset)
		}
		if err := tx.Pull(ctx, caller, AccountEscrow, p.Asset, p.Amount); err != nil {
			return RewardPlan{}, err
		}
	}
	now := c.now()
	p.Status = RewardDeposited
	p.UpdatedAt = now
	if err := tx.UpdatePlan(ctx, p); err != nil {
		return RewardPlan{}, err
	}
	err := emit(ctx, tx, events, Event{
		Type:      EventRewardDeposited,
		RewardID:  p.ID,
		Actor:     caller,
		Amounts:   map[string]uint64{"amount": p.Amount},
		Message:   fmt.Sprintf("reward plan %d funded", p.ID),
		CreatedAt: now,
	})
	return p, err
}

// PreparePlan records a new unfunded plan owned by caller.
func (c *RewardCoordinator) PreparePlan(ctx context.Context, caller, asset string, amount, targetChainID uint64) (RewardPlan, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return RewardPlan{}, err
	}
	if err := c.validatePlan(asset, amount, targetChainID); err != nil {
		return RewardPlan{}, err
	}
	var out RewardPlan
	err = c.update(ctx, "prepare_plan", func(tx Tx, events *[]Event) error {
		var err error
		out, err = c.prepare(ctx, tx, events, caller, asset, amount, targetChainID)
		return err
	})
	return out, err
}

// Deposit funds a prepared plan. attachedValue is the native value sent with
// the call and must equal the plan amount for the native asset.
func (c *RewardCoordinator) Deposit(ctx context.Context, caller string, rewardID, attachedValue uint64) (RewardPlan, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return RewardPlan{}, err
	}
	var out RewardPlan
	err = c.update(ctx, "deposit", func(tx Tx, events *[]Event) error {
		p, err := tx.GetPlanForUpdate(ctx, rewardID)
		if err != nil {
			return err
		}
		out, err = c.deposit(ctx, tx, events, caller, p, attachedValue)
		return err
	})
	return out, err
}

// PrepareAndDeposit creates and funds a plan in one atomic operation.
func (c *RewardCoordinator) PrepareAndDeposit(ctx context.Context, caller, asset string, amount, targetChainID, attachedValue uint64) (RewardPlan, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return RewardPlan{}, err
	}
	if err := c.validatePlan(asset, amount, targetChainID); err != nil {
		return RewardPlan{}, err
	}
	var out RewardPlan
	err = c.update(ctx, "prepare_and_deposit", func(tx Tx, events *[]Event) error {
		p, err := c.prepare(ctx, tx, events, caller, asset, amount, targetChainID)
		if err != nil {
			return err
		}
		out, err = c.deposit(ctx, tx, events, caller, p, attachedValue)
		return err
	})
	return out, err
}

// LockForTask binds a funded plan to taskID. The forward link and the reverse
// index are written in the same atomic operation.
func (c *RewardCoordinator) LockForTask(ctx context.Context, caller string, rewardID, taskID uint64) (RewardPlan, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return RewardPlan{}, err
	}
	if taskID == 0 {
		return RewardPlan{}, fmt.Errorf("%w: task id must be greater than zero", ErrValidation)
	}
	var out RewardPlan
	err = c.update(ctx, "lock_for_task", func(tx Tx, events *[]Event) error {
		p, err := tx.GetPlanForUpdate(ctx, rewardID)
		if err != nil {
			return err
		}
		if caller != p.Creator {
			return unauthorized("lock reward plan", rewardID, caller)
		}
		if p.Status != RewardDeposited {
			return invalidState("lock reward plan", rewardID, p.Status, RewardDeposited.String())
		}
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Creator != p.Creator {
			return fmt.Errorf("%w: task %d is owned by %s, not plan creator %s", ErrUnauthorized, taskID, t.Creator, p.Creator)
		}
		if t.Status == TaskCancelled || t.Status == TaskCompleted {
			return invalidState("lock reward plan to task", taskID, t.Status, "a live task")
		}
		if existing, ok, err := tx.RewardByTask(ctx, taskID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: task %d already bound to reward plan %d", ErrAssociationRace, taskID, existing)
		}
		if err := tx.IndexReward(ctx, taskID, rewardID); err != nil {
			return err
		}
		now := c.now()
		p.TaskID = taskID
		p.Status = RewardLocked
		p.UpdatedAt = now
		if err := tx.UpdatePlan(ctx, p); err != nil {
			return err
		}
		out = p
		return emit(ctx, tx, events, Event{
			Type:      EventRewardLocked,
			TaskID:    taskID,
			RewardID:  rewardID,
			Actor:     caller,
			Amounts:   map[string]uint64{"amount": p.Amount},
			Message:   fmt.Sprintf("reward plan %d locked to task %d", rewardID, taskID),
			CreatedAt: now,
		})
	})
	return out, err
}

// ClaimToHelper records the target address and hands the transfer to the
// transport. Only the task's helper may claim, so the target is always an
// address the helper chose. It returns once the dispatch is accepted;
// HandleDelivery settles it.
func (c *RewardCoordinator) ClaimToHelper(ctx context.Context, caller string, rewardID uint64, targetAddress string) (DispatchReceipt, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return DispatchReceipt{}, err
	}
	ctx, span := c.tracer.Start(ctx, "settlement.claim_to_helper", trace.WithAttributes(
		attribute.Int64("reward.id", int64(rewardID)),
	))
	defer span.End()

	if c.transport == nil {
		return DispatchReceipt{}, fmt.Errorf("%w: no transport attached", ErrDeliveryFailure)
	}
	targetAddress = strings.TrimSpace(targetAddress)

	var d Dispatch
	err = c.update(ctx, "claim_to_helper", func(tx Tx, events *[]Event) error {
		p, err := tx.GetPlanForUpdate(ctx, rewardID)
		if err != nil {
			return err
		}
		if p.Status != RewardLocked {
			return invalidState("claim reward plan", rewardID, p.Status, RewardLocked.String())
		}
		if p.DispatchID != "" {
			return fmt.Errorf("%w: reward plan %d has dispatch %s outstanding", ErrInvalidState, rewardID, p.DispatchID)
		}
		t, err := tx.GetTask(ctx, p.TaskID)
		if err != nil {
			return err
		}
		if caller == "" || caller != t.Helper {
			return unauthorized("claim reward plan", rewardID, caller)
		}
		if t.Status != TaskCompleted {
			return invalidState("claim reward for task", t.ID, t.Status, TaskCompleted.String())
		}
		if err := c.chains.ValidateAddress(p.TargetChainID, targetAddress); err != nil {
			return err
		}
		now := c.now()
		p.TargetAddress = targetAddress
		p.DispatchID = uuid.NewString()
		p.UpdatedAt = now
		if err := tx.UpdatePlan(ctx, p); err != nil {
			return err
		}
		d = Dispatch{
			DispatchID:    p.DispatchID,
			RewardID:      p.ID,
			Asset:         p.Asset,
			Amount:        p.Amount,
			TargetChainID: p.TargetChainID,
			TargetAddress: p.TargetAddress,
			CreatedAt:     now,
		}
		return emit(ctx, tx, events, Event{
			Type:      EventClaimDispatched,
			TaskID:    p.TaskID,
			RewardID:  p.ID,
			Actor:     caller,
			Amounts:   map[string]uint64{"amount": p.Amount},
			Message:   fmt.Sprintf("reward plan %d dispatched to %s on chain %d", p.ID, targetAddress, p.TargetChainID),
			CreatedAt: now,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DispatchReceipt{}, err
	}
	span.SetAttributes(attribute.String("dispatch.id", d.DispatchID))

	if err := c.transport.Dispatch(ctx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch refused")
		if abortErr := c.abortDispatch(ctx, caller, d, err); abortErr != nil {
			log.Printf("settlement: clear dispatch %s for reward plan %d: %v", d.DispatchID, d.RewardID, abortErr)
		}
		return DispatchReceipt{}, fmt.Errorf("%w: dispatch for reward plan %d: %v", ErrDeliveryFailure, rewardID, err)
	}
	log.Printf("reward plan %d dispatched (dispatch=%s chain=%d)", d.RewardID, d.DispatchID, d.TargetChainID)
	return DispatchReceipt{RewardID: d.RewardID, DispatchID: d.DispatchID, TargetAddress: d.TargetAddress, AcceptedAt: c.now()}, nil
}

// abortDispatch clears the dispatch mark only if it still names d.
func (c *RewardCoordinator) abortDispatch(ctx context.Context, caller string, d Dispatch, cause error) error {
	return c.update(ctx, "abort_dispatch", func(tx Tx, events *[]Event) error {
		p, err := tx.GetPlanForUpdate(ctx, d.RewardID)
		if err != nil {
			return err
		}
		if p.DispatchID != d.DispatchID || p.Status != RewardLocked {
			return nil
		}
		now := c.now()
		p.DispatchID = ""
		p.TargetAddress = ""
		p.UpdatedAt = now
		if err := tx.UpdatePlan(ctx, p); err != nil {
			return err
		}
		return emit(ctx, tx, events, Event{
			Type:      EventClaimAborted,
			TaskID:    p.TaskID,
			RewardID:  p.ID,
			Actor:     caller,
			Message:   fmt.Sprintf("dispatch %s refused: %v", d.DispatchID, cause),
			CreatedAt: now,
		})
	})
}

// HandleDelivery applies a transport callback. It is the only path to Claimed
// or Reverted.
func (c *RewardCoordinator) HandleDelivery(ctx context.Context, res DeliveryResult) error {
	_, span := c.tracer.Start(ctx, "settlement.handle_delivery", trace.WithAttributes(
		attribute.Int64("reward.id", int64(res.RewardID)),
		attribute.String("dispatch.id", res.DispatchID),
		attribute.Bool("delivery.success", res.Success),
	))
	defer span.End()

	err := c.update(ctx, "handle_delivery", func(tx Tx, events *[]Event) error {
		p, err := tx.GetPlanForUpdate(ctx, res.RewardID)
		if err != nil {
			return err
		}
		if p.Status != RewardLocked {
			return fmt.Errorf("%w: delivery for reward plan %d in state %s", ErrOrphanInconsistency, p.ID, p.Status)
		}
		if p.DispatchID == "" || p.DispatchID != res.DispatchID {
			return fmt.Errorf("%w: delivery %q does not match outstanding dispatch %q for reward plan %d",
				ErrOrphanInconsistency, res.DispatchID, p.DispatchID, p.ID)
		}
		now := c.now()
		evt := Event{
			TaskID:    p.TaskID,
			RewardID:  p.ID,
			Actor:     AccountBridge,
			TxHash:    res.TxHash,
			Amounts:   map[string]uint64{"amount": p.Amount},
			CreatedAt: now,
		}
		if res.Success {
			if err := tx.Transfer(ctx, AccountEscrow, AccountBridge, p.Asset, p.Amount); err != nil {
				return err
			}
			p.Status = RewardClaimed
			evt.Type = EventRewardClaimed
			evt.Message = fmt.Sprintf("reward plan %d delivered to %s", p.ID, p.TargetAddress)
		} else {
			p.Status = RewardReverted
			evt.Type = EventRewardReverted
			evt.Message = fmt.Sprintf("reward plan %d reverted: %s", p.ID, res.Reason)
		}
		p.LastTxHash = res.TxHash
		p.DispatchID = ""
		p.UpdatedAt = now
		if err := tx.UpdatePlan(ctx, p); err != nil {
			return err
		}
		return emit(ctx, tx, events, evt)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !res.Success {
		log.Printf("reward plan %d reverted (tx=%s): %s", res.RewardID, res.TxHash, res.Reason)
	}
	return nil
}

// Refund returns any escrowed amount to the creator and ends the plan. A plan
// with a dispatch outstanding cannot be refunded; the transport must report
// the delivery first, and a failed delivery leaves it Reverted and refundable.
func (c *RewardCoordinator) Refund(ctx context.Context, caller string, rewardID uint64) (RewardPlan, error) {
	caller, err := checkCaller(caller)
	if err != nil {
		return RewardPlan{}, err
	}
	var out RewardPlan
	err = c.update(ctx, "refund", func(tx Tx, events *[]Event) error {
		p, err := tx.GetPlanForUpdate(ctx, rewardID)
		if err != nil {
			return err
		}
		if caller != p.Creator {
			return unauthorized("refund reward plan", rewardID, caller)
		}
		out, err = c.refund(ctx, tx, events, caller, p)
		return err
	})
	return out, err
}

// RefundOrphan refunds a plan to its creator on the reconciler's behalf, but
// only while the plan still has the status and task link the sweep observed.
// A plan bound to a task is refunded only if that task is cancelled.
func (c *RewardCoordinator) RefundOrphan(ctx context.Context, rewardID uint64, wantStatus RewardStatus, wantTaskID uint64) (RewardPlan, error) {
	var out RewardPlan
	err := c.update(ctx, "refund_orphan", func(tx Tx, events *[]Event) error {
		p, err := tx.GetPlanForUpdate(ctx, rewardID)
		if err != nil {
			return err
		}
		if p.Status != wantStatus || p.TaskID != wantTaskID {
			return fmt.Errorf("%w: reward plan %d moved to %s (task %d) since it was observed as %s (task %d)",
				ErrInvalidState, rewardID, p.Status, p.TaskID, wantStatus, wantTaskID)
		}
		switch {
		case p.TaskID == 0 && p.Status != RewardPrepared && p.Status != RewardDeposited:
			return invalidState("refund orphaned reward plan", rewardID, p.Status, "prepared or deposited")
		case p.TaskID != 0:
			t, err := tx.GetTask(ctx, p.TaskID)
			if err != nil {
				return err
			}
			if t.Status != TaskCancelled {
				return invalidState("refund reward plan bound to task", t.ID, t.Status, TaskCancelled.String())
			}
		}
		out, err = c.refund(ctx, tx, events, ActorReconcile, p)
		return err
	})
	return out, err
}

func (c *RewardCoordinator) refund(ctx context.Context, tx Tx, events *[]Event, actor string, p RewardPlan) (RewardPlan, error) {
	if !p.Status.Refundable() {
		return RewardPlan{}, invalidState("refund reward plan", p.ID, p.Status, "prepared, deposited, locked or reverted")
	}
	if p.DispatchID != "" {
		return RewardPlan{}, fmt.Errorf("%w: reward plan %d has dispatch %s outstanding", ErrInvalidState, p.ID, p.DispatchID)
	}
	var returned uint64
	if p.Status.Escrowed() {
		if err := tx.Transfer(ctx, AccountEscrow, p.Creator, p.Asset, p.Amount); err != nil {
			return RewardPlan{}, err
		}
		returned = p.Amount
	}
	if p.TaskID != 0 {
		if err := tx.UnindexReward(ctx, p.TaskID); err != nil && !errors.Is(err, ErrNotFound) {
			return RewardPlan{}, err
		}
	}
	now := c.now()
	p.Status = RewardRefunded
	p.UpdatedAt = now
	if err := tx.UpdatePlan(ctx, p); err != nil {
		return RewardPlan{}, err
	}
	return p, emit(ctx, tx, events, Event{
		Type:      EventRewardRefunded,
		TaskID:    p.TaskID,
		RewardID:  p.ID,
		Actor:     actor,
		Amounts:   map[string]uint64{"refund": returned},
		Message:   fmt.Sprintf("reward plan %d refunded %d %s", p.ID, returned, p.Asset),
		CreatedAt: now,
	})
}

// GetRewardPlan returns a plan by id.
func (c *RewardCoordinator) GetRewardPlan(ctx context.Context, rewardID uint64) (RewardPlan, error) {
	var p RewardPlan
	err := c.view(ctx, func(tx Tx) error {
		var err error
		p, err = tx.GetPlan(ctx, rewardID)
		return err
	})
	return p, err
}

// GetRewardByTask follows the reverse index from a task to its plan.
func (c *RewardCoordinator) GetRewardByTask(ctx context.Context, taskID uint64) (uint64, bool, error) {
	var (
		id uint64
		ok bool
	)
	err := c.view(ctx, func(tx Tx) error {
		var err error
		id, ok, err = tx.RewardByTask(ctx, taskID)
		return err
	})
	return id, ok, err
}

// NextRewardID returns the next plan id to be assigned; ids below it exist.
func (c *RewardCoordinator) NextRewardID(ctx context.Context) (uint64, error) {
	cs, err := c.ledger.Counters(ctx)
	if err != nil {
		return 0, err
	}
	return cs.NextRewardID, nil
}

// FlagManualIntervention records that a plan needs an operator. It changes no
// balances and no plan state.
func (c *RewardCoordinator) FlagManualIntervention(ctx context.Context, rewardID, taskID uint64, reason string) error {
	return c.update(ctx, "flag_manual_intervention", func(tx Tx, events *[]Event) error {
		if _, err := tx.GetPlan(ctx, rewardID); err != nil {
			return err
		}
		return emit(ctx, tx, events, Event{
			Type:      EventManualIntervention,
			TaskID:    taskID,
			RewardID:  rewardID,
			Actor:     ActorSystem,
			Message:   reason,
			CreatedAt: c.now(),
		})
	})
}

// Events lists committed records after seq.
func (c *RewardCoordinator) Events(ctx context.Context, afterSeq uint64, limit int) ([]Event, error) {
	return c.ledger.Events(ctx, afterSeq, limit)
}

package reconcile

import (
	"fmt"

	"settlement-backend/core/settlement"
)

// Class groups reward plans by association health.
type Class string

const (
	ValidAssociated    Class = "valid_associated"
	OrphanUnassociated Class = "orphan_unassociated"
	OrphanInconsistent Class = "orphan_inconsistent"
	Settled            Class = "settled"
)

// Action is the recommended remediation.
type Action string

const (
	ActionNone         Action = "none"
	ActionRefund       Action = "refund"
	ActionManualReview Action = "manual_review"
)

// PlanSnapshot is everything Classify looks at for one plan.
type PlanSnapshot struct {
	Plan settlement.RewardPlan
	// Task is nil when the plan is unassociated or its task is missing.
	Task *settlement.Task
	// IndexedReward is what the reverse index holds for Plan.TaskID.
	IndexedReward uint64
	Indexed       bool
}

// Classification is the verdict for one plan.
type Classification struct {
	RewardID uint64                  `json:"reward_id"`
	TaskID   uint64                  `json:"task_id,omitempty"`
	Creator  string                  `json:"creator"`
	Asset    string                  `json:"asset"`
	Amount   uint64                  `json:"amount"`
	Status   settlement.RewardStatus `json:"status"`
	Class    Class                   `json:"class"`
	Action   Action                  `json:"action"`
	Reason   string                  `json:"reason"`
}

// Classify decides the class and action for a snapshot. It has no side effects.
func Classify(s PlanSnapshot) Classification {
	p := s.Plan
	c := Classification{
		RewardID: p.ID,
		TaskID:   p.TaskID,
		Creator:  p.Creator,
		Asset:    p.Asset,
		Amount:   p.Amount,
		Status:   p.Status,
	}
	verdict := func(class Class, action Action, reason string, args ...any) Classification {
		c.Class, c.Action, c.Reason = class, action, fmt.Sprintf(reason, args...)
		return c
	}

	if p.Status.Terminal() {
		return verdict(Settled, ActionNone, "plan is %s", p.Status)
	}
	if !p.Status.Valid() {
		return verdict(OrphanInconsistent, ActionManualReview, "unknown status %d", uint8(p.Status))
	}

	if p.TaskID == 0 {
		switch p.Status {
		case settlement.RewardPrepared, settlement.RewardDeposited:
			return verdict(OrphanUnassociated, ActionRefund, "%s plan never bound to a task", p.Status)
		}
		return verdict(OrphanInconsistent, ActionManualReview, "%s plan has no task", p.Status)
	}

	if p.Status == settlement.RewardPrepared || p.Status == settlement.RewardDeposited {
		return verdict(OrphanInconsistent, ActionManualReview, "%s plan already names task %d", p.Status, p.TaskID)
	}
	if s.Task == nil {
		return verdict(OrphanInconsistent, ActionManualReview, "task %d does not exist", p.TaskID)
	}
	if !s.Indexed {
		return verdict(OrphanInconsistent, ActionManualReview, "task %d has no reverse index entry", p.TaskID)
	}
	if s.IndexedReward != p.ID {
		return verdict(OrphanInconsistent, ActionManualReview, "task %d indexes reward plan %d", p.TaskID, s.IndexedReward)
	}
	if s.Task.Creator != p.Creator {
		return verdict(OrphanInconsistent, ActionManualReview, "task %d creator %s differs from plan creator", p.TaskID, s.Task.Creator)
	}

	if p.Status == settlement.RewardLocked && s.Task.Status == settlement.TaskCancelled {
		return verdict(ValidAssociated, ActionRefund, "task %d was cancelled; reward can never be claimed", p.TaskID)
	}
	if p.Status == settlement.RewardReverted {
		return verdict(ValidAssociated, ActionNone, "delivery reverted (%s); creator may refund", p.LastTxHash)
	}
	return verdict(ValidAssociated, ActionNone, "bound to task %d (%s)", p.TaskID, s.Task.Status)
}

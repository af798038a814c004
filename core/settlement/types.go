package settlement

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Reserved ledger accounts. Callers can never act as one of these.
const (
	AccountEscrow = "escrow"
	AccountBurn   = "burn"
	AccountBridge = "bridge"
)

// Actors recorded on events raised by the service itself.
const (
	ActorSystem    = "system"
	ActorReconcile = "reconcile"
)

// Reserved reports whether name is a ledger or service account.
func Reserved(name string) bool {
	switch strings.TrimSpace(name) {
	case AccountEscrow, AccountBurn, AccountBridge, ActorSystem, ActorReconcile:
		return true
	}
	return false
}

// checkCaller trims caller and rejects empty or reserved identities.
func checkCaller(caller string) (string, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return "", fmt.Errorf("%w: caller required", ErrValidation)
	}
	if Reserved(caller) {
		return "", fmt.Errorf("%w: %q is a reserved account", ErrUnauthorized, caller)
	}
	return caller, nil
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus uint8

const (
	TaskOpen TaskStatus = iota + 1
	TaskInProgress
	TaskSubmitted
	TaskCompleted
	TaskCancelled
)

var taskStatusNames = map[TaskStatus]string{
	TaskOpen:       "open",
	TaskInProgress: "in_progress",
	TaskSubmitted:  "submitted",
	TaskCompleted:  "completed",
	TaskCancelled:  "cancelled",
}

func (s TaskStatus) String() string {
	if n, ok := taskStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("task_status(%d)", uint8(s))
}

// Valid reports whether s is one of the declared task states.
func (s TaskStatus) Valid() bool {
	_, ok := taskStatusNames[s]
	return ok
}

// Terminal reports whether no further task transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

func (s TaskStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *TaskStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v, err := ParseTaskStatus(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseTaskStatus maps a status name back to its value.
func ParseTaskStatus(name string) (TaskStatus, error) {
	for v, n := range taskStatusNames {
		if n == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown task status %q", ErrValidation, name)
}

// RewardStatus is the lifecycle state of a RewardPlan.
type RewardStatus uint8

const (
	RewardPrepared RewardStatus = iota + 1
	RewardDeposited
	RewardLocked
	RewardClaimed
	RewardRefunded
	RewardReverted
)

var rewardStatusNames = map[RewardStatus]string{
	RewardPrepared:  "prepared",
	RewardDeposited: "deposited",
	RewardLocked:    "locked",
	RewardClaimed:   "claimed",
	RewardRefunded:  "refunded",
	RewardReverted:  "reverted",
}

func (s RewardStatus) String() string {
	if n, ok := rewardStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("reward_status(%d)", uint8(s))
}

// Valid reports whether s is one of the declared plan states.
func (s RewardStatus) Valid() bool {
	_, ok := rewardStatusNames[s]
	return ok
}

// Terminal reports whether the plan can no longer move.
func (s RewardStatus) Terminal() bool {
	return s == RewardClaimed || s == RewardRefunded
}

// Refundable reports whether refund may be requested from s.
func (s RewardStatus) Refundable() bool {
	switch s {
	case RewardPrepared, RewardDeposited, RewardLocked, RewardReverted:
		return true
	case RewardClaimed, RewardRefunded:
		return false
	}
	return false
}

// Escrowed reports whether the plan's amount is currently held by the escrow account.
func (s RewardStatus) Escrowed() bool {
	switch s {
	case RewardDeposited, RewardLocked, RewardReverted:
		return true
	case RewardPrepared, RewardClaimed, RewardRefunded:
		return false
	}
	return false
}

// CanTransition reports whether s -> to is an allowed plan transition.
func (s RewardStatus) CanTransition(to RewardStatus) bool {
	switch s {
	case RewardPrepared:
		return to == RewardDeposited || to == RewardRefunded
	case RewardDeposited:
		return to == RewardLocked || to == RewardRefunded
	case RewardLocked:
		return to == RewardClaimed || to == RewardReverted || to == RewardRefunded
	case RewardReverted:
		return to == RewardRefunded
	case RewardClaimed, RewardRefunded:
		return false
	}
	return false
}

func (s RewardStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *RewardStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v, err := ParseRewardStatus(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseRewardStatus maps a status name back to its value.
func ParseRewardStatus(name string) (RewardStatus, error) {
	for v, n := range rewardStatusNames {
		if n == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown reward status %q", ErrValidation, name)
}

// CrossChainMirror is the non-authoritative copy of an associated plan kept on a Task.
type CrossChainMirror struct {
	Asset         string `json:"asset"`
	Amount        uint64 `json:"amount"`
	TargetChainID uint64 `json:"target_chain_id"`
}

// Task is a unit of escrowed work.
type Task struct {
	ID                   uint64     `json:"id"`
	Creator              string     `json:"creator"`
	Helper               string     `json:"helper,omitempty"`
	Reward               uint64     `json:"reward"`
	ContentRef           string     `json:"content_ref"`
	Status               TaskStatus `json:"status"`
	PostFee              uint64     `json:"post_fee"`
	CrossChainAsset      string     `json:"cross_chain_asset,omitempty"`
	CrossChainAmount     uint64     `json:"cross_chain_amount,omitempty"`
	TargetChainID        uint64     `json:"target_chain_id,omitempty"`
	TerminateRequestedBy string     `json:"terminate_requested_by,omitempty"`
	TerminateRequestedAt *time.Time `json:"terminate_requested_at,omitempty"`
	FixRequested         bool       `json:"fix_requested"`
	FixRequestedAt       *time.Time `json:"fix_requested_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Mirror returns the cross-chain mirror fields, or nil when none were set.
func (t Task) Mirror() *CrossChainMirror {
	if t.CrossChainAsset == "" && t.CrossChainAmount == 0 && t.TargetChainID == 0 {
		return nil
	}
	return &CrossChainMirror{Asset: t.CrossChainAsset, Amount: t.CrossChainAmount, TargetChainID: t.TargetChainID}
}

// RewardPlan is a creator's promise of a reward paid on another chain.
type RewardPlan struct {
	ID            uint64       `json:"id"`
	Creator       string       `json:"creator"`
	TargetAddress string       `json:"target_address,omitempty"`
	TaskID        uint64       `json:"task_id"`
	Asset         string       `json:"asset"`
	Amount        uint64       `json:"amount"`
	TargetChainID uint64       `json:"target_chain_id"`
	Status        RewardStatus `json:"status"`
	DispatchID    string       `json:"dispatch_id,omitempty"`
	LastTxHash    string       `json:"last_tx_hash,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Associated reports whether the plan has been bound to a task.
func (p RewardPlan) Associated() bool { return p.TaskID != 0 }

// Payout is the split applied by ConfirmComplete.
type Payout struct {
	TaskID       uint64 `json:"task_id"`
	Helper       string `json:"helper"`
	HelperAmount uint64 `json:"helper_amount"`
	BurnAmount   uint64 `json:"burn_amount"`
}

// Counters exposes the id bounds used for enumeration.
type Counters struct {
	NextTaskID   uint64 `json:"next_task_id"`
	NextRewardID uint64 `json:"next_reward_id"`
}

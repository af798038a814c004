package settlement

import (
	"fmt"
	"math"
)

const (
	// DefaultPostFee is the publication fee escrowed with every task.
	DefaultPostFee uint64 = 10
	// DefaultBurnBPS is the burn share of the reward in basis points (2%).
	DefaultBurnBPS uint64 = 200
	bpsDenominator uint64 = 10000
)

// FeeSchedule holds the task economics.
type FeeSchedule struct {
	PostFee uint64
	BurnBPS uint64
}

// DefaultFees returns the observed production schedule.
func DefaultFees() FeeSchedule {
	return FeeSchedule{PostFee: DefaultPostFee, BurnBPS: DefaultBurnBPS}
}

// Burn returns floor(reward * BurnBPS / 10000) without overflowing.
func (f FeeSchedule) Burn(reward uint64) uint64 {
	q, r := reward/bpsDenominator, reward%bpsDenominator
	return q*f.BurnBPS + r*f.BurnBPS/bpsDenominator
}

// Escrow is what the creator deposits at creation.
func (f FeeSchedule) Escrow(reward uint64) uint64 { return reward + f.PostFee }

// Split computes the completion payout for a task.
func (f FeeSchedule) Split(reward, postFee uint64) (helper, burn uint64) {
	burn = f.Burn(reward)
	helper = (reward - burn) + reward + postFee
	return helper, burn
}

// Validate checks that a reward fits the schedule without overflow.
func (f FeeSchedule) Validate(reward uint64) error {
	if reward == 0 {
		return fmt.Errorf("%w: reward must be greater than zero", ErrInvalidAmount)
	}
	if f.BurnBPS > bpsDenominator {
		return fmt.Errorf("%w: burn bps %d exceeds %d", ErrValidation, f.BurnBPS, bpsDenominator)
	}
	if reward > (math.MaxUint64-f.PostFee)/2 {
		return fmt.Errorf("%w: reward %d overflows escrow arithmetic", ErrInvalidAmount, reward)
	}
	return nil
}

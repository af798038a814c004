package ledger

import (
	"context"
	"fmt"
	"math"

	"settlement-backend/core/settlement"
)

const (
	balancesTable   = "settle_balances"
	allowancesTable = "settle_allowances"
)

// amountRows is the row access shared by the SQL stores. lock asks the
// backend to hold the row until the transaction ends.
type amountRows interface {
	amount(ctx context.Context, table, keyCol, key, asset string, lock bool) (uint64, error)
	setAmount(ctx context.Context, table, keyCol, key, asset string, v uint64) error
}

func transfer(ctx context.Context, r amountRows, from, to, asset string, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}
	// Lock both rows in a fixed order so concurrent transfers cannot deadlock.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	bals := map[string]uint64{}
	for _, acct := range []string{first, second} {
		v, err := r.amount(ctx, balancesTable, "account", acct, asset, true)
		if err != nil {
			return err
		}
		bals[acct] = v
	}
	if bals[from] < amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d", settlement.ErrInsufficientFunds, from, bals[from], asset, amount)
	}
	if bals[to] > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance of %s overflows", settlement.ErrInvalidAmount, to)
	}
	if err := r.setAmount(ctx, balancesTable, "account", from, asset, bals[from]-amount); err != nil {
		return err
	}
	return r.setAmount(ctx, balancesTable, "account", to, asset, bals[to]+amount)
}

// pull moves amount from owner to dest against owner's allowance, which is
// checked before the balance.
func pull(ctx context.Context, r amountRows, owner, dest, asset string, amount uint64) error {
	allowance, err := r.amount(ctx, allowancesTable, "owner", owner, asset, true)
	if err != nil {
		return err
	}
	if allowance < amount {
		return fmt.Errorf("%w: %s approved %d %s, needs %d", settlement.ErrInsufficientAllowance, owner, allowance, asset, amount)
	}
	if err := transfer(ctx, r, owner, dest, asset, amount); err != nil {
		return err
	}
	return r.setAmount(ctx, allowancesTable, "owner", owner, asset, allowance-amount)
}

func mint(ctx context.Context, r amountRows, account, asset string, amount uint64) error {
	bal, err := r.amount(ctx, balancesTable, "account", account, asset, true)
	if err != nil {
		return err
	}
	if bal > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance of %s overflows", settlement.ErrInvalidAmount, account)
	}
	return r.setAmount(ctx, balancesTable, "account", account, asset, bal+amount)
}

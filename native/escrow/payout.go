package escrow

import (
	"context"
	"fmt"
)

// WithdrawMoney is reserved for freelancer withdrawals and always rejects. It
// never mutates the agreement.
func (a *Agreement) WithdrawMoney(ctx context.Context, caller string) error {
	return notImplemented("withdraw")
}

// PayByMilestones is reserved for per-milestone releases.
func (a *Agreement) PayByMilestones(ctx context.Context, caller string) error {
	return notImplemented("milestone payout")
}

// PayAtOnce is reserved for a single lump-sum release.
func (a *Agreement) PayAtOnce(ctx context.Context, caller string) error {
	return notImplemented("lump-sum payout")
}

func notImplemented(op string) error {
	return fmt.Errorf("%w: %s", ErrNotImplemented, op)
}

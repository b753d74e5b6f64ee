package escrow

import "context"

// Transferer moves value out of escrow. Implementations return a reference
// (e.g. a transaction hash) once the ledger confirms the movement, or an error
// when it does not; on error the funds are presumed to remain in escrow.
type Transferer interface {
	Transfer(ctx context.Context, to string, amount uint64) (string, error)
}

// TransferFunc adapts a callback to the Transferer interface.
type TransferFunc func(ctx context.Context, to string, amount uint64) (string, error)

// Transfer delegates to the callback.
func (f TransferFunc) Transfer(ctx context.Context, to string, amount uint64) (string, error) {
	return f(ctx, to, amount)
}

// Collector takes a deposit from a party into escrow custody. A nil error
// means the ledger has debited the party; on error nothing moved.
type Collector interface {
	Collect(ctx context.Context, from string, amount uint64) (string, error)
}

// CollectFunc adapts a callback to the Collector interface.
type CollectFunc func(ctx context.Context, from string, amount uint64) (string, error)

// Collect delegates to the callback.
func (f CollectFunc) Collect(ctx context.Context, from string, amount uint64) (string, error) {
	return f(ctx, from, amount)
}

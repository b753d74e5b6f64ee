package ledger

import (
	"context"
	"log/slog"
	"time"

	"milestonescrow/native/escrow"
	"milestonescrow/observability"
)

// Backend is a ledger that can both take deposits into escrow and refund
// them.
type Backend interface {
	escrow.Transferer
	escrow.Collector
}

type metered struct {
	next   Backend
	logger *slog.Logger
}

// Metered wraps a ledger so every movement is timed, counted and logged.
func Metered(next Backend, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &metered{next: next, logger: logger}
}

func (m *metered) Transfer(ctx context.Context, to string, amount uint64) (string, error) {
	start := time.Now()
	ref, err := m.next.Transfer(ctx, to, amount)
	m.record(observability.DirectionRefund, to, amount, ref, start, err)
	return ref, err
}

func (m *metered) Collect(ctx context.Context, from string, amount uint64) (string, error) {
	start := time.Now()
	ref, err := m.next.Collect(ctx, from, amount)
	m.record(observability.DirectionDeposit, from, amount, ref, start, err)
	return ref, err
}

func (m *metered) record(direction, party string, amount uint64, ref string, start time.Time, err error) {
	observability.Transfers().Record(direction, amount, time.Since(start), err)
	attrs := []any{
		slog.String("direction", direction),
		slog.String("party", party),
		slog.Uint64("amount", amount),
	}
	if err != nil {
		m.logger.Warn("ledger movement failed", append(attrs, slog.Any("error", err))...)
		return
	}
	m.logger.Info("ledger movement confirmed", append(attrs, slog.String("reference", ref))...)
}

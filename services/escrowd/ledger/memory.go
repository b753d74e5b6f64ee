package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInsufficientFunds is returned when the debited account cannot cover a
// movement.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Memory is an in-process ledger used for development and tests. Transfers
// debit the escrow account; collections credit it.
type Memory struct {
	mu       sync.Mutex
	escrow   string
	balances map[string]uint64
	nonce    uint64
}

// NewMemory returns a ledger whose escrow account holds initial.
func NewMemory(escrowAccount string, initial uint64) *Memory {
	return &Memory{
		escrow:   escrowAccount,
		balances: map[string]uint64{escrowAccount: initial},
	}
}

// Credit adds amount to account.
func (m *Memory) Credit(account string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.balances[account]
	if current+amount < current {
		return fmt.Errorf("ledger: balance overflow for %s", account)
	}
	m.balances[account] = current + amount
	return nil
}

// Balance returns the balance held by account.
func (m *Memory) Balance(account string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// Transfer moves amount from the escrow account to the recipient. The returned
// reference is a keccak256 digest of the transfer tuple.
func (m *Memory) Transfer(ctx context.Context, to string, amount uint64) (string, error) {
	return m.move(ctx, m.escrow, to, amount)
}

// Collect moves amount from the party into the escrow account.
func (m *Memory) Collect(ctx context.Context, from string, amount uint64) (string, error) {
	return m.move(ctx, from, m.escrow, amount)
}

func (m *Memory) move(ctx context.Context, from, to string, amount uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	available := m.balances[from]
	if available < amount {
		return "", fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, from, available, amount)
	}
	recipient := m.balances[to]
	if recipient+amount < recipient {
		return "", fmt.Errorf("ledger: balance overflow for %s", to)
	}
	m.balances[from] = available - amount
	m.balances[to] = recipient + amount
	m.nonce++
	ref := crypto.Keccak256Hash(
		[]byte(from),
		[]byte(to),
		[]byte(strconv.FormatUint(amount, 10)),
		[]byte(strconv.FormatUint(m.nonce, 10)),
	)
	return ref.Hex(), nil
}

package escrow

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"milestonescrow/core/events"
)

// Agreement is the escrow state machine for a single Client/Freelancer
// project. All mutating operations are serialised; each one either applies
// completely or leaves the agreement untouched.
type Agreement struct {
	mu sync.Mutex

	id          string
	client      string
	freelancer  string
	price       uint64
	milestones  uint32
	title       string
	description string

	currentMilestone    uint32
	milestonesCompleted uint32
	staked              bool
	stakedAmount        uint64
	depositReference    string
	clientCancelled     bool
	freelancerCancelled bool
	refunded            bool
	refundReference     string
	status              Status
	createdAt           int64
	updatedAt           int64

	tolerance uint64
	transfer  Transferer
	collect   Collector
	emitter   events.Emitter
	nowFn     func() time.Time
}

// Option customises an agreement at construction time.
type Option func(*Agreement)

// WithTransferer supplies the ledger primitive used to return staked funds.
func WithTransferer(t Transferer) Option {
	return func(a *Agreement) { a.transfer = t }
}

// WithCollector supplies the ledger primitive that takes the client's deposit
// into escrow during Stake. Without one the agreement only records the
// deposit, which suits hosts that settle custody elsewhere.
func WithCollector(c Collector) Option {
	return func(a *Agreement) { a.collect = c }
}

// WithEmitter configures the event emitter. Emitters are invoked while the
// agreement lock is held and must not call back into the agreement.
func WithEmitter(emitter events.Emitter) Option {
	return func(a *Agreement) {
		if emitter == nil {
			emitter = events.NoopEmitter{}
		}
		a.emitter = emitter
	}
}

// WithStakeTolerance overrides DefaultStakeTolerance for this agreement.
func WithStakeTolerance(tolerance uint64) Option {
	return func(a *Agreement) { a.tolerance = tolerance }
}

// WithClock overrides the time source. Primarily intended for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Agreement) {
		if now == nil {
			now = time.Now
		}
		a.nowFn = now
	}
}

func newAgreement(opts []Option) *Agreement {
	a := &Agreement{
		tolerance: DefaultStakeTolerance,
		emitter:   events.NoopEmitter{},
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// New creates an agreement in the Initiated status. Parties are compared after
// trimming surrounding whitespace.
func New(p Params, opts ...Option) (*Agreement, error) {
	client := normalizeParty(p.Client)
	freelancer := normalizeParty(p.Freelancer)
	if err := validateTerms(client, freelancer, p.Price, p.MilestoneCount); err != nil {
		return nil, err
	}
	a := newAgreement(opts)
	now := a.now()
	a.id = strings.TrimSpace(p.ID)
	a.client = client
	a.freelancer = freelancer
	a.price = p.Price
	a.milestones = p.MilestoneCount
	a.title = p.Title
	a.description = p.Description
	a.status = StatusInitiated
	a.createdAt = now
	a.updatedAt = now

	a.emitter.Emit(CreatedEvent{Snapshot: a.snapshotLocked()})
	return a, nil
}

// Restore rebuilds an agreement from a persisted snapshot. No events are
// emitted. The snapshot's stake tolerance replaces any WithStakeTolerance
// option.
func Restore(s Snapshot, opts ...Option) (*Agreement, error) {
	if err := validateSnapshot(s); err != nil {
		return nil, err
	}
	a := newAgreement(opts)
	a.id = strings.TrimSpace(s.ID)
	a.client = normalizeParty(s.Client)
	a.freelancer = normalizeParty(s.Freelancer)
	a.price = s.Price
	a.milestones = s.MilestoneCount
	a.title = s.Title
	a.description = s.Description
	a.currentMilestone = s.CurrentMilestoneIndex
	a.milestonesCompleted = s.MilestonesCompleted
	a.staked = s.Staked
	a.stakedAmount = s.StakedAmount
	a.depositReference = s.DepositReference
	a.tolerance = s.StakeTolerance
	a.clientCancelled = s.ClientCancelled
	a.freelancerCancelled = s.FreelancerCancelled
	a.refunded = s.Refunded
	a.refundReference = s.RefundReference
	a.status = s.Status
	a.createdAt = s.CreatedAt
	a.updatedAt = s.UpdatedAt
	return a, nil
}

func (a *Agreement) now() int64 {
	if a.nowFn == nil {
		return time.Now().Unix()
	}
	return a.nowFn().Unix()
}

// ID returns the host-assigned identifier.
func (a *Agreement) ID() string { return a.id }

// MilestonePayment returns price / milestoneCount. The remainder of the
// division is not paid out anywhere.
func (a *Agreement) MilestonePayment() uint64 {
	return a.price / uint64(a.milestones)
}

// StakeBounds returns the inclusive deposit range accepted by Stake.
func (a *Agreement) StakeBounds() (uint64, uint64) {
	lo := uint64(0)
	if a.price > a.tolerance {
		lo = a.price - a.tolerance
	}
	hi := uint64(math.MaxUint64)
	if a.price <= math.MaxUint64-a.tolerance {
		hi = a.price + a.tolerance
	}
	return lo, hi
}

// Status returns the current status.
func (a *Agreement) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Details returns a snapshot of every agreement field.
func (a *Agreement) Details() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Agreement) snapshotLocked() Snapshot {
	return Snapshot{
		ID:                    a.id,
		Client:                a.client,
		Freelancer:            a.freelancer,
		Price:                 a.price,
		MilestoneCount:        a.milestones,
		MilestonePayment:      a.MilestonePayment(),
		CurrentMilestoneIndex: a.currentMilestone,
		MilestonesCompleted:   a.milestonesCompleted,
		Staked:                a.staked,
		StakedAmount:          a.stakedAmount,
		StakeTolerance:        a.tolerance,
		DepositReference:      a.depositReference,
		ClientCancelled:       a.clientCancelled,
		FreelancerCancelled:   a.freelancerCancelled,
		Refunded:              a.refunded,
		RefundReference:       a.refundReference,
		Status:                a.status,
		Title:                 a.title,
		Description:           a.description,
		CreatedAt:             a.createdAt,
		UpdatedAt:             a.updatedAt,
	}
}

func (a *Agreement) isParty(caller string) bool {
	return caller == a.client || caller == a.freelancer
}

// Stake records the client's deposit and activates the agreement. The deposit
// must lie within [price-tolerance, price+tolerance].
func (a *Agreement) Stake(caller string, amount uint64) error {
	return a.StakeContext(context.Background(), caller, amount)
}

// StakeContext is Stake with a context for the deposit collection. When a
// Collector is configured the agreed price is taken from the client after
// every check passes; if the ledger refuses, the agreement is unchanged.
func (a *Agreement) StakeContext(ctx context.Context, caller string, amount uint64) error {
	caller = normalizeParty(caller)
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.client {
		return fmt.Errorf("%w: only the client may stake", ErrUnauthorized)
	}
	if a.staked {
		return ErrAlreadyStaked
	}
	if a.status != StatusInitiated {
		return fmt.Errorf("%w: cannot stake in status %s", ErrInvalidState, a.status)
	}
	lo, hi := a.StakeBounds()
	if amount < lo || amount > hi {
		return fmt.Errorf("%w: %d outside [%d, %d]", ErrIncorrectStakingAmount, amount, lo, hi)
	}
	if a.collect != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		reference, err := a.collect.Collect(ctx, a.client, a.price)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDepositFailed, err)
		}
		a.depositReference = reference
	}
	a.staked = true
	a.stakedAmount = amount
	a.transitionLocked(StatusActive, caller)
	return nil
}

// Cancel records the caller's cancellation and moves the agreement to
// Cancelled. A single party is enough; the counterparty is not consulted.
// Cancelling an already cancelled agreement only records the caller's flag.
func (a *Agreement) Cancel(caller string) error {
	caller = normalizeParty(caller)
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isParty(caller) {
		return fmt.Errorf("%w: only the client or freelancer may cancel", ErrUnauthorized)
	}
	if a.status == StatusCompleted {
		return fmt.Errorf("%w: cannot cancel in status %s", ErrInvalidState, a.status)
	}
	if caller == a.client {
		a.clientCancelled = true
	} else {
		a.freelancerCancelled = true
	}
	if a.status == StatusCancelled {
		a.updatedAt = a.now()
		return nil
	}
	a.transitionLocked(StatusCancelled, caller)
	return nil
}

// Revoke returns the full price from escrow to the client once the client has
// cancelled. The transfer runs under the agreement lock; if it fails the
// agreement is left unchanged so the caller may retry.
func (a *Agreement) Revoke(ctx context.Context, caller string) error {
	caller = normalizeParty(caller)
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.client {
		return fmt.Errorf("%w: only the client may revoke staked funds", ErrUnauthorized)
	}
	if a.status != StatusCancelled {
		return fmt.Errorf("%w: cannot revoke in status %s", ErrIncorrectProjectState, a.status)
	}
	if !a.clientCancelled {
		return ErrAgreementNotCancelled
	}
	if a.refunded {
		return ErrAlreadyRefunded
	}
	if !a.staked {
		return ErrNothingStaked
	}
	if a.transfer == nil {
		return fmt.Errorf("%w: transfer primitive not configured", ErrTransferFailed)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	reference, err := a.transfer.Transfer(ctx, a.client, a.price)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	a.refunded = true
	a.refundReference = reference
	a.updatedAt = a.now()
	a.emitter.Emit(FundsRevokedEvent{Snapshot: a.snapshotLocked(), Amount: a.price})
	return nil
}

func (a *Agreement) transitionLocked(next Status, caller string) {
	a.status = next
	a.updatedAt = a.now()
	a.emitter.Emit(StatusChangedEvent{
		AgreementID: a.id,
		Client:      a.client,
		Freelancer:  a.freelancer,
		Status:      next,
		Caller:      caller,
		At:          a.updatedAt,
	})
}

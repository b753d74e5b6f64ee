package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"milestonescrow/core/events"
	"milestonescrow/native/escrow"
	"milestonescrow/observability"
	"milestonescrow/services/escrowd/store"
)

var (
	// ErrAgreementNotFound is returned for ids with no live or persisted agreement.
	ErrAgreementNotFound = errors.New("escrowd: agreement not found")
	// ErrAgreementExists is returned when an id is reused with different terms.
	ErrAgreementExists = errors.New("escrowd: agreement exists with different terms")
)

// Store is the persistence the registry relies on.
type Store interface {
	SaveAgreement(ctx context.Context, snap escrow.Snapshot) error
	LoadAgreement(ctx context.Context, id string) (escrow.Snapshot, error)
	ListAgreements(ctx context.Context, filter store.ListFilter) ([]escrow.Snapshot, error)
	AppendEvent(ctx context.Context, agreementID string, evt events.Event) error
	ListEvents(ctx context.Context, agreementID string) ([]store.JournalEntry, error)
}

// ListFilter narrows List.
type ListFilter = store.ListFilter

// CreateRequest carries the terms of a new agreement. Reference scopes the
// agreement id; requests repeating the same parties and reference resolve to
// the same agreement.
type CreateRequest struct {
	Client         string
	Freelancer     string
	Price          uint64
	MilestoneCount uint32
	Title          string
	Description    string
	Reference      string
}

// Option customises the registry.
type Option func(*Registry)

// WithTransferer sets the ledger primitive used by revoke.
func WithTransferer(t escrow.Transferer) Option {
	return func(r *Registry) { r.transfer = t }
}

// WithCollector sets the ledger primitive that takes deposits into escrow.
// Stakes fail while none is configured.
func WithCollector(c escrow.Collector) Option {
	return func(r *Registry) { r.collect = c }
}

// Ledger moves value in both directions.
type Ledger interface {
	escrow.Transferer
	escrow.Collector
}

// WithLedger sets both the collector and the transferer.
func WithLedger(l Ledger) Option {
	return func(r *Registry) {
		r.transfer = l
		r.collect = l
	}
}

// WithEmitter adds a downstream emitter, typically the webhook queue. Events
// are always journaled to the store first.
func WithEmitter(emitter events.Emitter) Option {
	return func(r *Registry) { r.downstream = emitter }
}

// WithStakeTolerance overrides the stake tolerance applied to every agreement.
func WithStakeTolerance(tolerance uint64) Option {
	return func(r *Registry) { r.tolerance = tolerance }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the agreement clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

type entry struct {
	id string
	// mu keeps the operation and the snapshot write for one agreement together
	// so a slower save can never overwrite a newer snapshot.
	mu        sync.Mutex
	agreement *escrow.Agreement
	// removed marks a placeholder that was dropped from the live map; holders
	// of a stale pointer must look the id up again.
	removed bool
}

// Registry owns the live agreements of the daemon on top of a Store.
type Registry struct {
	store      Store
	transfer   escrow.Transferer
	collect    escrow.Collector
	downstream events.Emitter
	tolerance  uint64
	logger     *slog.Logger
	nowFn      func() time.Time

	// mu guards live only; it is never held across store or ledger calls.
	mu   sync.Mutex
	live map[string]*entry
}

// New constructs a registry backed by st.
func New(st Store, opts ...Option) (*Registry, error) {
	if st == nil {
		return nil, fmt.Errorf("escrowd: store required")
	}
	r := &Registry{
		store:     st,
		tolerance: escrow.DefaultStakeTolerance,
		logger:    slog.Default(),
		nowFn:     time.Now,
		live:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// AgreementID derives the deterministic id for the given parties and reference.
func AgreementID(client, freelancer, reference string) string {
	return crypto.Keccak256Hash(
		[]byte(strings.TrimSpace(client)), []byte{0},
		[]byte(strings.TrimSpace(freelancer)), []byte{0},
		[]byte(strings.TrimSpace(reference)),
	).Hex()
}

// emitter journals every event to the store, then forwards it downstream.
func (r *Registry) emitter() events.Emitter {
	journal := events.EmitterFunc(func(evt events.Event) {
		id := evt.Payload().Attributes["id"]
		if err := r.store.AppendEvent(context.Background(), id, evt); err != nil {
			r.logger.Error("journal agreement event",
				slog.String("agreement", id),
				slog.String("type", evt.EventType()),
				slog.Any("error", err))
		}
	})
	return events.MultiEmitter{journal, r.downstream}
}

func (r *Registry) agreementOptions(emitter events.Emitter) []escrow.Option {
	opts := []escrow.Option{
		escrow.WithTransferer(r.transfer),
		escrow.WithEmitter(emitter),
		escrow.WithStakeTolerance(r.tolerance),
		escrow.WithClock(r.nowFn),
	}
	if r.collect != nil {
		opts = append(opts, escrow.WithCollector(r.collect))
	}
	return opts
}

// Create registers a new agreement. Repeating a create with identical terms
// returns the existing agreement unchanged. Events of a new agreement are
// released only once its snapshot is stored.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (snap escrow.Snapshot, err error) {
	start := time.Now()
	defer func() { r.observe("create", snap.ID, start, err) }()

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = uuid.NewString()
	}
	params := escrow.Params{
		ID:             AgreementID(req.Client, req.Freelancer, reference),
		Client:         req.Client,
		Freelancer:     req.Freelancer,
		Price:          req.Price,
		MilestoneCount: req.MilestoneCount,
		Title:          req.Title,
		Description:    req.Description,
	}

	e, err := r.acquire(ctx, params.ID)
	if err != nil {
		return escrow.Snapshot{}, err
	}
	defer r.release(e)

	if e.agreement != nil {
		current := e.agreement.Details()
		candidate := escrow.Snapshot{
			Client:         strings.TrimSpace(params.Client),
			Freelancer:     strings.TrimSpace(params.Freelancer),
			Price:          params.Price,
			MilestoneCount: params.MilestoneCount,
			Title:          params.Title,
			Description:    params.Description,
		}
		if !current.SameTerms(candidate) {
			return escrow.Snapshot{ID: params.ID}, ErrAgreementExists
		}
		return current, nil
	}

	pending := events.NewBuffer(r.emitter())
	agreement, err := escrow.New(params, r.agreementOptions(pending)...)
	if err != nil {
		pending.Discard()
		return escrow.Snapshot{}, err
	}
	snap = agreement.Details()
	if err := r.store.SaveAgreement(ctx, snap); err != nil {
		pending.Discard()
		return escrow.Snapshot{}, err
	}
	e.agreement = agreement
	pending.Flush()
	return snap, nil
}

// acquire returns the entry for id with its lock held, restoring the
// agreement from the store when it is not live. The entry's agreement is nil
// when the id is unknown. Callers must pass the entry to release.
func (r *Registry) acquire(ctx context.Context, id string) (*entry, error) {
	for {
		r.mu.Lock()
		e, ok := r.live[id]
		if !ok {
			e = &entry{id: id}
			r.live[id] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if e.agreement != nil {
			return e, nil
		}
		snap, err := r.store.LoadAgreement(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return e, nil
		}
		if err != nil {
			r.release(e)
			return nil, err
		}
		agreement, err := escrow.Restore(snap, r.agreementOptions(r.emitter())...)
		if err != nil {
			r.release(e)
			return nil, fmt.Errorf("escrowd: restore %s: %w", id, err)
		}
		e.agreement = agreement
		return e, nil
	}
}

// release unlocks e, dropping it from the live map when it never held an
// agreement.
func (r *Registry) release(e *entry) {
	if e.agreement == nil && !e.removed {
		e.removed = true
		r.mu.Lock()
		if r.live[e.id] == e {
			delete(r.live, e.id)
		}
		r.mu.Unlock()
	}
	e.mu.Unlock()
}

// lookup acquires the entry of an existing agreement.
func (r *Registry) lookup(ctx context.Context, id string) (*entry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrAgreementNotFound
	}
	e, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.agreement == nil {
		r.release(e)
		return nil, ErrAgreementNotFound
	}
	return e, nil
}

// mutate runs fn against the agreement and persists the resulting snapshot
// when fn succeeds.
func (r *Registry) mutate(ctx context.Context, op, id string, fn func(*escrow.Agreement) error) (snap escrow.Snapshot, err error) {
	start := time.Now()
	defer func() { r.observe(op, id, start, err) }()

	e, err := r.lookup(ctx, id)
	if err != nil {
		return escrow.Snapshot{}, err
	}
	defer r.release(e)
	if err := fn(e.agreement); err != nil {
		return e.agreement.Details(), err
	}
	snap = e.agreement.Details()
	if err := r.store.SaveAgreement(ctx, snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// Stake takes the client's deposit into escrow and activates the agreement.
func (r *Registry) Stake(ctx context.Context, id, caller string, amount uint64) (escrow.Snapshot, error) {
	return r.mutate(ctx, "stake", id, func(a *escrow.Agreement) error {
		if r.collect == nil {
			return fmt.Errorf("%w: no deposit ledger configured", escrow.ErrDepositFailed)
		}
		return a.StakeContext(ctx, caller, amount)
	})
}

// Cancel records a party's cancellation.
func (r *Registry) Cancel(ctx context.Context, id, caller string) (escrow.Snapshot, error) {
	return r.mutate(ctx, "cancel", id, func(a *escrow.Agreement) error {
		return a.Cancel(caller)
	})
}

// Revoke returns the escrowed price to the client.
func (r *Registry) Revoke(ctx context.Context, id, caller string) (escrow.Snapshot, error) {
	return r.mutate(ctx, "revoke", id, func(a *escrow.Agreement) error {
		return a.Revoke(ctx, caller)
	})
}

// Withdraw is the freelancer payout entry point.
func (r *Registry) Withdraw(ctx context.Context, id, caller string) (escrow.Snapshot, error) {
	return r.mutate(ctx, "withdraw", id, func(a *escrow.Agreement) error {
		return a.WithdrawMoney(ctx, caller)
	})
}

// PayByMilestones releases payment per completed milestone.
func (r *Registry) PayByMilestones(ctx context.Context, id, caller string) (escrow.Snapshot, error) {
	return r.mutate(ctx, "pay_by_milestones", id, func(a *escrow.Agreement) error {
		return a.PayByMilestones(ctx, caller)
	})
}

// PayAtOnce releases the full price in one payment.
func (r *Registry) PayAtOnce(ctx context.Context, id, caller string) (escrow.Snapshot, error) {
	return r.mutate(ctx, "pay_at_once", id, func(a *escrow.Agreement) error {
		return a.PayAtOnce(ctx, caller)
	})
}

// Get returns the agreement snapshot.
func (r *Registry) Get(ctx context.Context, id string) (escrow.Snapshot, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return escrow.Snapshot{}, err
	}
	defer r.release(e)
	return e.agreement.Details(), nil
}

// Status returns the agreement status.
func (r *Registry) Status(ctx context.Context, id string) (escrow.Status, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return 0, err
	}
	defer r.release(e)
	return e.agreement.Status(), nil
}

// List returns persisted agreements matching filter.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]escrow.Snapshot, error) {
	return r.store.ListAgreements(ctx, filter)
}

// Events returns the event journal of an agreement.
func (r *Registry) Events(ctx context.Context, id string) ([]store.JournalEntry, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.release(e)
	return r.store.ListEvents(ctx, e.id)
}

func (r *Registry) observe(op, id string, start time.Time, err error) {
	outcome := Code(err)
	if err == nil {
		outcome = "ok"
	}
	observability.Agreements().Observe(op, outcome, time.Since(start))
	attrs := []any{slog.String("op", op), slog.String("agreement", id), slog.String("outcome", outcome)}
	switch {
	case err == nil:
		r.logger.Info("agreement operation", attrs...)
	case outcome == "internal":
		r.logger.Error("agreement operation failed", append(attrs, slog.Any("error", err))...)
	default:
		r.logger.Warn("agreement operation rejected", append(attrs, slog.Any("error", err))...)
	}
}

// Code maps registry and agreement errors to stable identifiers. Unknown
// errors map to "internal".
func Code(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrAgreementNotFound):
		return "AGREEMENT_NOT_FOUND"
	case errors.Is(err, ErrAgreementExists):
		return "AGREEMENT_EXISTS"
	}
	if code := escrow.Code(err); code != "" {
		return code
	}
	return "internal"
}

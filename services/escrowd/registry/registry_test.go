package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"milestonescrow/core/events"
	"milestonescrow/native/escrow"
	"milestonescrow/services/escrowd/ledger"
	"milestonescrow/services/escrowd/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestRegistry(t *testing.T, st Store, opts ...Option) (*Registry, *ledger.Memory, *events.Recorder) {
	t.Helper()
	mem := fundedLedger(t)
	rec := &events.Recorder{}
	opts = append([]Option{WithLedger(mem), WithEmitter(rec)}, opts...)
	reg, err := New(st, opts...)
	require.NoError(t, err)
	return reg, mem, rec
}

func fundedLedger(t *testing.T) *ledger.Memory {
	t.Helper()
	mem := ledger.NewMemory("escrow", 10_000)
	require.NoError(t, mem.Credit("client-1", 10_000))
	require.NoError(t, mem.Credit("client-2", 10_000))
	return mem
}

func defaultRequest() CreateRequest {
	return CreateRequest{
		Client:         "client-1",
		Freelancer:     "freelancer-1",
		Price:          1000,
		MilestoneCount: 4,
		Title:          "Landing page",
		Reference:      "order-42",
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	reg, _, rec := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()

	first, err := reg.Create(ctx, defaultRequest())
	require.NoError(t, err)
	require.Equal(t, AgreementID("client-1", "freelancer-1", "order-42"), first.ID)
	require.Equal(t, escrow.StatusInitiated, first.Status)
	require.Equal(t, uint64(250), first.MilestonePayment)

	second, err := reg.Create(ctx, defaultRequest())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, []string{escrow.EventTypeAgreementCreated}, rec.Types())

	changed := defaultRequest()
	changed.Price = 2000
	_, err = reg.Create(ctx, changed)
	require.ErrorIs(t, err, ErrAgreementExists)
	require.Equal(t, "AGREEMENT_EXISTS", Code(err))
}

func TestCreateWithoutReferenceYieldsDistinctIDs(t *testing.T) {
	reg, _, _ := newTestRegistry(t, newTestStore(t))
	req := defaultRequest()
	req.Reference = ""
	first, err := reg.Create(context.Background(), req)
	require.NoError(t, err)
	second, err := reg.Create(context.Background(), req)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestCreateValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t, newTestStore(t))
	req := defaultRequest()
	req.Freelancer = req.Client
	_, err := reg.Create(context.Background(), req)
	require.ErrorIs(t, err, escrow.ErrInvalidParties)
	require.Equal(t, "INVALID_PARTIES", Code(err))
}

func TestLifecyclePersistsAndJournals(t *testing.T) {
	st := newTestStore(t)
	reg, mem, _ := newTestRegistry(t, st)
	ctx := context.Background()

	created, err := reg.Create(ctx, defaultRequest())
	require.NoError(t, err)
	id := created.ID

	_, err = reg.Stake(ctx, id, "freelancer-1", 1000)
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	staked, err := reg.Stake(ctx, id, "client-1", 1002)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusActive, staked.Status)
	require.NotEmpty(t, staked.DepositReference)
	require.Equal(t, uint64(9000), mem.Balance("client-1"))
	require.Equal(t, uint64(11_000), mem.Balance("escrow"))

	_, err = reg.Cancel(ctx, id, "client-1")
	require.NoError(t, err)

	revoked, err := reg.Revoke(ctx, id, "client-1")
	require.NoError(t, err)
	require.True(t, revoked.Refunded)
	require.NotEmpty(t, revoked.RefundReference)
	require.Equal(t, uint64(10_000), mem.Balance("client-1"))
	require.Equal(t, uint64(10_000), mem.Balance("escrow"))

	persisted, err := st.LoadAgreement(ctx, id)
	require.NoError(t, err)
	require.Equal(t, revoked, persisted)

	journal, err := reg.Events(ctx, id)
	require.NoError(t, err)
	types := make([]string, 0, len(journal))
	for _, entry := range journal {
		types = append(types, entry.Type)
	}
	require.Equal(t, []string{
		escrow.EventTypeAgreementCreated,
		escrow.EventTypeAgreementStatusChanged,
		escrow.EventTypeAgreementStatusChanged,
		escrow.EventTypeAgreementFundsRevoked,
	}, types)

	status, err := reg.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCancelled, status)
}

func TestRegistryRestoresFromStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	first, _, _ := newTestRegistry(t, st)
	created, err := first.Create(ctx, defaultRequest())
	require.NoError(t, err)
	_, err = first.Stake(ctx, created.ID, "client-1", 1000)
	require.NoError(t, err)
	_, err = first.Cancel(ctx, created.ID, "client-1")
	require.NoError(t, err)
	_, err = first.Revoke(ctx, created.ID, "client-1")
	require.NoError(t, err)

	restarted, mem, rec := newTestRegistry(t, st)
	snap, err := restarted.Get(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, snap.Refunded)

	_, err = restarted.Revoke(ctx, created.ID, "client-1")
	require.ErrorIs(t, err, escrow.ErrAlreadyRefunded)
	require.Equal(t, uint64(10_000), mem.Balance("client-1"))
	require.Equal(t, uint64(10_000), mem.Balance("escrow"))
	require.Empty(t, rec.Events())
}

func TestRevokeTransferFailureKeepsState(t *testing.T) {
	st := newTestStore(t)
	down := escrow.TransferFunc(func(context.Context, string, uint64) (string, error) {
		return "", errors.New("ledger unavailable")
	})
	reg, err := New(st, WithCollector(fundedLedger(t)), WithTransferer(down))
	require.NoError(t, err)
	ctx := context.Background()

	created, err := reg.Create(ctx, defaultRequest())
	require.NoError(t, err)
	_, err = reg.Stake(ctx, created.ID, "client-1", 1000)
	require.NoError(t, err)
	cancelled, err := reg.Cancel(ctx, created.ID, "client-1")
	require.NoError(t, err)

	snap, err := reg.Revoke(ctx, created.ID, "client-1")
	require.ErrorIs(t, err, escrow.ErrTransferFailed)
	require.Equal(t, "TRANSFER_FAILED", Code(err))
	require.Equal(t, cancelled, snap)

	persisted, err := st.LoadAgreement(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, persisted.Refunded)
}

func TestUnknownAgreement(t *testing.T) {
	reg, _, _ := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()
	_, err := reg.Get(ctx, "0xmissing")
	require.ErrorIs(t, err, ErrAgreementNotFound)
	_, err = reg.Stake(ctx, "0xmissing", "client-1", 1)
	require.ErrorIs(t, err, ErrAgreementNotFound)
	_, err = reg.Events(ctx, "")
	require.ErrorIs(t, err, ErrAgreementNotFound)
	require.Equal(t, "AGREEMENT_NOT_FOUND", Code(err))
}

func TestPayoutStubsNotImplemented(t *testing.T) {
	reg, _, _ := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()
	created, err := reg.Create(ctx, defaultRequest())
	require.NoError(t, err)

	for name, op := range map[string]func(context.Context, string, string) (escrow.Snapshot, error){
		"withdraw":   reg.Withdraw,
		"milestones": reg.PayByMilestones,
		"lump sum":   reg.PayAtOnce,
	} {
		_, err := op(ctx, created.ID, "client-1")
		require.ErrorIs(t, err, escrow.ErrNotImplemented, name)
	}
}

func TestListFiltersByPartyAndStatus(t *testing.T) {
	reg, _, _ := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()
	first, err := reg.Create(ctx, defaultRequest())
	require.NoError(t, err)
	other := defaultRequest()
	other.Client = "client-2"
	_, err = reg.Create(ctx, other)
	require.NoError(t, err)
	_, err = reg.Stake(ctx, first.ID, "client-1", 1000)
	require.NoError(t, err)

	byParty, err := reg.List(ctx, ListFilter{Party: "client-1"})
	require.NoError(t, err)
	require.Len(t, byParty, 1)

	active := escrow.StatusActive
	byStatus, err := reg.List(ctx, ListFilter{Status: &active})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, first.ID, byStatus[0].ID)
}

func TestConcurrentStakesPersistSingleWinner(t *testing.T) {
	reg, mem, _ := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()
	created, err := reg.Create(ctx, defaultRequest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(amount uint64) {
			defer wg.Done()
			if _, err := reg.Stake(ctx, created.ID, "client-1", amount); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uint64(995 + i))
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, uint64(11_000), mem.Balance("escrow"))
	require.Equal(t, uint64(9000), mem.Balance("client-1"))
}

type failingStore struct {
	Store
	failSave bool
}

func (f *failingStore) SaveAgreement(ctx context.Context, snap escrow.Snapshot) error {
	if f.failSave {
		return errors.New("disk full")
	}
	return f.Store.SaveAgreement(ctx, snap)
}

func TestPersistFailureSurfacesButBlocksDoubleRevoke(t *testing.T) {
	backing := &failingStore{Store: newTestStore(t)}
	reg, mem, _ := newTestRegistry(t, backing)
	ctx := context.Background()
	created, err := reg.Create(ctx, defaultRequest())
	require.NoError(t, err)
	_, err = reg.Stake(ctx, created.ID, "client-1", 1000)
	require.NoError(t, err)
	_, err = reg.Cancel(ctx, created.ID, "client-1")
	require.NoError(t, err)

	backing.failSave = true
	_, err = reg.Revoke(ctx, created.ID, "client-1")
	require.Error(t, err)
	require.Equal(t, "internal", Code(err))

	_, err = reg.Revoke(ctx, created.ID, "client-1")
	require.ErrorIs(t, err, escrow.ErrAlreadyRefunded)
	require.Equal(t, uint64(10_000), mem.Balance("client-1"))
}

func TestUnfundedStakeIsRejected(t *testing.T) {
	st := newTestStore(t)
	reg, mem, _ := newTestRegistry(t, st)
	ctx := context.Background()
	req := defaultRequest()
	req.Client = "mallory"
	req.Freelancer = "sock"
	created, err := reg.Create(ctx, req)
	require.NoError(t, err)

	snap, err := reg.Stake(ctx, created.ID, "mallory", 990)
	require.ErrorIs(t, err, escrow.ErrDepositFailed)
	require.Equal(t, "DEPOSIT_FAILED", Code(err))
	require.Equal(t, escrow.StatusInitiated, snap.Status)
	require.False(t, snap.Staked)

	_, err = reg.Cancel(ctx, created.ID, "mallory")
	require.NoError(t, err)
	_, err = reg.Revoke(ctx, created.ID, "mallory")
	require.ErrorIs(t, err, escrow.ErrNothingStaked)
	require.Equal(t, uint64(10_000), mem.Balance("escrow"))
	require.Zero(t, mem.Balance("mallory"))

	persisted, err := st.LoadAgreement(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, persisted.Staked)
	require.Zero(t, persisted.StakedAmount)
}

func TestStakeWithoutCollectorFails(t *testing.T) {
	reg, err := New(newTestStore(t), WithTransferer(fundedLedger(t)))
	require.NoError(t, err)
	ctx := context.Background()
	created, err := reg.Create(ctx, defaultRequest())
	require.NoError(t, err)

	_, err = reg.Stake(ctx, created.ID, "client-1", 1000)
	require.ErrorIs(t, err, escrow.ErrDepositFailed)
	status, err := reg.Status(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusInitiated, status)
}

func TestCreatePublishesNothingWhenSaveFails(t *testing.T) {
	st := newTestStore(t)
	backing := &failingStore{Store: st, failSave: true}
	reg, _, rec := newTestRegistry(t, backing)
	ctx := context.Background()

	_, err := reg.Create(ctx, defaultRequest())
	require.Error(t, err)
	require.Equal(t, "internal", Code(err))

	id := AgreementID("client-1", "freelancer-1", "order-42")
	_, err = reg.Get(ctx, id)
	require.ErrorIs(t, err, ErrAgreementNotFound)
	require.Empty(t, rec.Events())
	journal, err := st.ListEvents(ctx, id)
	require.NoError(t, err)
	require.Empty(t, journal)

	backing.failSave = false
	created, err := reg.Create(ctx, defaultRequest())
	require.NoError(t, err)
	require.Equal(t, id, created.ID)
	require.Equal(t, []string{escrow.EventTypeAgreementCreated}, rec.Types())
	journal, err = st.ListEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	require.Equal(t, escrow.EventTypeAgreementCreated, journal[0].Type)
}

func TestConcurrentCreatesShareOneAgreement(t *testing.T) {
	reg, _, rec := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := reg.Create(ctx, defaultRequest())
			if err == nil {
				ids[i] = snap.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, AgreementID("client-1", "freelancer-1", "order-42"), id)
	}
	require.Equal(t, []string{escrow.EventTypeAgreementCreated}, rec.Types())
}

func TestRestartKeepsStakeToleranceOfCreation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	strict, _, _ := newTestRegistry(t, st, WithStakeTolerance(5))
	created, err := strict.Create(ctx, defaultRequest())
	require.NoError(t, err)
	require.Equal(t, uint64(5), created.StakeTolerance)

	loose, mem, _ := newTestRegistry(t, st, WithStakeTolerance(100))
	_, err = loose.Stake(ctx, created.ID, "client-1", 1006)
	require.ErrorIs(t, err, escrow.ErrIncorrectStakingAmount)
	require.Equal(t, uint64(10_000), mem.Balance("client-1"))

	staked, err := loose.Stake(ctx, created.ID, "client-1", 1005)
	require.NoError(t, err)
	require.Equal(t, uint64(5), staked.StakeTolerance)
}

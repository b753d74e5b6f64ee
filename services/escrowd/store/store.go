package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"milestonescrow/core/events"
	"milestonescrow/native/escrow"
)

// ErrNotFound is returned when no row matches the requested agreement.
var ErrNotFound = errors.New("store: not found")

// Store persists agreement snapshots and the event journal.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time

	seqMu   sync.Mutex
	lastSeq int64
}

// Open connects to the configured database and migrates the schema. Supported
// drivers are "sqlite" and "postgres".
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveAgreement inserts or replaces the snapshot row for the agreement.
func (s *Store) SaveAgreement(ctx context.Context, snap escrow.Snapshot) error {
	row := fromSnapshot(snap)
	row.UpdatedAt = s.nowFn().UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: save agreement %s: %w", snap.ID, err)
	}
	return nil
}

// LoadAgreement fetches the snapshot for id.
func (s *Store) LoadAgreement(ctx context.Context, id string) (escrow.Snapshot, error) {
	var row Agreement
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return escrow.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return escrow.Snapshot{}, fmt.Errorf("store: load agreement %s: %w", id, err)
	}
	return row.toSnapshot()
}

// ListFilter narrows ListAgreements. Zero values match everything.
type ListFilter struct {
	Party  string
	Status *escrow.Status
	Limit  int
}

// ListAgreements returns snapshots ordered by creation time, newest first.
func (s *Store) ListAgreements(ctx context.Context, filter ListFilter) ([]escrow.Snapshot, error) {
	query := s.db.WithContext(ctx).Model(&Agreement{})
	if party := strings.TrimSpace(filter.Party); party != "" {
		query = query.Where("client = ? OR freelancer = ?", party, party)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", filter.Status.String())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Agreement
	if err := query.Order("created_at_unix DESC").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list agreements: %w", err)
	}
	out := make([]escrow.Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := row.toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// AppendEvent writes evt to the journal under agreementID.
func (s *Store) AppendEvent(ctx context.Context, agreementID string, evt events.Event) error {
	if evt == nil {
		return nil
	}
	payload := evt.Payload()
	attrs, err := json.Marshal(payload.Attributes)
	if err != nil {
		return fmt.Errorf("store: encode event attributes: %w", err)
	}
	now := s.nowFn().UTC()
	row := Event{
		ID:          uuid.New(),
		AgreementID: agreementID,
		Type:        evt.EventType(),
		Attributes:  string(attrs),
		Sequence:    s.nextSequence(now),
		CreatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// nextSequence returns a strictly increasing journal position so events
// written within the same clock tick keep their emission order.
func (s *Store) nextSequence(now time.Time) int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := now.UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

// JournalEntry is a decoded journal row.
type JournalEntry struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// ListEvents returns the journal for agreementID in insertion order.
func (s *Store) ListEvents(ctx context.Context, agreementID string) ([]JournalEntry, error) {
	var rows []Event
	err := s.db.WithContext(ctx).
		Where("agreement_id = ?", agreementID).
		Order("sequence").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	out := make([]JournalEntry, 0, len(rows))
	for _, row := range rows {
		entry := JournalEntry{ID: row.ID.String(), Type: row.Type, CreatedAt: row.CreatedAt}
		if row.Attributes != "" {
			if err := json.Unmarshal([]byte(row.Attributes), &entry.Attributes); err != nil {
				return nil, fmt.Errorf("store: decode event %s: %w", row.ID, err)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func fromSnapshot(s escrow.Snapshot) Agreement {
	return Agreement{
		ID:                    s.ID,
		Client:                s.Client,
		Freelancer:            s.Freelancer,
		Price:                 strconv.FormatUint(s.Price, 10),
		MilestoneCount:        s.MilestoneCount,
		CurrentMilestoneIndex: s.CurrentMilestoneIndex,
		MilestonesCompleted:   s.MilestonesCompleted,
		Staked:                s.Staked,
		StakedAmount:          strconv.FormatUint(s.StakedAmount, 10),
		StakeTolerance:        strconv.FormatUint(s.StakeTolerance, 10),
		DepositReference:      s.DepositReference,
		ClientCancelled:       s.ClientCancelled,
		FreelancerCancelled:   s.FreelancerCancelled,
		Refunded:              s.Refunded,
		RefundReference:       s.RefundReference,
		Status:                s.Status.String(),
		Title:                 s.Title,
		Description:           s.Description,
		CreatedAtUnix:         s.CreatedAt,
		UpdatedAtUnix:         s.UpdatedAt,
	}
}

func (a Agreement) toSnapshot() (escrow.Snapshot, error) {
	price, err := strconv.ParseUint(a.Price, 10, 64)
	if err != nil {
		return escrow.Snapshot{}, fmt.Errorf("store: agreement %s price: %w", a.ID, err)
	}
	var staked uint64
	if a.StakedAmount != "" {
		staked, err = strconv.ParseUint(a.StakedAmount, 10, 64)
		if err != nil {
			return escrow.Snapshot{}, fmt.Errorf("store: agreement %s staked amount: %w", a.ID, err)
		}
	}
	var tolerance uint64
	if a.StakeTolerance != "" {
		tolerance, err = strconv.ParseUint(a.StakeTolerance, 10, 64)
		if err != nil {
			return escrow.Snapshot{}, fmt.Errorf("store: agreement %s stake tolerance: %w", a.ID, err)
		}
	}
	status, err := escrow.ParseStatus(a.Status)
	if err != nil {
		return escrow.Snapshot{}, fmt.Errorf("store: agreement %s: %w", a.ID, err)
	}
	snap := escrow.Snapshot{
		ID:                    a.ID,
		Client:                a.Client,
		Freelancer:            a.Freelancer,
		Price:                 price,
		MilestoneCount:        a.MilestoneCount,
		CurrentMilestoneIndex: a.CurrentMilestoneIndex,
		MilestonesCompleted:   a.MilestonesCompleted,
		Staked:                a.Staked,
		StakedAmount:          staked,
		StakeTolerance:        tolerance,
		DepositReference:      a.DepositReference,
		ClientCancelled:       a.ClientCancelled,
		FreelancerCancelled:   a.FreelancerCancelled,
		Refunded:              a.Refunded,
		RefundReference:       a.RefundReference,
		Status:                status,
		Title:                 a.Title,
		Description:           a.Description,
		CreatedAt:             a.CreatedAtUnix,
		UpdatedAt:             a.UpdatedAtUnix,
	}
	if snap.MilestoneCount > 0 {
		snap.MilestonePayment = snap.Price / uint64(snap.MilestoneCount)
	}
	return snap, nil
}

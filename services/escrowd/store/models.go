package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Agreement is the persisted snapshot of an escrow agreement. Amounts are
// stored as decimal strings so the full uint64 range survives databases whose
// integer columns are signed.
type Agreement struct {
	ID                    string `gorm:"primaryKey;size:66"`
	Client                string `gorm:"size:128;index"`
	Freelancer            string `gorm:"size:128;index"`
	Price                 string `gorm:"size:20;not null"`
	MilestoneCount        uint32 `gorm:"not null"`
	CurrentMilestoneIndex uint32
	MilestonesCompleted   uint32
	Staked                bool
	StakedAmount          string `gorm:"size:20"`
	StakeTolerance        string `gorm:"size:20"`
	DepositReference      string `gorm:"size:128"`
	ClientCancelled       bool
	FreelancerCancelled   bool
	Refunded              bool
	RefundReference       string `gorm:"size:128"`
	Status                string `gorm:"size:16;index"`
	Title                 string `gorm:"size:255"`
	Description           string `gorm:"type:text"`
	CreatedAtUnix         int64  `gorm:"column:created_at_unix;index"`
	UpdatedAtUnix         int64  `gorm:"column:updated_at_unix"`
	UpdatedAt             time.Time
}

// Event is a journal row recording one emitted agreement event.
type Event struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgreementID string    `gorm:"size:66;index"`
	Type        string    `gorm:"size:64;index"`
	Attributes  string    `gorm:"type:text"`
	Sequence    int64     `gorm:"index"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Agreement{},
		&Event{},
	)
}

package escrow

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle states of a milestone agreement.
type Status uint8

const (
	StatusInitiated Status = iota
	StatusActive
	StatusCompleted
	StatusCancelled
)

// DefaultStakeTolerance is the distance, in the smallest value unit, a deposit
// may drift from the agreed price and still be accepted.
const DefaultStakeTolerance uint64 = 10

var statusNames = map[Status]string{
	StatusInitiated: "initiated",
	StatusActive:    "active",
	StatusCompleted: "completed",
	StatusCancelled: "cancelled",
}

// String returns the lowercase status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transitions leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus converts a status name (case-insensitive) into a Status.
func ParseStatus(raw string) (Status, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for status, name := range statusNames {
		if name == normalized {
			return status, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown status %q", raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Params describes the immutable terms supplied when an agreement is created.
type Params struct {
	ID             string
	Client         string
	Freelancer     string
	Price          uint64
	MilestoneCount uint32
	Title          string
	Description    string
}

// Snapshot is a point-in-time copy of every agreement field. MilestonePayment
// is derived from Price and MilestoneCount and is ignored by Restore.
// StakeTolerance is fixed when the agreement is created and restored as-is.
type Snapshot struct {
	ID                    string `json:"id"`
	Client                string `json:"client"`
	Freelancer            string `json:"freelancer"`
	Price                 uint64 `json:"price,string"`
	MilestoneCount        uint32 `json:"milestoneCount"`
	MilestonePayment      uint64 `json:"milestonePayment,string"`
	CurrentMilestoneIndex uint32 `json:"currentMilestoneIndex"`
	MilestonesCompleted   uint32 `json:"milestonesCompleted"`
	Staked                bool   `json:"staked"`
	StakedAmount          uint64 `json:"stakedAmount,string"`
	StakeTolerance        uint64 `json:"stakeTolerance,string"`
	DepositReference      string `json:"depositReference,omitempty"`
	ClientCancelled       bool   `json:"clientCancelled"`
	FreelancerCancelled   bool   `json:"freelancerCancelled"`
	Refunded              bool   `json:"refunded"`
	RefundReference       string `json:"refundReference,omitempty"`
	Status                Status `json:"status"`
	Title                 string `json:"title"`
	Description           string `json:"description"`
	CreatedAt             int64  `json:"createdAt"`
	UpdatedAt             int64  `json:"updatedAt"`
}

// SameTerms reports whether two snapshots were created from identical terms.
func (s Snapshot) SameTerms(other Snapshot) bool {
	return s.Client == other.Client &&
		s.Freelancer == other.Freelancer &&
		s.Price == other.Price &&
		s.MilestoneCount == other.MilestoneCount &&
		s.Title == other.Title &&
		s.Description == other.Description
}

func normalizeParty(id string) string {
	return strings.TrimSpace(id)
}

func validateTerms(client, freelancer string, price uint64, milestones uint32) error {
	if client == "" || freelancer == "" {
		return fmt.Errorf("%w: client and freelancer are required", ErrInvalidParties)
	}
	if client == freelancer {
		return fmt.Errorf("%w: client and freelancer must differ", ErrInvalidParties)
	}
	if milestones == 0 {
		return fmt.Errorf("%w: at least one milestone is required", ErrInvalidMilestoneCount)
	}
	if price == 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
	}
	return nil
}

// validateSnapshot checks the invariants a persisted agreement must satisfy.
func validateSnapshot(s Snapshot) error {
	if err := validateTerms(normalizeParty(s.Client), normalizeParty(s.Freelancer), s.Price, s.MilestoneCount); err != nil {
		return err
	}
	if !s.Status.Valid() {
		return fmt.Errorf("escrow: invalid status %d", uint8(s.Status))
	}
	if s.CurrentMilestoneIndex > s.MilestoneCount || s.MilestonesCompleted > s.MilestoneCount {
		return fmt.Errorf("escrow: milestone counters exceed milestone count %d", s.MilestoneCount)
	}
	if s.Status == StatusActive && !s.Staked {
		return fmt.Errorf("escrow: active agreement must be staked")
	}
	if s.Status == StatusCancelled && !s.ClientCancelled && !s.FreelancerCancelled {
		return fmt.Errorf("escrow: cancelled agreement without a cancelling party")
	}
	if s.Refunded && (s.Status != StatusCancelled || !s.ClientCancelled || !s.Staked) {
		return fmt.Errorf("escrow: refund recorded outside a client cancellation")
	}
	if !s.Staked && (s.StakedAmount != 0 || s.DepositReference != "") {
		return fmt.Errorf("escrow: deposit recorded without a stake")
	}
	return nil
}

package escrow

import (
	"strconv"

	"milestonescrow/core/events"
)

const (
	EventTypeAgreementCreated       = "agreement.created"
	EventTypeAgreementStatusChanged = "agreement.status_changed"
	EventTypeAgreementFundsRevoked  = "agreement.funds_revoked"
)

// CreatedEvent is emitted once when a new agreement is constructed.
type CreatedEvent struct {
	Snapshot Snapshot
}

func (CreatedEvent) EventType() string { return EventTypeAgreementCreated }

func (e CreatedEvent) Payload() events.Payload {
	attrs := baseAttributes(e.Snapshot)
	attrs["price"] = strconv.FormatUint(e.Snapshot.Price, 10)
	attrs["milestoneCount"] = strconv.FormatUint(uint64(e.Snapshot.MilestoneCount), 10)
	attrs["milestonePayment"] = strconv.FormatUint(e.Snapshot.MilestonePayment, 10)
	return events.Payload{Type: EventTypeAgreementCreated, Attributes: attrs}
}

// StatusChangedEvent is emitted on every status transition and carries the
// two parties together with the new status.
type StatusChangedEvent struct {
	AgreementID string
	Client      string
	Freelancer  string
	Status      Status
	Caller      string
	At          int64
}

func (StatusChangedEvent) EventType() string { return EventTypeAgreementStatusChanged }

func (e StatusChangedEvent) Payload() events.Payload {
	attrs := map[string]string{
		"id":         e.AgreementID,
		"client":     e.Client,
		"freelancer": e.Freelancer,
		"status":     e.Status.String(),
		"at":         strconv.FormatInt(e.At, 10),
	}
	if e.Caller != "" {
		attrs["caller"] = e.Caller
	}
	return events.Payload{Type: EventTypeAgreementStatusChanged, Attributes: attrs}
}

// FundsRevokedEvent is emitted after the escrowed price has been returned to
// the client.
type FundsRevokedEvent struct {
	Snapshot Snapshot
	Amount   uint64
}

func (FundsRevokedEvent) EventType() string { return EventTypeAgreementFundsRevoked }

func (e FundsRevokedEvent) Payload() events.Payload {
	attrs := baseAttributes(e.Snapshot)
	attrs["amount"] = strconv.FormatUint(e.Amount, 10)
	if e.Snapshot.RefundReference != "" {
		attrs["reference"] = e.Snapshot.RefundReference
	}
	return events.Payload{Type: EventTypeAgreementFundsRevoked, Attributes: attrs}
}

func baseAttributes(s Snapshot) map[string]string {
	return map[string]string{
		"id":         s.ID,
		"client":     s.Client,
		"freelancer": s.Freelancer,
		"status":     s.Status.String(),
		"at":         strconv.FormatInt(s.UpdatedAt, 10),
	}
}

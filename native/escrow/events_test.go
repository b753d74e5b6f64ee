package escrow_test

import (
	"reflect"
	"testing"

	"milestonescrow/native/escrow"
)

func TestAgreementEventsHaveDeterministicPayload(t *testing.T) {
	snap := escrow.Snapshot{
		ID:               "agreement-7",
		Client:           "alice",
		Freelancer:       "bob",
		Price:            1000,
		MilestoneCount:   4,
		MilestonePayment: 250,
		Status:           escrow.StatusInitiated,
		CreatedAt:        1_700_000_123,
		UpdatedAt:        1_700_000_123,
	}

	created := escrow.CreatedEvent{Snapshot: snap}.Payload()
	if created.Type != escrow.EventTypeAgreementCreated {
		t.Fatalf("unexpected type %s", created.Type)
	}
	wantCreated := map[string]string{
		"id":               "agreement-7",
		"client":           "alice",
		"freelancer":       "bob",
		"status":           "initiated",
		"at":               "1700000123",
		"price":            "1000",
		"milestoneCount":   "4",
		"milestonePayment": "250",
	}
	if !reflect.DeepEqual(created.Attributes, wantCreated) {
		t.Fatalf("unexpected created attributes: %#v", created.Attributes)
	}

	changed := escrow.StatusChangedEvent{
		AgreementID: "agreement-7",
		Client:      "alice",
		Freelancer:  "bob",
		Status:      escrow.StatusActive,
		Caller:      "alice",
		At:          1_700_000_200,
	}.Payload()
	wantChanged := map[string]string{
		"id":         "agreement-7",
		"client":     "alice",
		"freelancer": "bob",
		"status":     "active",
		"caller":     "alice",
		"at":         "1700000200",
	}
	if changed.Type != escrow.EventTypeAgreementStatusChanged || !reflect.DeepEqual(changed.Attributes, wantChanged) {
		t.Fatalf("unexpected status payload: %#v", changed)
	}

	snap.Status = escrow.StatusCancelled
	snap.RefundReference = "0xfeed"
	revoked := escrow.FundsRevokedEvent{Snapshot: snap, Amount: 1000}.Payload()
	if revoked.Type != escrow.EventTypeAgreementFundsRevoked {
		t.Fatalf("unexpected type %s", revoked.Type)
	}
	if revoked.Attributes["amount"] != "1000" || revoked.Attributes["reference"] != "0xfeed" || revoked.Attributes["status"] != "cancelled" {
		t.Fatalf("unexpected revoke attributes: %#v", revoked.Attributes)
	}
}

func TestStatusChangedOmitsCallerWhenEmpty(t *testing.T) {
	payload := escrow.StatusChangedEvent{AgreementID: "x", Status: escrow.StatusCancelled}.Payload()
	if _, ok := payload.Attributes["caller"]; ok {
		t.Fatalf("expected caller to be omitted")
	}
}

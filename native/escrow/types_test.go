package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestStatusTextRoundTrip(t *testing.T) {
	for status, name := range statusNames {
		text, err := status.MarshalText()
		if err != nil {
			t.Fatalf("marshal %s: %v", name, err)
		}
		var parsed Status
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("unmarshal %s: %v", name, err)
		}
		if parsed != status {
			t.Fatalf("expected %s, got %s", status, parsed)
		}
	}
	if _, err := ParseStatus(" Active "); err != nil {
		t.Fatalf("expected case-insensitive parse: %v", err)
	}
	if _, err := ParseStatus("funded"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if _, err := Status(42).MarshalText(); err == nil {
		t.Fatalf("expected error for invalid status")
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusInitiated.Terminal() || StatusActive.Terminal() {
		t.Fatalf("initiated and active are not terminal")
	}
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() {
		t.Fatalf("completed and cancelled are terminal")
	}
}

func TestSnapshotJSONEncodesAmountsAsStrings(t *testing.T) {
	snap := Snapshot{ID: "a", Price: 1 << 60, StakedAmount: 7, Status: StatusActive}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if generic["price"] != fmt.Sprint(uint64(1<<60)) {
		t.Fatalf("expected price as string, got %#v", generic["price"])
	}
	if generic["status"] != "active" {
		t.Fatalf("expected status name, got %#v", generic["status"])
	}
}

func TestSameTerms(t *testing.T) {
	a := Snapshot{Client: "c", Freelancer: "f", Price: 10, MilestoneCount: 2, Title: "t"}
	b := a
	b.Status = StatusCancelled
	b.Staked = true
	if !a.SameTerms(b) {
		t.Fatalf("runtime state must not affect terms")
	}
	b.Price = 11
	if a.SameTerms(b) {
		t.Fatalf("price difference must change terms")
	}
}

func TestCodeMapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("%w: details", ErrIncorrectStakingAmount)
	if got := Code(wrapped); got != "INCORRECT_STAKING_AMOUNT" {
		t.Fatalf("unexpected code %q", got)
	}
	if got := Code(fmt.Errorf("outer: %w", ErrTransferFailed)); got != "TRANSFER_FAILED" {
		t.Fatalf("unexpected code %q", got)
	}
	if Code(nil) != "" || Code(errors.New("other")) != "" {
		t.Fatalf("expected empty code for foreign errors")
	}
	for _, entry := range errorCodes {
		if Code(entry.err) != entry.code {
			t.Fatalf("code mismatch for %v", entry.err)
		}
	}
}

package enums

import "testing"

func TestOutboxStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to OutboxStatus
		ok       bool
	}{
		{OutboxStatusPending, OutboxStatusProcessing, true},
		{OutboxStatusPending, OutboxStatusSent, false},
		{OutboxStatusProcessing, OutboxStatusSent, true},
		{OutboxStatusProcessing, OutboxStatusPending, true},
		{OutboxStatusProcessing, OutboxStatusDeadLetter, true},
		{OutboxStatusProcessing, OutboxStatusFailed, false},
		{OutboxStatusSent, OutboxStatusPending, false},
		{OutboxStatusDeadLetter, OutboxStatusPending, true},
		{OutboxStatusDeadLetter, OutboxStatusProcessing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Fatalf("%s -> %s: expected %v got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestParseOutboxStatus(t *testing.T) {
	if s, err := ParseOutboxStatus("dead_letter"); err != nil || s != OutboxStatusDeadLetter {
		t.Fatalf("unexpected parse result %q %v", s, err)
	}
	if _, err := ParseOutboxStatus("DEAD"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if len(OutboxStatuses()) != 5 {
		t.Fatalf("expected five outbox statuses")
	}
}

func TestParseInboxStatus(t *testing.T) {
	if _, err := ParseInboxStatus("processed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if InboxStatus("gone").IsValid() {
		t.Fatal("expected unknown inbox status to be invalid")
	}
}

func TestActorRoleElevation(t *testing.T) {
	if !ActorRoleAdmin.IsElevated() || !ActorRoleSystem.IsElevated() {
		t.Fatal("admin and system must be elevated")
	}
	if ActorRoleOperator.IsElevated() || ActorRoleService.IsElevated() {
		t.Fatal("operator and service must not be elevated")
	}
	if _, err := ParseActorRole("root"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Repository --

type mockRepo struct {
	events []*Event
}

func (m *mockRepo) Create(_ context.Context, ev *Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = time.Now()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Event, error) {
	for _, ev := range m.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	var result []*Event
	for _, ev := range m.events {
		if f.Action != "" && ev.Action != f.Action {
			continue
		}
		if f.ConnectionID != nil && (ev.ConnectionID == nil || *ev.ConnectionID != *f.ConnectionID) {
			continue
		}
		result = append(result, ev)
	}
	return result, len(result), nil
}

// -- Tests --

func newTestService() (*Service, *mockRepo) {
	repo := &mockRepo{}
	return NewService(repo, zerolog.Nop()), repo
}

func TestRecord_Defaults(t *testing.T) {
	svc, repo := newTestService()

	ev := &Event{Action: ActionSyncStarted}
	if err := svc.Record(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Actor != ActorSystem {
		t.Errorf("expected system actor, got %s", ev.Actor)
	}
	if ev.OccurredAt.IsZero() {
		t.Error("expected occurred_at to be set")
	}
	if len(repo.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(repo.events))
	}
}

func TestRecord_ActionRequired(t *testing.T) {
	svc, _ := newTestService()

	if err := svc.Record(context.Background(), &Event{}); err == nil {
		t.Error("expected error for missing action")
	}
}

func TestListEvents_FilterByAction(t *testing.T) {
	svc, _ := newTestService()

	connID := uuid.New()
	svc.Record(context.Background(), &Event{Action: ActionSyncStarted, ConnectionID: &connID})
	svc.Record(context.Background(), &Event{Action: ActionSyncCompleted, ConnectionID: &connID})
	svc.Record(context.Background(), &Event{Action: ActionSyncCompleted})

	events, total, err := svc.ListEvents(context.Background(), Filter{Action: ActionSyncCompleted}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(events) != 2 {
		t.Errorf("expected 2 events, got %d", total)
	}

	events, _, _ = svc.ListEvents(context.Background(), Filter{Action: ActionSyncCompleted, ConnectionID: &connID}, 10, 0)
	if len(events) != 1 {
		t.Errorf("expected 1 event for connection, got %d", len(events))
	}
}

func TestEventToFHIR(t *testing.T) {
	connID := uuid.New()
	ev := &Event{
		ID:           uuid.New(),
		OccurredAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Actor:        "admin@clinic.example",
		Action:       ActionMappingConfirmed,
		ResourceType: "Patient",
		ResourceID:   "pat-7",
		ConnectionID: &connID,
	}

	resource := ev.ToFHIR()
	if resource["resourceType"] != "AuditEvent" {
		t.Errorf("expected AuditEvent, got %v", resource["resourceType"])
	}
	if resource["action"] != "U" {
		t.Errorf("expected action U for a confirm, got %v", resource["action"])
	}
	if resource["recorded"] != "2025-06-01T12:00:00Z" {
		t.Errorf("unexpected recorded: %v", resource["recorded"])
	}
	entities := resource["entity"].([]interface{})
	what := entities[0].(map[string]interface{})["what"].(map[string]string)
	if what["reference"] != "Patient/pat-7" {
		t.Errorf("unexpected entity reference: %v", what["reference"])
	}
}

func TestFHIRActionMapping(t *testing.T) {
	cases := map[string]string{
		ActionConnectionCreated:     "C",
		ActionCredentialStored:      "C",
		ActionConnectionUpdated:     "U",
		ActionConflictResolved:      "U",
		ActionConnectionDeactivated: "D",
		ActionMappingTombstoned:     "D",
		ActionSyncStarted:           "E",
		ActionConnectionTested:      "E",
	}
	for action, want := range cases {
		if got := fhirAction(action); got != want {
			t.Errorf("%s: expected %s, got %s", action, want, got)
		}
	}
}

package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/connection"
	"github.com/ehr/interop/internal/domain/patient"
	"github.com/ehr/interop/internal/platform/fhir"
)

// -- Mocks --

type mockRepo struct {
	mappings map[uuid.UUID]*Mapping
}

func newMockRepo() *mockRepo {
	return &mockRepo{mappings: make(map[uuid.UUID]*Mapping)}
}

func (m *mockRepo) Create(_ context.Context, mp *Mapping) error {
	if mp.ID == uuid.Nil {
		mp.ID = uuid.New()
	}
	mp.CreatedAt = time.Now()
	mp.UpdatedAt = time.Now()
	m.mappings[mp.ID] = mp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Mapping, error) {
	mp, ok := m.mappings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return mp, nil
}

func (m *mockRepo) GetActive(_ context.Context, patientID, connectionID uuid.UUID) (*Mapping, error) {
	for _, mp := range m.mappings {
		if mp.PatientID == patientID && mp.ConnectionID == connectionID && !mp.Tombstoned {
			return mp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) GetActiveByExternalID(_ context.Context, connectionID uuid.UUID, externalID string) (*Mapping, error) {
	for _, mp := range m.mappings {
		if mp.ConnectionID == connectionID && mp.ExternalID == externalID && !mp.Tombstoned {
			return mp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) Update(_ context.Context, mp *Mapping) error {
	if _, ok := m.mappings[mp.ID]; !ok {
		return ErrNotFound
	}
	mp.UpdatedAt = time.Now()
	m.mappings[mp.ID] = mp
	return nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Mapping, error) {
	var out []*Mapping
	for _, mp := range m.mappings {
		if mp.PatientID == patientID {
			out = append(out, mp)
		}
	}
	return out, nil
}

func (m *mockRepo) ListByConnection(_ context.Context, connectionID uuid.UUID, status string, limit, offset int) ([]*Mapping, int, error) {
	var out []*Mapping
	for _, mp := range m.mappings {
		if mp.ConnectionID == connectionID && !mp.Tombstoned && (status == "" || mp.Status == status) {
			out = append(out, mp)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) ListSyncable(_ context.Context, connectionID uuid.UUID) ([]*Mapping, error) {
	var out []*Mapping
	for _, mp := range m.mappings {
		if mp.ConnectionID == connectionID && mp.Syncable() {
			out = append(out, mp)
		}
	}
	return out, nil
}

type mockPatients struct {
	patients map[uuid.UUID]*patient.Patient
}

func (m *mockPatients) GetPatient(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return p, nil
}

type mockConnections struct {
	conns map[uuid.UUID]*connection.Connection
}

func (m *mockConnections) GetConnection(_ context.Context, id uuid.UUID) (*connection.Connection, error) {
	conn, ok := m.conns[id]
	if !ok {
		return nil, connection.ErrNotFound
	}
	return conn, nil
}

// fakeSearcher returns a canned bundle and records the search request.
type fakeSearcher struct {
	bundle     *fhir.Bundle
	err        error
	lastType   string
	lastParams url.Values
	calls      int
}

func (f *fakeSearcher) Search(_ context.Context, resourceType string, params url.Values) (*fhir.Bundle, error) {
	f.calls++
	f.lastType = resourceType
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.bundle, nil
}

type sinkFunc func(ctx context.Context, e *audit.Event) error

func (f sinkFunc) Record(ctx context.Context, e *audit.Event) error { return f(ctx, e) }

// -- Fixtures --

func remotePatient(id, family, given, birthDate, mrn, mrnSystem string) json.RawMessage {
	resource := map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"birthDate":    birthDate,
		"name": []map[string]interface{}{
			{"use": "official", "family": family, "given": []string{given}},
		},
	}
	if mrn != "" {
		resource["identifier"] = []map[string]interface{}{
			{
				"system": mrnSystem,
				"value":  mrn,
				"type": map[string]interface{}{
					"coding": []map[string]interface{}{
						{"system": "http://terminology.hl7.org/CodeSystem/v2-0203", "code": "MR"},
					},
				},
			},
		}
	}
	raw, _ := json.Marshal(resource)
	return raw
}

func bundleOf(resources ...json.RawMessage) *fhir.Bundle {
	b := &fhir.Bundle{ResourceType: "Bundle", Type: "searchset"}
	for _, r := range resources {
		b.Entry = append(b.Entry, fhir.BundleEntry{Resource: r})
	}
	return b
}

type fixture struct {
	svc       *Service
	repo      *mockRepo
	searcher  *fakeSearcher
	events    []*audit.Event
	patientID uuid.UUID
	connID    uuid.UUID
}

func newFixture(t *testing.T, p *patient.Patient, bundle *fhir.Bundle) *fixture {
	t.Helper()

	f := &fixture{
		repo:     newMockRepo(),
		searcher: &fakeSearcher{bundle: bundle},
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	f.patientID = p.ID

	conn := &connection.Connection{
		ID:               uuid.New(),
		Name:             "Epic",
		Vendor:           connection.VendorEpic,
		BaseURL:          "https://fhir.example.com/r4",
		IdentifierSystem: "http://hospital.example.org/mrn",
		Status:           connection.StatusActive,
	}
	f.connID = conn.ID

	patients := &mockPatients{patients: map[uuid.UUID]*patient.Patient{p.ID: p}}
	conns := &mockConnections{conns: map[uuid.UUID]*connection.Connection{conn.ID: conn}}
	sink := sinkFunc(func(_ context.Context, e *audit.Event) error {
		f.events = append(f.events, e)
		return nil
	})
	factory := func(*connection.Connection) Searcher { return f.searcher }

	f.svc = NewService(f.repo, patients, conns, factory, sink, zerolog.Nop())
	return f
}

func directoryPatient() *patient.Patient {
	return &patient.Patient{
		MRN:        "MRN-77",
		FamilyName: "Nwosu",
		GivenName:  "Chidi",
		BirthDate:  "1990-02-17",
		Gender:     "male",
	}
}

// -- Tests --

func TestResolve_ReturnsExistingMapping(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	existing := &Mapping{
		PatientID:    f.patientID,
		ConnectionID: f.connID,
		ExternalID:   "remote-1",
		Status:       StatusSynced,
		MatchedBy:    MatchedByManual,
	}
	f.repo.Create(context.Background(), existing)

	res, err := f.svc.Resolve(context.Background(), f.patientID, f.connID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mapping.ID != existing.ID {
		t.Error("expected the existing mapping back")
	}
	if f.searcher.calls != 0 {
		t.Error("existing mapping must not trigger a remote search")
	}
}

func TestResolve_SingleIdentifierHit(t *testing.T) {
	bundle := bundleOf(remotePatient("ext-1", "Nwosu", "Chidi", "1990-02-17", "MRN-77", "http://hospital.example.org/mrn"))
	f := newFixture(t, directoryPatient(), bundle)

	res, err := f.svc.Resolve(context.Background(), f.patientID, f.connID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := res.Mapping
	if m.Status != StatusPending {
		t.Errorf("automatic matches are never auto-confirmed, got %s", m.Status)
	}
	if m.ExternalID != "ext-1" {
		t.Errorf("single hit should prefill external id, got %q", m.ExternalID)
	}
	if m.MatchedBy != MatchedByIdentifier {
		t.Errorf("expected identifier match, got %s", m.MatchedBy)
	}
	if len(res.Candidates) != 1 {
		t.Errorf("expected 1 candidate, got %d", len(res.Candidates))
	}
	if got := f.searcher.lastParams.Get("identifier"); got != "http://hospital.example.org/mrn|MRN-77" {
		t.Errorf("unexpected identifier param: %q", got)
	}
	if f.searcher.lastType != "Patient" {
		t.Errorf("expected Patient search, got %s", f.searcher.lastType)
	}
}

func TestResolve_MultipleHitsNeverAutoPick(t *testing.T) {
	bundle := bundleOf(
		remotePatient("ext-1", "Nwosu", "Chidi", "1990-02-17", "MRN-77", "http://hospital.example.org/mrn"),
		remotePatient("ext-2", "Nwosu", "Chidi", "1990-02-17", "MRN-77", "http://hospital.example.org/mrn"),
	)
	f := newFixture(t, directoryPatient(), bundle)

	res, err := f.svc.Resolve(context.Background(), f.patientID, f.connID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mapping.Status != StatusPending {
		t.Errorf("expected pending, got %s", res.Mapping.Status)
	}
	if res.Mapping.ExternalID != "" {
		t.Errorf("multiple hits must not pick an external id, got %q", res.Mapping.ExternalID)
	}
	if len(res.Candidates) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(res.Candidates))
	}
}

func TestResolve_NoHitIsErrNoMatch(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	_, err := f.svc.Resolve(context.Background(), f.patientID, f.connID)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	if len(f.repo.mappings) != 0 {
		t.Error("no-match must not write a mapping row")
	}
}

func TestResolve_DemographicFallback(t *testing.T) {
	p := directoryPatient()
	p.MRN = ""
	// Server-side fuzzy result includes a near-miss that the exact
	// filter must drop.
	bundle := bundleOf(
		remotePatient("ext-9", "Nwosu", "Chidi", "1990-02-17", "", ""),
		remotePatient("ext-10", "Nwosu", "Chidi", "1991-06-01", "", ""),
	)
	f := newFixture(t, p, bundle)

	res, err := f.svc.Resolve(context.Background(), f.patientID, f.connID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mapping.MatchedBy != MatchedByDemographics {
		t.Errorf("expected demographics match, got %s", res.Mapping.MatchedBy)
	}
	if res.Mapping.Status != StatusPending {
		t.Errorf("demographic match must land pending, got %s", res.Mapping.Status)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].ExternalID != "ext-9" {
		t.Errorf("exact filter should keep only ext-9, got %+v", res.Candidates)
	}
	if f.searcher.lastParams.Get("family") != "Nwosu" || f.searcher.lastParams.Get("birthdate") != "1990-02-17" {
		t.Errorf("unexpected demographic params: %v", f.searcher.lastParams)
	}
}

func TestResolve_DemographicsIncomplete(t *testing.T) {
	p := directoryPatient()
	p.MRN = ""
	p.GivenName = ""
	f := newFixture(t, p, bundleOf())

	_, err := f.svc.Resolve(context.Background(), f.patientID, f.connID)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	if f.searcher.calls != 0 {
		t.Error("incomplete demographics must not hit the remote server")
	}
}

func TestConfirmMapping(t *testing.T) {
	bundle := bundleOf(remotePatient("ext-1", "Nwosu", "Chidi", "1990-02-17", "MRN-77", "http://hospital.example.org/mrn"))
	f := newFixture(t, directoryPatient(), bundle)

	res, _ := f.svc.Resolve(context.Background(), f.patientID, f.connID)

	m, err := f.svc.ConfirmMapping(context.Background(), res.Mapping.ID, "", "dr.ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Status != StatusSynced {
		t.Errorf("expected synced, got %s", m.Status)
	}
	if m.ExternalID != "ext-1" {
		t.Errorf("prefilled external id should survive, got %q", m.ExternalID)
	}

	var confirmed *audit.Event
	for _, e := range f.events {
		if e.Action == audit.ActionMappingConfirmed {
			confirmed = e
		}
	}
	if confirmed == nil {
		t.Fatal("expected a mapping.confirmed audit event")
	}
	if confirmed.Actor != "dr.ada" {
		t.Errorf("expected actor dr.ada, got %s", confirmed.Actor)
	}
}

func TestConfirmMapping_AlreadySynced(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	m := &Mapping{PatientID: f.patientID, ConnectionID: f.connID, ExternalID: "ext-1", Status: StatusSynced}
	f.repo.Create(context.Background(), m)

	if _, err := f.svc.ConfirmMapping(context.Background(), m.ID, "ext-2", "dr.ada"); err == nil {
		t.Fatal("confirmed mappings must never be re-pointed")
	}
}

func TestConfirmMapping_RequiresExternalID(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	m := &Mapping{PatientID: f.patientID, ConnectionID: f.connID, Status: StatusPending}
	f.repo.Create(context.Background(), m)

	if _, err := f.svc.ConfirmMapping(context.Background(), m.ID, "", "dr.ada"); err == nil {
		t.Fatal("expected error when no external id was chosen")
	}
}

func TestConfirmMapping_ExternalIDTaken(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	other := &Mapping{PatientID: uuid.New(), ConnectionID: f.connID, ExternalID: "ext-1", Status: StatusSynced}
	f.repo.Create(context.Background(), other)
	m := &Mapping{PatientID: f.patientID, ConnectionID: f.connID, Status: StatusPending}
	f.repo.Create(context.Background(), m)

	if _, err := f.svc.ConfirmMapping(context.Background(), m.ID, "ext-1", "dr.ada"); err == nil {
		t.Fatal("one remote patient must map to at most one local patient")
	}
}

func TestRejectMapping(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	m := &Mapping{PatientID: f.patientID, ConnectionID: f.connID, ExternalID: "ext-1", Status: StatusPending}
	f.repo.Create(context.Background(), m)

	if err := f.svc.RejectMapping(context.Background(), m.ID, "dr.ada"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), m.ID)
	if !got.Tombstoned {
		t.Error("rejected candidate must be tombstoned, not deleted")
	}

	synced := &Mapping{PatientID: uuid.New(), ConnectionID: f.connID, ExternalID: "ext-2", Status: StatusSynced}
	f.repo.Create(context.Background(), synced)
	if err := f.svc.RejectMapping(context.Background(), synced.ID, "dr.ada"); err == nil {
		t.Error("only pending mappings can be rejected")
	}
}

func TestCreateFromRemote(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	m, err := f.svc.CreateFromRemote(context.Background(), CreateFromRemoteInput{
		PatientID:    f.patientID,
		ConnectionID: f.connID,
		ExternalID:   "ext-5",
		MatchedBy:    MatchedByIdentifier,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Status != StatusSynced {
		t.Errorf("identifier equality is deterministic, expected synced, got %s", m.Status)
	}

	// Same pair and external id: idempotent.
	again, err := f.svc.CreateFromRemote(context.Background(), CreateFromRemoteInput{
		PatientID:    f.patientID,
		ConnectionID: f.connID,
		ExternalID:   "ext-5",
		MatchedBy:    MatchedByIdentifier,
	})
	if err != nil || again.ID != m.ID {
		t.Fatalf("expected existing mapping back, got %v %v", again, err)
	}

	// Conflicting external id for the same pair: refused.
	if _, err := f.svc.CreateFromRemote(context.Background(), CreateFromRemoteInput{
		PatientID:    f.patientID,
		ConnectionID: f.connID,
		ExternalID:   "ext-6",
		MatchedBy:    MatchedByIdentifier,
	}); err == nil {
		t.Fatal("active mapping must never be overwritten")
	}
}

func TestCreateFromRemote_DemographicsLandPending(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	m, err := f.svc.CreateFromRemote(context.Background(), CreateFromRemoteInput{
		PatientID:    f.patientID,
		ConnectionID: f.connID,
		ExternalID:   "ext-7",
		MatchedBy:    MatchedByDemographics,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Status != StatusPending {
		t.Errorf("demographic evidence requires confirmation, got %s", m.Status)
	}
}

func TestTombstone_Idempotent(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	m := &Mapping{PatientID: f.patientID, ConnectionID: f.connID, ExternalID: "ext-1", Status: StatusSynced}
	f.repo.Create(context.Background(), m)

	if err := f.svc.Tombstone(context.Background(), m.ID, "dr.ada"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.svc.Tombstone(context.Background(), m.ID, "dr.ada"); err != nil {
		t.Fatalf("second tombstone must be a no-op: %v", err)
	}

	events := 0
	for _, e := range f.events {
		if e.Action == audit.ActionMappingTombstoned {
			events++
		}
	}
	if events != 1 {
		t.Errorf("expected exactly one tombstone audit event, got %d", events)
	}
}

func TestSetStatusAndTouchSynced(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	m := &Mapping{PatientID: f.patientID, ConnectionID: f.connID, ExternalID: "ext-1", Status: StatusSynced}
	f.repo.Create(context.Background(), m)

	if err := f.svc.SetStatus(context.Background(), m.ID, StatusConflict); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), m.ID)
	if got.Status != StatusConflict {
		t.Errorf("expected conflict, got %s", got.Status)
	}

	if err := f.svc.SetStatus(context.Background(), m.ID, "lost"); err == nil {
		t.Error("invalid status must be rejected")
	}

	if err := f.svc.SetStatus(context.Background(), m.ID, StatusPending); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	if err := f.svc.TouchSynced(context.Background(), m.ID, at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = f.repo.GetByID(context.Background(), m.ID)
	if got.Status != StatusSynced || got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(at) {
		t.Errorf("touch should sync status and timestamp: %+v", got)
	}
}

func TestTouchSynced_KeepsConflictAndErrorStatus(t *testing.T) {
	f := newFixture(t, directoryPatient(), bundleOf())

	m := &Mapping{PatientID: f.patientID, ConnectionID: f.connID, ExternalID: "ext-1", Status: StatusSynced}
	f.repo.Create(context.Background(), m)

	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	for _, status := range []string{StatusConflict, StatusError} {
		if err := f.svc.SetStatus(context.Background(), m.ID, status); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := f.svc.TouchSynced(context.Background(), m.ID, at); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := f.repo.GetByID(context.Background(), m.ID)
		if got.Status != status {
			t.Errorf("touch must not demote a %s mapping, got %s", status, got.Status)
		}
		if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(at) {
			t.Errorf("touch should still record the pass time: %+v", got)
		}
	}
}

func TestSyncable(t *testing.T) {
	cases := []struct {
		name string
		m    Mapping
		want bool
	}{
		{"synced with id", Mapping{Status: StatusSynced, ExternalID: "x"}, true},
		{"pending", Mapping{Status: StatusPending, ExternalID: "x"}, false},
		{"tombstoned", Mapping{Status: StatusSynced, ExternalID: "x", Tombstoned: true}, false},
		{"no external id", Mapping{Status: StatusSynced}, false},
	}
	for _, tc := range cases {
		if got := tc.m.Syncable(); got != tc.want {
			t.Errorf("%s: Syncable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

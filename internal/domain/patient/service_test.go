package patient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cardiorisk/cardiorisk/internal/platform/db"
	"github.com/cardiorisk/cardiorisk/internal/platform/events"
	"github.com/cardiorisk/cardiorisk/internal/platform/sequence"
)

type testEnv struct {
	svc      *Service
	store    *MemoryStore
	counters *sequence.MemoryStore
	events   *events.Recorder
}

func newTestEnv() *testEnv {
	store := NewMemoryStore()
	counters := sequence.NewMemoryStore()
	rec := &events.Recorder{}
	alloc := sequence.NewAllocator(counters, sequence.Config{MaxAttempts: 64})
	svc := NewService(db.NoopTransactor{}, store.Patients(), store.Records(), alloc, rec)
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return &testEnv{svc: svc, store: store, counters: counters, events: rec}
}

func newTestService() *Service {
	return newTestEnv().svc
}

func intPtr(i int) *int { return &i }

func validRequest(first, last string) SaveRequest {
	return SaveRequest{
		FirstName: first,
		LastName:  last,
		Age:       intPtr(54),
		Sex:       SexFemale,
		Inputs: Inputs{
			FieldSystolic:    130.0,
			FieldDiastolic:   85.0,
			FieldCholesterol: "210",
			FieldWeight:      70.0,
			FieldHeight:      175.0,
			FieldStroke:      "No",
		},
		Risk: "Moderate",
	}
}

func TestSaveAssessment_AllocatesDisplayIDs(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	first, err := env.svc.SaveAssessment(ctx, "user-1", validRequest("Ana", "Lima"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !first.Created || first.Patient.DisplayID != 1 {
		t.Errorf("expected new patient with display id 1, got created=%v id=%d", first.Created, first.Patient.DisplayID)
	}

	second, err := env.svc.SaveAssessment(ctx, "user-1", validRequest("Bruno", "Costa"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if second.Patient.DisplayID != 2 {
		t.Errorf("expected display id 2, got %d", second.Patient.DisplayID)
	}

	again, err := env.svc.SaveAssessment(ctx, "user-1", validRequest(" Ana ", "Lima"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if again.Created || again.Patient.ID != first.Patient.ID {
		t.Errorf("expected existing patient to be reused")
	}
	if env.counters.Value("user-1") != 2 {
		t.Errorf("reusing a patient must not allocate, counter=%d", env.counters.Value("user-1"))
	}

	p, err := env.svc.GetPatient(ctx, "user-1", first.Patient.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(p.Records) != 2 {
		t.Errorf("expected 2 records, got %d", len(p.Records))
	}
}

func TestSaveAssessment_NormalizesInputs(t *testing.T) {
	env := newTestEnv()
	res, err := env.svc.SaveAssessment(context.Background(), "user-1", validRequest("Ana", "Lima"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	rec := res.Record
	if bmi, _ := rec.Inputs.Float(FieldBMI); bmi != 22.86 {
		t.Errorf("expected BMI computed from weight and height, got %v", rec.Inputs[FieldBMI])
	}
	if v, ok := rec.Inputs[FieldCholesterol].(float64); !ok || v != 210 {
		t.Errorf("expected cholesterol stored as number, got %#v", rec.Inputs[FieldCholesterol])
	}
	if rec.SchemaVersion != CurrentSchema {
		t.Errorf("expected schema %d, got %d", CurrentSchema, rec.SchemaVersion)
	}
	if rec.Risk.Level != RiskModerate {
		t.Errorf("expected Moderate risk, got %q", rec.Risk.Level)
	}
	if rec.RecordedAt == nil || !rec.RecordedAt.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("expected recorded_at from the service clock, got %v", rec.RecordedAt)
	}
}

func TestSaveAssessment_KeepsExplicitBMIAndTimestamp(t *testing.T) {
	env := newTestEnv()
	req := validRequest("Ana", "Lima")
	req.Inputs[FieldBMI] = "31.4"
	at := time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC)
	req.RecordedAt = &at
	req.Risk = 72.0

	res, err := env.svc.SaveAssessment(context.Background(), "user-1", req)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if bmi, _ := res.Record.Inputs.Float(FieldBMI); bmi != 31.4 {
		t.Errorf("expected BMI 31.4, got %v", bmi)
	}
	if !res.Record.RecordedAt.Equal(at) {
		t.Errorf("expected recorded_at %v, got %v", at, res.Record.RecordedAt)
	}
	if res.Record.Risk.Level != RiskUnknown || res.Record.Risk.Percentage == nil || *res.Record.Risk.Percentage != 72 {
		t.Errorf("unexpected risk %+v", res.Record.Risk)
	}
}

func TestSaveAssessment_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SaveRequest)
	}{
		{"missing first name", func(r *SaveRequest) { r.FirstName = "  " }},
		{"missing last name", func(r *SaveRequest) { r.LastName = "" }},
		{"missing age", func(r *SaveRequest) { r.Age = nil }},
		{"negative age", func(r *SaveRequest) { r.Age = intPtr(-1) }},
		{"bad sex", func(r *SaveRequest) { r.Sex = "Other" }},
		{"missing systolic", func(r *SaveRequest) { delete(r.Inputs, FieldSystolic) }},
		{"non numeric diastolic", func(r *SaveRequest) { r.Inputs[FieldDiastolic] = "high" }},
		{"zero height", func(r *SaveRequest) { r.Inputs[FieldHeight] = 0 }},
		{"zero BMI", func(r *SaveRequest) { r.Inputs[FieldBMI] = 0 }},
		{"bad stroke answer", func(r *SaveRequest) { r.Inputs[FieldStroke] = "maybe" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			req := validRequest("Ana", "Lima")
			tt.mutate(&req)
			_, err := env.svc.SaveAssessment(context.Background(), "user-1", req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if env.counters.Value("user-1") != 0 {
				t.Error("rejected requests must not consume a display id")
			}
			if len(env.events.Events()) != 0 {
				t.Error("rejected requests must not publish events")
			}
		})
	}
}

func TestSaveAssessment_RequiresOwner(t *testing.T) {
	_, err := newTestService().SaveAssessment(context.Background(), "", validRequest("Ana", "Lima"))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestSaveAssessment_OwnersAreIsolated(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	a, _ := env.svc.SaveAssessment(ctx, "user-a", validRequest("Ana", "Lima"))
	b, err := env.svc.SaveAssessment(ctx, "user-b", validRequest("Ana", "Lima"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !b.Created || b.Patient.DisplayID != 1 {
		t.Errorf("each owner has its own patients and counter, got created=%v id=%d", b.Created, b.Patient.DisplayID)
	}
	if _, err := env.svc.GetPatient(ctx, "user-b", a.Patient.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected foreign patient to be not found, got %v", err)
	}
	if err := env.svc.DeletePatient(ctx, "user-b", a.Patient.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected foreign delete to be not found, got %v", err)
	}
}

// racyPatients hides the first lookup result so the save collides with a
// patient created concurrently.
type racyPatients struct {
	PatientRepository
	once sync.Once
}

func (r *racyPatients) FindByName(ctx context.Context, ownerID, first, last string) (*Patient, error) {
	hide := false
	r.once.Do(func() { hide = true })
	if hide {
		return nil, ErrNotFound
	}
	return r.PatientRepository.FindByName(ctx, ownerID, first, last)
}

func TestSaveAssessment_RetriesNameRace(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	existing, err := env.svc.SaveAssessment(ctx, "user-1", validRequest("Ana", "Lima"))
	if err != nil {
		t.Fatal(err)
	}

	env.svc.patients = &racyPatients{PatientRepository: env.store.Patients()}
	res, err := env.svc.SaveAssessment(ctx, "user-1", validRequest("Ana", "Lima"))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if res.Created || res.Patient.ID != existing.Patient.ID {
		t.Error("expected the retried save to attach to the existing patient")
	}
}

type failingRecords struct {
	RecordRepository
	err error
}

func (f failingRecords) Create(context.Context, *Record) error { return f.err }

func TestSaveAssessment_RecordFailure(t *testing.T) {
	env := newTestEnv()
	boom := errors.New("disk full")
	env.svc.records = failingRecords{RecordRepository: env.store.Records(), err: boom}

	_, err := env.svc.SaveAssessment(context.Background(), "user-1", validRequest("Ana", "Lima"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected record error, got %v", err)
	}
	if len(env.events.Events()) != 0 {
		t.Error("failed saves must not publish events")
	}
}

func TestSaveAssessment_AllocatorUnavailable(t *testing.T) {
	env := newTestEnv()
	env.svc.ids = sequence.NewAllocator(brokenCounter{}, sequence.DefaultConfig())

	_, err := env.svc.SaveAssessment(context.Background(), "user-1", validRequest("Ana", "Lima"))
	if !errors.Is(err, sequence.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	items, _ := env.store.Patients().ListAll(context.Background(), "user-1")
	if len(items) != 0 {
		t.Error("no patient may be stored without a display id")
	}
}

type brokenCounter struct{}

func (brokenCounter) Read(context.Context, string) (int64, bool, error) {
	return 0, false, errors.New("connection refused")
}

func (brokenCounter) CompareAndSwap(context.Context, string, int64, bool, int64) (bool, error) {
	return false, errors.New("connection refused")
}

func TestSaveAssessment_ConcurrentNewPatients(t *testing.T) {
	const n = 25
	env := newTestEnv()

	var mu sync.Mutex
	var ids []int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, err := env.svc.SaveAssessment(ctx, "user-1", validRequest(fmt.Sprintf("P%d", i), "Test"))
			if err != nil {
				return err
			}
			mu.Lock()
			ids = append(ids, res.Patient.DisplayID)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("save: %v", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("expected display ids 1..%d, got %v", n, ids)
		}
	}
}

func TestSaveAssessment_PublishFailureIsNotFatal(t *testing.T) {
	env := newTestEnv()
	env.events.Err = errors.New("broker down")
	if _, err := env.svc.SaveAssessment(context.Background(), "user-1", validRequest("Ana", "Lima")); err != nil {
		t.Fatalf("publish errors must not fail the save, got %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	ana, _ := env.svc.SaveAssessment(ctx, "user-1", validRequest("Ana", "Lima"))
	env.svc.SaveAssessment(ctx, "user-1", validRequest("Ana", "Lima"))
	env.svc.SaveAssessment(ctx, "user-1", validRequest("Bruno", "Costa"))
	env.svc.SaveAssessment(ctx, "user-2", validRequest("Carla", "Dias"))

	snap, err := env.svc.Snapshot(ctx, "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("expected 2 patients, got %d", len(snap))
	}
	if snap[0].ID != ana.Patient.ID || len(snap[0].Records) != 2 || len(snap[1].Records) != 1 {
		t.Errorf("unexpected snapshot layout: %d/%d records", len(snap[0].Records), len(snap[1].Records))
	}

	if err := env.svc.DeleteRecord(ctx, "user-1", snap[1].ID, snap[1].Records[0].ID); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	snap, _ = env.svc.Snapshot(ctx, "user-1")
	if snap[1].Records == nil || len(snap[1].Records) != 0 {
		t.Errorf("patients without records must carry an empty slice, got %v", snap[1].Records)
	}
}

func TestDeletePatient_Cascades(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	res, _ := env.svc.SaveAssessment(ctx, "user-1", validRequest("Ana", "Lima"))

	if err := env.svc.DeletePatient(ctx, "user-1", res.Patient.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs, _ := env.store.Records().ListByOwner(ctx, "user-1")
	if len(recs) != 0 {
		t.Errorf("expected records to be deleted with the patient, have %d", len(recs))
	}
	if err := env.svc.DeletePatient(ctx, "user-1", res.Patient.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}

	next, _ := env.svc.SaveAssessment(ctx, "user-1", validRequest("Ana", "Lima"))
	if next.Patient.DisplayID != 2 {
		t.Errorf("display ids are never reused, got %d", next.Patient.DisplayID)
	}

	want := []string{events.TypeAssessmentSaved, events.TypePatientDeleted, events.TypeAssessmentSaved}
	got := env.events.Types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
}

func TestDeleteRecord_WrongPatient(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	res, _ := env.svc.SaveAssessment(ctx, "user-1", validRequest("Ana", "Lima"))

	err := env.svc.DeleteRecord(ctx, "user-1", uuid.New(), res.Record.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListPatients_NewestFirst(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.store.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	for _, name := range []string{"A", "B", "C"} {
		if _, err := env.svc.SaveAssessment(ctx, "user-1", validRequest(name, "X")); err != nil {
			t.Fatal(err)
		}
	}

	items, total, err := env.svc.ListPatients(ctx, "user-1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if items[0].FirstName != "C" || items[1].FirstName != "B" {
		t.Errorf("expected newest first, got %s, %s", items[0].FirstName, items[1].FirstName)
	}
}

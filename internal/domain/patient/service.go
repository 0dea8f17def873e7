package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/cardiorisk/cardiorisk/internal/platform/db"
	"github.com/cardiorisk/cardiorisk/internal/platform/events"
	"github.com/cardiorisk/cardiorisk/internal/platform/sequence"
)

// SaveRequest is one submitted assessment form. Patients are matched by
// first and last name within the owner's records.
type SaveRequest struct {
	FirstName  string     `json:"firstname"`
	LastName   string     `json:"lastname"`
	Age        *int       `json:"age"`
	Sex        Sex        `json:"sex"`
	Inputs     Inputs     `json:"inputs"`
	Risk       any        `json:"risk,omitempty"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

type SaveResult struct {
	Patient *Patient `json:"patient"`
	Record  *Record  `json:"record"`
	Created bool     `json:"created"`
}

var requiredNumeric = []string{FieldSystolic, FieldDiastolic, FieldCholesterol, FieldWeight, FieldHeight}

const maxAge = 150

// validate checks the form and returns the inputs to store, with BMI derived
// from weight and height when it was left out.
func (r *SaveRequest) validate() (Inputs, error) {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	if r.FirstName == "" || r.LastName == "" {
		return nil, fmt.Errorf("%w: firstname and lastname are required", ErrValidation)
	}
	if r.Age == nil {
		return nil, fmt.Errorf("%w: age is required", ErrValidation)
	}
	if *r.Age < 0 || *r.Age > maxAge {
		return nil, fmt.Errorf("%w: age must be between 0 and %d", ErrValidation, maxAge)
	}
	if !r.Sex.Valid() {
		return nil, fmt.Errorf("%w: sex must be Male or Female", ErrValidation)
	}

	in := r.Inputs.clone()
	for _, name := range requiredNumeric {
		v, ok := in.Float(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s is required and must be numeric", ErrValidation, name)
		}
		if v <= 0 {
			return nil, fmt.Errorf("%w: %s must be positive", ErrValidation, name)
		}
		in[name] = v
	}

	if _, present := in[FieldBMI]; present {
		bmi, ok := in.Float(FieldBMI)
		if !ok || bmi <= 0 {
			return nil, fmt.Errorf("%w: BMI must be a positive number", ErrValidation)
		}
		in[FieldBMI] = bmi
	} else {
		w, _ := in.Float(FieldWeight)
		h, _ := in.Float(FieldHeight)
		bmi, _ := ComputeBMI(w, h)
		in[FieldBMI] = bmi
	}

	switch in.String(FieldStroke) {
	case "Yes", "No":
	default:
		return nil, fmt.Errorf("%w: %s must be Yes or No", ErrValidation, FieldStroke)
	}
	return in, nil
}

type Service struct {
	tx       db.Transactor
	patients PatientRepository
	records  RecordRepository
	ids      *sequence.Allocator
	events   events.Publisher
	now      func() time.Time
}

func NewService(tx db.Transactor, patients PatientRepository, records RecordRepository, ids *sequence.Allocator, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{tx: tx, patients: patients, records: records, ids: ids, events: pub, now: time.Now}
}

// SaveAssessment stores a record for the named patient, creating the patient
// with a freshly allocated display ID when the name is new. Patient and
// record are written in one transaction; on failure neither exists and no
// display ID is used up.
func (s *Service) SaveAssessment(ctx context.Context, ownerID string, req SaveRequest) (*SaveResult, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	inputs, err := req.validate()
	if err != nil {
		return nil, err
	}
	risk := ParseLegacyRisk(req.Risk)
	recordedAt := req.RecordedAt
	if recordedAt == nil {
		t := s.now().UTC()
		recordedAt = &t
	}

	res, err := s.save(ctx, ownerID, req, inputs, risk, *recordedAt)
	// A concurrent save may have created the same patient between our lookup
	// and insert. The second attempt finds it.
	if errors.Is(err, ErrDuplicatePatient) {
		res, err = s.save(ctx, ownerID, req, inputs, risk, *recordedAt)
	}
	if err != nil {
		if db.IsConflict(err) {
			return nil, fmt.Errorf("%w: %w", sequence.ErrTransactionConflict, err)
		}
		return nil, err
	}

	s.publish(ctx, events.TypeAssessmentSaved, ownerID, "patient", res.Patient.ID.String(), map[string]any{
		"display_id": res.Patient.DisplayID,
		"record_id":  res.Record.ID,
		"created":    res.Created,
		"risk":       res.Record.Risk,
	})
	return res, nil
}

func (s *Service) save(ctx context.Context, ownerID string, req SaveRequest, inputs Inputs, risk RiskResult, recordedAt time.Time) (*SaveResult, error) {
	res := &SaveResult{}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.FindByName(ctx, ownerID, req.FirstName, req.LastName)
		switch {
		case errors.Is(err, ErrNotFound):
			displayID, err := s.ids.Next(ctx, ownerID)
			if err != nil {
				return fmt.Errorf("allocate display id: %w", err)
			}
			p = &Patient{
				OwnerID:   ownerID,
				DisplayID: displayID,
				FirstName: req.FirstName,
				LastName:  req.LastName,
				Age:       req.Age,
				Sex:       req.Sex,
			}
			if err := s.patients.Create(ctx, p); err != nil {
				return err
			}
			res.Created = true
		case err != nil:
			return fmt.Errorf("find patient: %w", err)
		}

		rec := &Record{
			PatientID:     p.ID,
			OwnerID:       ownerID,
			SchemaVersion: CurrentSchema,
			Inputs:        inputs,
			Risk:          risk,
			RecordedAt:    &recordedAt,
		}
		if err := s.records.Create(ctx, rec); err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		res.Patient, res.Record = p, rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetPatient returns the patient with its records, newest first.
func (s *Service) GetPatient(ctx context.Context, ownerID string, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	recs, err := s.records.ListByPatient(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	p.Records = recs
	return p, nil
}

func (s *Service) ListPatients(ctx context.Context, ownerID string, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, ownerID, limit, offset)
}

// DeletePatient removes the patient and all of its records. The display ID
// is not reused.
func (s *Service) DeletePatient(ctx context.Context, ownerID string, id uuid.UUID) error {
	if err := s.patients.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	s.publish(ctx, events.TypePatientDeleted, ownerID, "patient", id.String(), nil)
	return nil
}

func (s *Service) DeleteRecord(ctx context.Context, ownerID string, patientID, recordID uuid.UUID) error {
	if err := s.records.Delete(ctx, ownerID, patientID, recordID); err != nil {
		return err
	}
	s.publish(ctx, events.TypeRecordDeleted, ownerID, "record", recordID.String(), map[string]string{
		"patient_id": patientID.String(),
	})
	return nil
}

// Snapshot returns every patient of the owner with its records embedded,
// the input of the analytics aggregator.
func (s *Service) Snapshot(ctx context.Context, ownerID string) ([]*Patient, error) {
	patients, err := s.patients.ListAll(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	recs, err := s.records.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	byPatient := lo.GroupBy(recs, func(r *Record) uuid.UUID { return r.PatientID })
	for _, p := range patients {
		p.Records = byPatient[p.ID]
		if p.Records == nil {
			p.Records = []*Record{}
		}
	}
	return patients, nil
}

func (s *Service) publish(ctx context.Context, typ, ownerID, resourceType, resourceID string, payload any) {
	log := zerolog.Ctx(ctx)
	ev, err := events.New(typ, ownerID, resourceType, resourceID, payload)
	if err == nil {
		err = s.events.Publish(ctx, ev)
	}
	if err != nil {
		log.Warn().Err(err).Str("event", typ).Str("resource_id", resourceID).Msg("event not published")
	}
}

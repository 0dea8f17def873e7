package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardiorisk/cardiorisk/internal/platform/db"
)

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, owner_id, display_id, first_name, last_name, age, sex, created_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var sex *string
	if err := row.Scan(&p.ID, &p.OwnerID, &p.DisplayID, &p.FirstName, &p.LastName, &p.Age, &sex, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sex != nil {
		p.Sex = Sex(*sex)
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	var sex *string
	if p.Sex != "" {
		s := string(p.Sex)
		sex = &s
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, owner_id, display_id, first_name, last_name, age, sex)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		p.ID, p.OwnerID, p.DisplayID, p.FirstName, p.LastName, p.Age, sex).Scan(&p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s %s", ErrDuplicatePatient, p.FirstName, p.LastName)
	}
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE owner_id = $1 AND id = $2`, ownerID, id))
}

func (r *patientRepoPG) FindByName(ctx context.Context, ownerID, firstName, lastName string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE owner_id = $1 AND first_name = $2 AND last_name = $3`,
		ownerID, firstName, lastName))
}

func (r *patientRepoPG) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) List(ctx context.Context, ownerID string, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient WHERE owner_id = $1
		ORDER BY created_at DESC, display_id DESC LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectPatients(rows)
	return items, total, err
}

func (r *patientRepoPG) ListAll(ctx context.Context, ownerID string) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient WHERE owner_id = $1
		ORDER BY display_id`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectPatients(rows)
}

func collectPatients(rows pgx.Rows) ([]*Patient, error) {
	defer rows.Close()
	items := []*Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const recordCols = `id, patient_id, owner_id, schema_version, inputs, risk_level, risk_percentage, recorded_at, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var level *string
	var recordedAt *time.Time
	if err := row.Scan(&rec.ID, &rec.PatientID, &rec.OwnerID, &rec.SchemaVersion, &rec.Inputs,
		&level, &rec.Risk.Percentage, &recordedAt, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if level != nil {
		rec.Risk.Level = RiskLevel(*level)
	}
	rec.RecordedAt = recordedAt
	if rec.Inputs == nil {
		rec.Inputs = Inputs{}
	}
	return &rec, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	var level *string
	if rec.Risk.Level != RiskUnknown {
		l := string(rec.Risk.Level)
		level = &l
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO assessment_record (id, patient_id, owner_id, schema_version, inputs, risk_level, risk_percentage, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		rec.ID, rec.PatientID, rec.OwnerID, rec.SchemaVersion, map[string]any(rec.Inputs),
		level, rec.Risk.Percentage, rec.RecordedAt).Scan(&rec.CreatedAt)
}

func (r *recordRepoPG) ListByPatient(ctx context.Context, ownerID string, patientID uuid.UUID) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM assessment_record
		WHERE owner_id = $1 AND patient_id = $2
		ORDER BY recorded_at DESC NULLS LAST, created_at DESC`, ownerID, patientID)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *recordRepoPG) ListByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM assessment_record
		WHERE owner_id = $1
		ORDER BY recorded_at DESC NULLS LAST, created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *recordRepoPG) Delete(ctx context.Context, ownerID string, patientID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM assessment_record WHERE owner_id = $1 AND patient_id = $2 AND id = $3`,
		ownerID, patientID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	items := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

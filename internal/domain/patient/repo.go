package patient

import (
	"context"

	"github.com/google/uuid"
)

// PatientRepository stores patients. Every lookup is scoped to an owner; a
// patient belonging to somebody else is reported as ErrNotFound.
type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*Patient, error)
	FindByName(ctx context.Context, ownerID, firstName, lastName string) (*Patient, error)
	Delete(ctx context.Context, ownerID string, id uuid.UUID) error
	List(ctx context.Context, ownerID string, limit, offset int) ([]*Patient, int, error)
	ListAll(ctx context.Context, ownerID string) ([]*Patient, error)
}

type RecordRepository interface {
	Create(ctx context.Context, r *Record) error
	ListByPatient(ctx context.Context, ownerID string, patientID uuid.UUID) ([]*Record, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Record, error)
	Delete(ctx context.Context, ownerID string, patientID, id uuid.UUID) error
}

package patient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore backs both repositories with maps. It serves tests and the
// database-less development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]*Patient
	records  map[uuid.UUID]*Record
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients: make(map[uuid.UUID]*Patient),
		records:  make(map[uuid.UUID]*Record),
		now:      time.Now,
	}
}

func (m *MemoryStore) Patients() PatientRepository { return memoryPatients{m} }
func (m *MemoryStore) Records() RecordRepository   { return memoryRecords{m} }

type memoryPatients struct{ m *MemoryStore }

func (r memoryPatients) Create(_ context.Context, p *Patient) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.patients {
		if existing.OwnerID != p.OwnerID {
			continue
		}
		if existing.FirstName == p.FirstName && existing.LastName == p.LastName {
			return fmt.Errorf("%w: %s %s", ErrDuplicatePatient, p.FirstName, p.LastName)
		}
		if existing.DisplayID == p.DisplayID {
			return fmt.Errorf("%w: display id %d", ErrDuplicatePatient, p.DisplayID)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = m.now().UTC()
	cp := *p
	cp.Records = nil
	m.patients[p.ID] = &cp
	return nil
}

func (r memoryPatients) GetByID(_ context.Context, ownerID string, id uuid.UUID) (*Patient, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	p, ok := r.m.patients[id]
	if !ok || p.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r memoryPatients) FindByName(_ context.Context, ownerID, firstName, lastName string) (*Patient, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, p := range r.m.patients {
		if p.OwnerID == ownerID && p.FirstName == firstName && p.LastName == lastName {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r memoryPatients) Delete(_ context.Context, ownerID string, id uuid.UUID) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok || p.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.patients, id)
	for rid, rec := range m.records {
		if rec.PatientID == id {
			delete(m.records, rid)
		}
	}
	return nil
}

func (r memoryPatients) owned(ownerID string) []*Patient {
	items := []*Patient{}
	for _, p := range r.m.patients {
		if p.OwnerID == ownerID {
			cp := *p
			items = append(items, &cp)
		}
	}
	return items
}

func (r memoryPatients) List(_ context.Context, ownerID string, limit, offset int) ([]*Patient, int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	items := r.owned(ownerID)
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].DisplayID > items[j].DisplayID
	})
	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (r memoryPatients) ListAll(_ context.Context, ownerID string) ([]*Patient, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	items := r.owned(ownerID)
	sort.Slice(items, func(i, j int) bool { return items[i].DisplayID < items[j].DisplayID })
	return items, nil
}

type memoryRecords struct{ m *MemoryStore }

func (r memoryRecords) Create(_ context.Context, rec *Record) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.patients[rec.PatientID]; !ok || p.OwnerID != rec.OwnerID {
		return ErrNotFound
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = m.now().UTC()
	cp := *rec
	cp.Inputs = rec.Inputs.clone()
	m.records[rec.ID] = &cp
	return nil
}

func (r memoryRecords) list(match func(*Record) bool) []*Record {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	items := []*Record{}
	for _, rec := range r.m.records {
		if match(rec) {
			cp := *rec
			cp.Inputs = rec.Inputs.clone()
			items = append(items, &cp)
		}
	}
	sortRecordsNewestFirst(items)
	return items
}

func (r memoryRecords) ListByPatient(_ context.Context, ownerID string, patientID uuid.UUID) ([]*Record, error) {
	return r.list(func(rec *Record) bool {
		return rec.OwnerID == ownerID && rec.PatientID == patientID
	}), nil
}

func (r memoryRecords) ListByOwner(_ context.Context, ownerID string) ([]*Record, error) {
	return r.list(func(rec *Record) bool { return rec.OwnerID == ownerID }), nil
}

func (r memoryRecords) Delete(_ context.Context, ownerID string, patientID, id uuid.UUID) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.OwnerID != ownerID || rec.PatientID != patientID {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// sortRecordsNewestFirst orders by RecordedAt descending, undated records
// last, matching the SQL ORDER BY.
func sortRecordsNewestFirst(items []*Record) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].RecordedAt, items[j].RecordedAt
		switch {
		case a == nil && b == nil:
			return items[i].CreatedAt.After(items[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

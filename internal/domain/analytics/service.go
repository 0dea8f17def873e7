package analytics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardiorisk/cardiorisk/internal/domain/patient"
	"github.com/cardiorisk/cardiorisk/internal/platform/blobstore"
	"github.com/cardiorisk/cardiorisk/internal/platform/events"
)

var ErrExportNotFound = errors.New("export not found")

// SnapshotSource loads every patient of an owner with records embedded.
type SnapshotSource interface {
	Snapshot(ctx context.Context, ownerID string) ([]*patient.Patient, error)
}

// Export describes a stored report file. Name is unique within an owner.
type Export struct {
	Name        string    `json:"name"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

type Service struct {
	source     SnapshotSource
	store      blobstore.Store
	events     events.Publisher
	prefix     string
	defaultLoc *time.Location
	now        func() time.Time
}

// NewService builds the analytics service. Exports are stored under
// prefix/<owner>/. A nil defaultLoc means UTC.
func NewService(source SnapshotSource, store blobstore.Store, pub events.Publisher, prefix string, defaultLoc *time.Location) *Service {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{
		source:     source,
		store:      store,
		events:     pub,
		prefix:     strings.Trim(prefix, "/"),
		defaultLoc: defaultLoc,
		now:        time.Now,
	}
}

// Report aggregates the owner's current snapshot. A nil loc uses the
// service default.
func (s *Service) Report(ctx context.Context, ownerID string, loc *time.Location) (*Report, error) {
	if loc == nil {
		loc = s.defaultLoc
	}
	patients, err := s.source.Snapshot(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	report, err := Aggregate(patients, Options{Location: loc})
	if err != nil {
		return nil, err
	}
	generated := s.now().UTC()
	report.GeneratedAt = &generated

	if report.SkippedRecords > 0 {
		zerolog.Ctx(ctx).Warn().
			Int("skipped_records", report.SkippedRecords).
			Msg("records with unsupported schema left out of analytics")
	}
	return report, nil
}

// CreateExport renders the owner's report and stores it.
func (s *Service) CreateExport(ctx context.Context, ownerID string, format Format, loc *time.Location) (*Export, error) {
	report, err := s.Report(ctx, ownerID, loc)
	if err != nil {
		return nil, err
	}
	body, err := Render(report, format)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%s.%s", report.GeneratedAt.Format("20060102T150405Z"), uuid.NewString(), format)
	obj, err := s.store.Put(ctx, blobstore.Object{
		Key:         s.key(ownerID, name),
		ContentType: format.ContentType(),
		CreatedAt:   *report.GeneratedAt,
		Metadata:    map[string]string{"owner": ownerID, "format": string(format)},
	}, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("store export: %w", err)
	}

	exp := &Export{
		Name:        name,
		Format:      format,
		ContentType: obj.ContentType,
		Size:        obj.Size,
		Hash:        obj.Hash,
		CreatedAt:   obj.CreatedAt,
	}
	if ev, err := events.New(events.TypeExportCreated, ownerID, "analytics_export", name, exp); err == nil {
		if err := s.events.Publish(ctx, ev); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("export", name).Msg("event not published")
		}
	}
	return exp, nil
}

// OpenExport returns a stored export of the owner. Names that do not belong
// to the owner are reported as not found.
func (s *Service) OpenExport(ctx context.Context, ownerID, name string) (io.ReadCloser, *blobstore.Object, error) {
	if !validExportName(name) {
		return nil, nil, ErrExportNotFound
	}
	rc, obj, err := s.store.Get(ctx, s.key(ownerID, name))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil, ErrExportNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load export: %w", err)
	}
	return rc, obj, nil
}

func (s *Service) key(ownerID, name string) string {
	return path.Join(s.prefix, ownerSegment(ownerID), name)
}

// ownerSegment escapes an owner ID into exactly one key segment, so a
// subject containing "/" or ".." cannot address another owner's exports.
func ownerSegment(ownerID string) string {
	seg := url.PathEscape(ownerID)
	if seg == "." || seg == ".." {
		seg = strings.ReplaceAll(seg, ".", "%2E")
	}
	return seg
}

func validExportName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

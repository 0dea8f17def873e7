package profile

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns the stored profile, or an empty one for a user who never saved
// a name.
func (s *Service) Get(ctx context.Context, userID, email string) (*Profile, error) {
	p, err := s.repo.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		p, err = &Profile{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	p.Email = email
	return p, nil
}

func (s *Service) Update(ctx context.Context, userID, email string, req UpdateRequest) (*Profile, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	p := &Profile{UserID: userID, FirstName: req.FirstName, LastName: req.LastName}
	if err := s.repo.Upsert(ctx, p); err != nil {
		return nil, err
	}
	p.Email = email
	zerolog.Ctx(ctx).Info().Str("user_id", userID).Msg("profile updated")
	return p, nil
}

// Package profile stores the display name of the signed-in user.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound   = errors.New("profile not found")
	ErrValidation = errors.New("validation failed")
)

const maxNameLength = 100

// Profile maps to the app_user table. Email comes from the access token and
// is not stored.
type Profile struct {
	UserID    string    `json:"user_id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName joins the names the way the navigation bar shows them.
func (p *Profile) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type UpdateRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (r *UpdateRequest) normalize() error {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	if r.FirstName == "" || r.LastName == "" {
		return fmt.Errorf("%w: first_name and last_name are required", ErrValidation)
	}
	if utf8.RuneCountInString(r.FirstName) > maxNameLength || utf8.RuneCountInString(r.LastName) > maxNameLength {
		return fmt.Errorf("%w: names are limited to %d characters", ErrValidation, maxNameLength)
	}
	return nil
}

package users

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"carrental/internal/apperr"
)

// User is the decrypted view returned to API callers. Credentials never
// leave the service.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DirectoryEntry is what other services may look up. Name fields stay
// sealed; only holders of the PII key can read them.
type DirectoryEntry struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
}

// Registration is the input for creating a user.
type Registration struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
}

const (
	minPasswordLength = 6
	maxNameLength     = 100
	maxPhoneLength    = 20
)

func (r *Registration) Validate() error {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Phone = strings.TrimSpace(r.Phone)

	if _, err := mail.ParseAddress(r.Email); err != nil || r.Email == "" {
		return apperr.Validation("invalid email address")
	}
	switch {
	case len(r.Password) < minPasswordLength:
		return apperr.Validation("password must be at least %d characters", minPasswordLength)
	case r.FirstName == "" || len(r.FirstName) > maxNameLength:
		return apperr.Validation("first name must be 1-%d characters", maxNameLength)
	case r.LastName == "" || len(r.LastName) > maxNameLength:
		return apperr.Validation("last name must be 1-%d characters", maxNameLength)
	case len(r.Phone) > maxPhoneLength:
		return apperr.Validation("phone must be at most %d characters", maxPhoneLength)
	}
	return nil
}

// credential is the stored password material.
type credential struct {
	hash string
	salt string
}

type Stats struct {
	Total int64 `json:"total_users"`
}

// Summary is a decrypted directory entry as seen by other services.
type Summary struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
}

func (s Summary) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

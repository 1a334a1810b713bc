package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"carrental/internal/apperr"
	"carrental/internal/pii"
)

// ErrRateLimited is returned when too many password checks arrive at once.
var ErrRateLimited = errors.New("rate limit exceeded")

type service struct {
	db          *sql.DB
	codec       *pii.Codec
	log         *slog.Logger
	tracer      trace.Tracer
	rateLimiter *rate.Limiter
	now         func() time.Time
}

// NewService creates a new user directory instance.
func NewService(db *sql.DB, codec *pii.Codec, log *slog.Logger) Service {
	return &service{
		db:          db,
		codec:       codec,
		log:         log,
		tracer:      otel.Tracer("carrental/users"),
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute), 5),
		now:         time.Now,
	}
}

const userColumns = `id, email, first_name, last_name, phone, created_at, updated_at`

// userRow holds the sealed columns as read from storage.
type userRow struct {
	id                                uuid.UUID
	email, firstName, lastName, phone string
	createdAt, updatedAt              time.Time
}

func scanUser(row interface{ Scan(...any) error }) (*userRow, error) {
	var r userRow
	if err := row.Scan(&r.id, &r.email, &r.firstName, &r.lastName, &r.phone, &r.createdAt, &r.updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *service) open(r *userRow) (*User, error) {
	u := &User{ID: r.id, CreatedAt: r.createdAt, UpdatedAt: r.updatedAt}
	var err error
	if u.Email, err = s.codec.Decrypt(r.email); err != nil {
		return nil, err
	}
	if u.FirstName, err = s.codec.Decrypt(r.firstName); err != nil {
		return nil, err
	}
	if u.LastName, err = s.codec.Decrypt(r.lastName); err != nil {
		return nil, err
	}
	if u.Phone, err = s.codec.DecryptOptional(r.phone); err != nil {
		return nil, err
	}
	return u, nil
}

// RegisterUser seals every personal field before it reaches the database.
// Emails are unique by blind index.
func (s *service) RegisterUser(ctx context.Context, reg Registration) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "users.register")
	defer span.End()

	if err := reg.Validate(); err != nil {
		return nil, err
	}
	cred, err := hashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	sealed := make([]string, 3)
	for i, v := range []string{reg.Email, reg.FirstName, reg.LastName} {
		if sealed[i], err = s.codec.Encrypt(v); err != nil {
			return nil, err
		}
	}
	phone, err := s.codec.EncryptOptional(reg.Phone)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	u := &User{
		ID:        uuid.New(),
		Email:     reg.Email,
		FirstName: reg.FirstName,
		LastName:  reg.LastName,
		Phone:     reg.Phone,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, email_index, first_name, last_name, phone, password_hash, password_salt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, u.ID, sealed[0], s.codec.BlindIndex(reg.Email), sealed[1], sealed[2], phone,
		cred.hash, cred.salt, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperr.Conflict("user", apperr.ReasonDuplicate, "email already registered")
		}
		span.RecordError(err)
		return nil, fmt.Errorf("insert user: %w", err)
	}

	s.log.InfoContext(ctx, "user registered", "user_id", u.ID)
	return u, nil
}

func (s *service) load(ctx context.Context, id uuid.UUID) (*userRow, error) {
	r, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user", id)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return r, nil
}

// GetUser retrieves a user by ID with all fields decrypted.
func (s *service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.open(r)
}

// GetDirectoryEntry returns the sealed name of a user for other services.
func (s *service) GetDirectoryEntry(ctx context.Context, id uuid.UUID) (*DirectoryEntry, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DirectoryEntry{ID: r.id, FirstName: r.firstName, LastName: r.lastName}, nil
}

func (s *service) findRow(ctx context.Context, email string) (*userRow, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperr.Validation("email is required")
	}
	r, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email_index = $1`, s.codec.BlindIndex(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user", "with that email")
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return r, nil
}

// FindByEmail looks a user up through the email blind index.
func (s *service) FindByEmail(ctx context.Context, email string) (*User, error) {
	r, err := s.findRow(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.open(r)
}

func (s *service) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		r, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u, err := s.open(r)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// VerifyPassword checks a user's credentials and returns the user on success.
func (s *service) VerifyPassword(ctx context.Context, email, password string) (*User, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}
	r, err := s.findRow(ctx, email)
	if err != nil {
		return nil, err
	}
	var cred credential
	err = s.db.QueryRowContext(ctx, `SELECT password_hash, password_salt FROM users WHERE id = $1`, r.id).
		Scan(&cred.hash, &cred.salt)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	ok, err := cred.verify(password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Validation("invalid credentials")
	}
	return s.open(r)
}

func (s *service) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&st.Total); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	return &st, nil
}

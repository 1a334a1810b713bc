package users

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrental/internal/apperr"
	"carrental/internal/logger"
	"carrental/internal/pii"
)

func testCodec(t *testing.T) *pii.Codec {
	t.Helper()
	encoded, err := pii.GenerateKey()
	require.NoError(t, err)
	key, err := pii.ParseKey(encoded)
	require.NoError(t, err)
	c, err := pii.NewCodec(key)
	require.NoError(t, err)
	return c
}

func newTestService(t *testing.T) (*service, sqlmock.Sqlmock, *pii.Codec) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	codec := testCodec(t)
	return NewService(db, codec, logger.Discard()).(*service), mock, codec
}

var columns = []string{"id", "email", "first_name", "last_name", "phone", "created_at", "updated_at"}

func sealedRow(t *testing.T, codec *pii.Codec, id uuid.UUID) *sqlmock.Rows {
	t.Helper()
	seal := func(v string) string {
		out, err := codec.Encrypt(v)
		require.NoError(t, err)
		return out
	}
	now := time.Now()
	return sqlmock.NewRows(columns).
		AddRow(id.String(), seal("ada@example.com"), seal("Ada"), seal("Lovelace"), "", now, now)
}

func validRegistration() Registration {
	return Registration{Email: " Ada@Example.com ", Password: "secret1", FirstName: "Ada", LastName: "Lovelace"}
}

func TestRegisterUserSealsFields(t *testing.T) {
	svc, mock, codec := newTestService(t)

	mock.ExpectExec("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), codec.BlindIndex("ada@example.com"),
			sqlmock.AnyArg(), sqlmock.AnyArg(), "", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	u, err := svc.RegisterUser(context.Background(), validRegistration())
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.Equal(t, "Ada", u.FirstName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterUserDuplicateEmail(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.ExpectExec("INSERT INTO users").WillReturnError(&pq.Error{Code: "23505"})

	_, err := svc.RegisterUser(context.Background(), validRegistration())
	assert.ErrorIs(t, err, apperr.ErrDuplicate)
}

func TestRegistrationValidation(t *testing.T) {
	cases := map[string]func(*Registration){
		"bad email":      func(r *Registration) { r.Email = "not-an-email" },
		"short password": func(r *Registration) { r.Password = "12345" },
		"no first name":  func(r *Registration) { r.FirstName = " " },
		"long last name": func(r *Registration) { r.LastName = string(make([]byte, 101)) },
		"long phone":     func(r *Registration) { r.Phone = "+49 123 456 789 012 345" },
	}
	for name, mutate := range cases {
		r := validRegistration()
		mutate(&r)
		assert.ErrorIs(t, r.Validate(), apperr.ErrValidation, name)
	}
}

func TestGetUserDecrypts(t *testing.T) {
	svc, mock, codec := newTestService(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").WithArgs(id).WillReturnRows(sealedRow(t, codec, id))

	u, err := svc.GetUser(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Lovelace", u.LastName)
	assert.Empty(t, u.Phone)
}

func TestGetUserNotFound(t *testing.T) {
	svc, mock, _ := newTestService(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").WithArgs(id).WillReturnError(sql.ErrNoRows)

	_, err := svc.GetUser(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDirectoryEntryStaysSealed(t *testing.T) {
	svc, mock, codec := newTestService(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").WithArgs(id).WillReturnRows(sealedRow(t, codec, id))

	e, err := svc.GetDirectoryEntry(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, "Ada", e.FirstName)
	first, err := codec.Decrypt(e.FirstName)
	require.NoError(t, err)
	assert.Equal(t, "Ada", first)
}

func TestFindByEmailUsesBlindIndex(t *testing.T) {
	svc, mock, codec := newTestService(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE email_index").
		WithArgs(codec.BlindIndex("ada@example.com")).
		WillReturnRows(sealedRow(t, codec, id))

	u, err := svc.FindByEmail(context.Background(), "ADA@example.com ")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
}

func TestGetUserCorruptCiphertext(t *testing.T) {
	svc, mock, _ := newTestService(t)
	id := uuid.New()
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(id.String(), "v1.garbage", "x", "y", "", now, now))

	_, err := svc.GetUser(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrDecryption)
}

func TestVerifyPassword(t *testing.T) {
	svc, mock, codec := newTestService(t)
	id := uuid.New()
	cred, err := hashPassword("secret1")
	require.NoError(t, err)

	expect := func() {
		mock.ExpectQuery("SELECT (.+) FROM users WHERE email_index").WillReturnRows(sealedRow(t, codec, id))
		mock.ExpectQuery("SELECT password_hash, password_salt FROM users").WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"password_hash", "password_salt"}).AddRow(cred.hash, cred.salt))
	}

	expect()
	u, err := svc.VerifyPassword(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)

	expect()
	_, err = svc.VerifyPassword(context.Background(), "ada@example.com", "wrong")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStats(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	st, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.Total)
}

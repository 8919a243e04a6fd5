package identity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService() *Service {
	cfg := DefaultConfig()
	cfg.BcryptCost = bcrypt.MinCost
	return NewService(NewMemoryStore(), cfg)
}

func validRegistration() Registration {
	return Registration{
		Name:       "Dr. Sarah Johnson",
		Email:      "Sarah.Johnson@clinic.org",
		Password:   "password123",
		Role:       "physician",
		Department: "Cardiology",
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	acct, err := svc.Register(ctx, validRegistration())
	require.NoError(t, err)
	assert.NotEmpty(t, acct.ID)
	assert.Equal(t, "sarah.johnson@clinic.org", acct.Email)
	assert.NotEqual(t, "password123", acct.PasswordHash)

	got, err := svc.Authenticate(ctx, "  SARAH.johnson@clinic.org", "password123")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
}

func TestAuthenticateRejects(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	_, err := svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "sarah.johnson@clinic.org", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@clinic.org", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterDuplicate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	_, err := svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	_, err = svc.Register(ctx, validRegistration())
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService()

	tests := []struct {
		name  string
		edit  func(r *Registration)
		field string
	}{
		{"missing name", func(r *Registration) { r.Name = "" }, "name"},
		{"missing password", func(r *Registration) { r.Password = "" }, "password"},
		{"long password", func(r *Registration) { r.Password = strings.Repeat("p", MaxPasswordBytes+1) }, "password"},
		{"bad email", func(r *Registration) { r.Email = "not-an-email" }, "email"},
		{"unknown role", func(r *Registration) { r.Role = "janitor" }, "role"},
		{"unknown department", func(r *Registration) { r.Department = "Mars" }, "department"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRegistration()
			tt.edit(&r)

			_, err := svc.Register(context.Background(), r)
			var fe *FieldError
			require.True(t, errors.As(err, &fe), "expected FieldError, got %v", err)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestRegisterLongestPassword(t *testing.T) {
	svc := newTestService()
	r := validRegistration()
	r.Password = strings.Repeat("p", MaxPasswordBytes)

	acct, err := svc.Register(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, CheckPassword(acct, r.Password))
}

func TestLookup(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Lookup(ctx, "missing@clinic.org")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = svc.Register(ctx, validRegistration())
	require.NoError(t, err)
	acct, err := svc.Lookup(ctx, "sarah.johnson@clinic.org")
	require.NoError(t, err)
	assert.Equal(t, "Cardiology", acct.Department)
}

func TestMemoryStoreExists(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.Exists(ctx, "a@b.org")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Create(ctx, Account{Email: "A@b.org"})
	require.NoError(t, err)

	ok, _ = s.Exists(ctx, "a@b.org")
	assert.True(t, ok)
}

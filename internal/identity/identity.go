// Package identity holds account records and password authentication.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAccountExists      = errors.New("identity: account already exists")
	ErrAccountNotFound    = errors.New("identity: account not found")
	ErrInvalidCredentials = errors.New("identity: invalid email or password")
)

// Account is a registered user.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Department   string    `json:"department"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists accounts keyed by normalized email.
type Store interface {
	// Find returns nil, nil when no account has the email.
	Find(ctx context.Context, email string) (*Account, error)
	// Create fails with ErrAccountExists when the email is taken.
	Create(ctx context.Context, a Account) (Account, error)
	Exists(ctx context.Context, email string) (bool, error)
}

// NormalizeEmail lower-cases and trims an address for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Config holds registration policy.
type Config struct {
	BcryptCost  int      `toml:"bcrypt_cost" json:"bcrypt_cost" yaml:"bcrypt_cost"`
	Roles       []string `toml:"roles" json:"roles" yaml:"roles"`
	Departments []string `toml:"departments" json:"departments" yaml:"departments"`
}

// DefaultConfig returns the stock registration policy.
func DefaultConfig() Config {
	return Config{
		BcryptCost:  12,
		Roles:       []string{"physician", "nurse", "admin"},
		Departments: []string{"Cardiology", "Neurology", "Emergency", "Pediatrics", "Oncology", "IT", "Administration"},
	}
}

// Registration is the input to Register.
type Registration struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

// FieldError reports one invalid registration field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Service registers and authenticates accounts.
type Service struct {
	store Store
	cfg   Config
	now   func() time.Time

	// dummy hash compared on unknown emails so lookups take similar time
	dummyOnce sync.Once
	dummy     []byte
}

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

// NewService creates a service over store.
func NewService(store Store, cfg Config) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{store: store, cfg: cfg, now: time.Now}
}

// Validate checks a registration against the policy.
func (s *Service) Validate(r Registration) error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return &FieldError{"name", "is required"}
	case strings.TrimSpace(r.Email) == "":
		return &FieldError{"email", "is required"}
	case r.Password == "":
		return &FieldError{"password", "is required"}
	case len(r.Password) > MaxPasswordBytes:
		return &FieldError{"password", fmt.Sprintf("must be at most %d bytes", MaxPasswordBytes)}
	case r.Role == "":
		return &FieldError{"role", "is required"}
	case r.Department == "":
		return &FieldError{"department", "is required"}
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return &FieldError{"email", "is not a valid address"}
	}
	if len(s.cfg.Roles) > 0 && !slices.Contains(s.cfg.Roles, r.Role) {
		return &FieldError{"role", "must be one of " + strings.Join(s.cfg.Roles, ", ")}
	}
	if len(s.cfg.Departments) > 0 && !slices.Contains(s.cfg.Departments, r.Department) {
		return &FieldError{"department", "is not a known department"}
	}
	return nil
}

// Register validates r, hashes the password and creates the account.
func (s *Service) Register(ctx context.Context, r Registration) (Account, error) {
	if err := s.Validate(r); err != nil {
		return Account{}, err
	}

	email := NormalizeEmail(r.Email)
	exists, err := s.store.Exists(ctx, email)
	if err != nil {
		return Account{}, fmt.Errorf("check account: %w", err)
	}
	if exists {
		return Account{}, ErrAccountExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(r.Password), s.cfg.BcryptCost)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}

	return s.store.Create(ctx, Account{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(r.Name),
		Email:        email,
		PasswordHash: string(hash),
		Role:         r.Role,
		Department:   r.Department,
		CreatedAt:    s.now().UTC(),
	})
}

// Authenticate checks an email and password pair.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Account, error) {
	acct, err := s.store.Find(ctx, NormalizeEmail(email))
	if err != nil {
		return Account{}, fmt.Errorf("find account: %w", err)
	}
	if acct == nil {
		bcrypt.CompareHashAndPassword(s.dummyHash(), []byte(password))
		return Account{}, ErrInvalidCredentials
	}
	if !CheckPassword(*acct, password) {
		return Account{}, ErrInvalidCredentials
	}
	return *acct, nil
}

// Lookup returns the account for email or ErrAccountNotFound.
func (s *Service) Lookup(ctx context.Context, email string) (Account, error) {
	acct, err := s.store.Find(ctx, NormalizeEmail(email))
	if err != nil {
		return Account{}, fmt.Errorf("find account: %w", err)
	}
	if acct == nil {
		return Account{}, ErrAccountNotFound
	}
	return *acct, nil
}

// CheckPassword reports whether password matches the account's hash.
func CheckPassword(a Account, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

func (s *Service) dummyHash() []byte {
	s.dummyOnce.Do(func() {
		s.dummy, _ = bcrypt.GenerateFromPassword([]byte(uuid.NewString()), s.cfg.BcryptCost)
	})
	return s.dummy
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

func (m *MemoryStore) Find(_ context.Context, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStore) Create(_ context.Context, a Account) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.Email = NormalizeEmail(a.Email)
	if _, ok := m.accounts[a.Email]; ok {
		return Account{}, ErrAccountExists
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.accounts[a.Email] = a
	return a, nil
}

func (m *MemoryStore) Exists(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.accounts[NormalizeEmail(email)]
	return ok, nil
}

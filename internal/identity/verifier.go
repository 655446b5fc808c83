package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

// Verifier checks a secondary identity number against a registry.
type Verifier interface {
	Verify(ctx context.Context, identityNumber string) (bool, error)
}

// NormalizeIdentityNumber strips spaces and hyphens and rejects anything that
// is not a digit string.
func NormalizeIdentityNumber(raw string) (string, error) {
	n := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	if n == "" {
		return "", fmt.Errorf("%w: identity number is required", ErrInvalidInput)
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: identity number must be numeric", ErrInvalidInput)
		}
	}
	return n, nil
}

// MemoryRegistry is a fixed set of known identity numbers.
type MemoryRegistry struct {
	mu      sync.RWMutex
	numbers map[string]struct{}
}

// NewMemoryRegistry builds a registry from the given numbers. Malformed
// entries are skipped.
func NewMemoryRegistry(numbers ...string) *MemoryRegistry {
	r := &MemoryRegistry{numbers: make(map[string]struct{})}
	for _, n := range numbers {
		r.Add(n)
	}
	return r
}

type registryFile struct {
	IdentityNumbers []string `yaml:"identity_numbers"`
}

// LoadRegistryFile reads a YAML document of the form
//
//	identity_numbers:
//	  - "123412341234"
func LoadRegistryFile(path string) (*MemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity registry: %w", err)
	}
	var doc registryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse identity registry %s: %w", path, err)
	}
	return NewMemoryRegistry(doc.IdentityNumbers...), nil
}

// Add registers a number.
func (r *MemoryRegistry) Add(number string) {
	n, err := NormalizeIdentityNumber(number)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.numbers[n] = struct{}{}
	r.mu.Unlock()
}

// Len returns the number of registered identities.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.numbers)
}

func (r *MemoryRegistry) Verify(ctx context.Context, identityNumber string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n, err := NormalizeIdentityNumber(identityNumber)
	if err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.numbers[n]
	return ok, nil
}

// PostgresRegistry looks numbers up in the identity_registry table.
type PostgresRegistry struct {
	db *pgxpool.Pool
}

// NewPostgresRegistry builds a Postgres-backed verifier.
func NewPostgresRegistry(db *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) Verify(ctx context.Context, identityNumber string) (bool, error) {
	n, err := NormalizeIdentityNumber(identityNumber)
	if err != nil {
		return false, err
	}
	var ok bool
	err = r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identity_registry WHERE identity_number = $1)`, n).Scan(&ok)
	return ok, err
}

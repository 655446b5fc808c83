package identity

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrUserExists          = errors.New("user already exists")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrIdentityNotVerified = errors.New("identity number not verified")
)

// User is a registered wallet owner. ID is the subject id that owns the
// ledger account.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	TokenVersion int
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Credentials carries sign-up and sign-in input.
type Credentials struct {
	Email          string
	Password       string
	IdentityNumber string
}

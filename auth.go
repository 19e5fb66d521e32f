package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/coneno/logger"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthenticated is returned when neither the local nor the EDC account
// store accepts the credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// AccountStore is the local account lookup.
type AccountStore interface {
	AccountByUsername(ctx context.Context, username string) (*Account, error)
}

// EDCPasswordSource returns the stored password hash of an EDC user.
type EDCPasswordSource interface {
	AccountPasswordHash(ctx context.Context, username string) (string, error)
}

// CredentialVerifier authenticates header credentials against the local
// store and, when configured, the EDC account table.
type CredentialVerifier struct {
	accounts AccountStore
	edc      EDCPasswordSource
}

// NewCredentialVerifier builds a verifier. edc is nil when the EDC database
// is not configured.
func NewCredentialVerifier(accounts AccountStore, edc EDCPasswordSource) *CredentialVerifier {
	return &CredentialVerifier{accounts: accounts, edc: edc}
}

// Authenticate resolves the account of username. Lookup failures are logged
// and reported as ErrUnauthenticated so callers cannot tell which factor
// failed.
func (v *CredentialVerifier) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	if username == "" || password == "" {
		return nil, ErrUnauthenticated
	}

	acc, err := v.accounts.AccountByUsername(ctx, username)
	if err != nil {
		logger.Error.Printf("Authenticate: account lookup for %s: %v", username, err)
		return nil, ErrUnauthenticated
	}
	if acc == nil {
		logger.Debug.Printf("Authenticate: unknown account %s", username)
		return nil, ErrUnauthenticated
	}
	if passwordMatches(acc.Password, password) {
		return acc, nil
	}

	if v.edc == nil {
		return nil, ErrUnauthenticated
	}
	hash, err := v.edc.AccountPasswordHash(ctx, acc.EDCUsername())
	if err != nil {
		logger.Error.Printf("Authenticate: edc password lookup for %s: %v", acc.EDCUsername(), err)
		return nil, ErrUnauthenticated
	}
	if hash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(password)) == 1 {
		return acc, nil
	}
	return nil, ErrUnauthenticated
}

func isBcrypt(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

// passwordMatches compares against a bcrypt hash when the stored value is
// one, otherwise by plain equality.
func passwordMatches(stored, supplied string) bool {
	if stored == "" {
		return false
	}
	if isBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// HashPassword is used by operators to provision bcrypt account passwords.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher wraps bcrypt (golang.org/x/crypto, already the teacher's
// dependency for its other crypto/* subpackages) with a process-wide pepper
// supplied by the caller, per spec.md §4.4's "adaptive KDF with
// per-user salt and a process-wide pepper" requirement — bcrypt supplies the
// per-user salt internally; the pepper is appended before hashing so a
// leaked password-hash column alone cannot be offline-bruteforced.
type PasswordHasher struct {
	pepper []byte
	cost   int
}

// NewPasswordHasher builds a hasher with the given pepper. cost is the
// bcrypt work factor; 0 selects bcrypt.DefaultCost.
func NewPasswordHasher(pepper []byte, cost int) *PasswordHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{pepper: pepper, cost: cost}
}

func (h *PasswordHasher) peppered(password string) []byte {
	return append([]byte(password), h.pepper...)
}

// Hash returns a bcrypt hash of password+pepper.
func (h *PasswordHasher) Hash(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword(h.peppered(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(out), nil
}

// Verify reports whether password+pepper matches hash.
func (h *PasswordHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), h.peppered(password)) == nil
}

// Package passcode generates and verifies the shared team passcodes. Only the
// bcrypt hash ever leaves this package; the raw passcode is shown to the user
// once at creation or reset and is never persisted.
package passcode

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	// Length of generated passcodes. Joining players type these by hand,
	// so they stay short; bcrypt and the join rate make up for the small
	// keyspace.
	Length = 8

	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Authenticator hashes and verifies passcodes at a fixed bcrypt cost.
type Authenticator struct {
	cost int
}

// New returns an Authenticator. cost is the bcrypt cost; values outside the
// valid bcrypt range fall back to bcrypt.DefaultCost. Verification latency
// grows exponentially with cost, so deployments with many concurrent joins
// should keep it at the default.
func New(cost int) *Authenticator {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Authenticator{cost: cost}
}

// Generate produces a cryptographically random alphanumeric passcode.
func Generate() (string, error) {
	buf := make([]byte, Length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading randomness for passcode: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}

// Hash returns the salted bcrypt hash of passcode.
func (a *Authenticator) Hash(passcode string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), a.cost)
	if err != nil {
		return "", fmt.Errorf("hashing passcode: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether passcode matches hash. A mismatch is a normal
// outcome, not an error; only malformed hashes would make this return false
// for a correct passcode.
func (a *Authenticator) Verify(passcode, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passcode)) == nil
}

// Package userrepo is C9: the user/key repository. It resolves a username
// to its RSA key material and account metadata (expiry, candidate proxy
// servers) for both the agent side (which holds its own username's full key
// pair and a set of proxy servers to pool connections against) and the
// proxy side (which only ever needs a user's public key, to wrap a
// handshake response).
package userrepo

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
)

// Record is one user's resolved identity.
type Record struct {
	Username     string
	PublicKey    *rsa.PublicKey
	PrivateKey   *rsa.PrivateKey // nil when the repository only ever needs to wrap, not unwrap
	ExpiredAt    *time.Time
	Description  string
	Email        string
	ProxyServers []string // candidate proxy addresses, agent-side manifests only
}

// Expired reports whether the record's expiry (if any) has passed.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiredAt != nil && now.After(*r.ExpiredAt)
}

// Repository resolves usernames to Records. Get returns
// relayerr.ErrUserNotFound if the username is unknown, or
// relayerr.ErrUserExpired if it's known but past its expiry.
type Repository interface {
	Get(username string) (*Record, error)
	// GetAny returns an arbitrary non-expired record, used by an agent that
	// hasn't been told which identity to authenticate as and falls back to
	// "whichever one this node has," and by a proxy to pick its own identity.
	GetAny() (*Record, error)
}

// lookup validates expiry uniformly so every Repository implementation gets
// the same ErrUserExpired behavior for free.
func lookup(rec *Record, ok bool, username string) (*Record, error) {
	if !ok {
		return nil, fmt.Errorf("%w: %s", relayerr.ErrUserNotFound, username)
	}
	if rec.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: %s", relayerr.ErrUserExpired, username)
	}
	return rec, nil
}

// PublicKeyLookup adapts a Repository to connlib.PublicKeyLookup without
// connlib needing to import this package.
func PublicKeyLookup(repo Repository) func(string) (*rsa.PublicKey, error) {
	return func(username string) (*rsa.PublicKey, error) {
		rec, err := repo.Get(username)
		if err != nil {
			return nil, err
		}
		return rec.PublicKey, nil
	}
}

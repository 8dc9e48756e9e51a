package authn

import (
	"crypto/rsa"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet holds the current, next, and previous signing keys for access token
// verification. "current" signs new tokens; "next" is held so a
// future-dated rotation can be pre-staged without an outage; "previous" is
// accepted so tokens minted before the last rotation keep validating until
// they expire naturally.
//
// Tokens signed with "next" are rejected: the rotation has not gone live yet,
// so a token bearing that kid could only be forged or clock-skewed.
type KeySet struct {
	mu       sync.RWMutex
	current  namedKey
	next     *namedKey
	previous *namedKey
}

type namedKey struct {
	kid string
	key *rsa.PublicKey
}

// NewKeySet constructs a KeySet with only a current key configured.
func NewKeySet(currentKid string, currentKey *rsa.PublicKey) *KeySet {
	return &KeySet{current: namedKey{kid: currentKid, key: currentKey}}
}

// Rotate makes the given key current, records the outgoing current key as
// previous so recently issued tokens keep validating, and clears any staged
// next key.
func (ks *KeySet) Rotate(newCurrentKid string, newCurrentKey *rsa.PublicKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	prev := ks.current
	ks.previous = &prev
	ks.current = namedKey{kid: newCurrentKid, key: newCurrentKey}
	ks.next = nil
}

// StageNext records a future signing key that will become current on the
// next Rotate call, without accepting it for verification yet.
func (ks *KeySet) StageNext(kid string, key *rsa.PublicKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.next = &namedKey{kid: kid, key: key}
}

// Lookup returns the public key for kid if it is the current or previous
// signer. A kid matching the staged "next" key returns ok=false: that
// rotation has not gone live, so the token was either minted prematurely by
// a misconfigured signer or its kid is stale/tampered.
func (ks *KeySet) Lookup(kid string) (*rsa.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if kid == ks.current.kid {
		return ks.current.key, true
	}
	if ks.previous != nil && kid == ks.previous.kid {
		return ks.previous.key, true
	}
	return nil, false
}

// Keyfunc returns a jwt.Keyfunc bound to this KeySet, used by Verifier.
func (ks *KeySet) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, jwt.ErrTokenMalformed
	}
	key, ok := ks.Lookup(kid)
	if !ok {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return key, nil
}

// Package authz implements static bearer-token verification for transports.
//
// Tokens are compared in constant time: the presented token is reduced to a
// fixed-width SHA-256 digest and compared against every configured token's
// digest with crypto/subtle, so neither token length nor a prefix match can
// leak through timing. A wrong-length token costs exactly as many comparison
// calls as a right-length one.
package authz

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync/atomic"
)

// Verifier checks presented bearer tokens against a configured set.
// The zero-token Verifier rejects everything.
type Verifier struct {
	digests [][sha256.Size]byte

	// compares counts ConstantTimeCompare invocations. Tests use it to prove
	// the comparison count is independent of the presented token.
	compares atomic.Uint64
}

// New builds a Verifier from the configured token set.
func New(tokens []string) *Verifier {
	v := &Verifier{digests: make([][sha256.Size]byte, 0, len(tokens))}
	for _, t := range tokens {
		v.digests = append(v.digests, sha256.Sum256([]byte(t)))
	}
	return v
}

// Verify reports whether token matches any configured token. Every configured
// token is compared on every call; there is no early exit on match.
func (v *Verifier) Verify(token string) bool {
	presented := sha256.Sum256([]byte(token))

	match := 0
	for i := range v.digests {
		v.compares.Add(1)
		match |= subtle.ConstantTimeCompare(presented[:], v.digests[i][:])
	}
	return match == 1
}

// Compares returns the cumulative number of digest comparisons performed.
func (v *Verifier) Compares() uint64 {
	return v.compares.Load()
}

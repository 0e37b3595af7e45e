package supervisor

import "sync/atomic"

// Token is the write-once victory flag shared between the supervisors of one
// round. The first supervisor to confirm a candidate sets it; everyone else
// observes the set token and stands down.
type Token struct {
	set atomic.Bool
}

// NewToken returns an unset token.
func NewToken() *Token {
	return &Token{}
}

// Set flips the token and reports whether this call performed the
// transition. A false return means some other supervisor won the race.
func (t *Token) Set() bool {
	return t.set.CompareAndSwap(false, true)
}

// IsSet reports whether the token has been set.
func (t *Token) IsSet() bool {
	return t.set.Load()
}

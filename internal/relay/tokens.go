package relay

import "sync"

// TokenRing rotates market refresh requests over a fixed token list. It is
// shared by every relay connection so each token is asked for in turn.
type TokenRing struct {
	mu     sync.Mutex
	tokens []string
	next   int
}

// NewTokenRing creates a ring over tokens.
func NewTokenRing(tokens []string) *TokenRing {
	return &TokenRing{tokens: append([]string(nil), tokens...)}
}

// Take returns up to n tokens, continuing where the previous call stopped.
func (r *TokenRing) Take(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tokens) == 0 || n <= 0 {
		return nil
	}
	n = min(n, len(r.tokens))
	out := make([]string, 0, n)
	for range n {
		out = append(out, r.tokens[r.next])
		r.next = (r.next + 1) % len(r.tokens)
	}
	return out
}

// Len returns the number of tokens in the ring.
func (r *TokenRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

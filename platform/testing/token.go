package testing

import (
	"context"
	"sync/atomic"
)

// TokenProviderStub is a token provider returning Token or Err.
// When Gate is non-nil, FetchToken waits for it to be closed or for ctx.
type TokenProviderStub struct {
	Token string
	Err   error
	Gate  chan struct{}

	calls atomic.Int32
}

// FetchToken implements platform.TokenProvider.
func (s *TokenProviderStub) FetchToken(ctx context.Context) (string, error) {
	s.calls.Add(1)
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.Token, nil
}

// Calls returns how many times FetchToken was called.
func (s *TokenProviderStub) Calls() int {
	return int(s.calls.Load())
}

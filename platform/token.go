package platform

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// TokenProvider supplies bearer tokens for requests with TokenRequired set.
// FetchToken is called on its own goroutine and should honor ctx, which is
// cancelled when the request is cancelled before dispatch.
type TokenProvider interface {
	FetchToken(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) FetchToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken always returns the same token.
type StaticToken string

func (t StaticToken) FetchToken(context.Context) (string, error) {
	return string(t), nil
}

// TokenSourceProvider adapts an oauth2.TokenSource. Tokens are cached until
// they expire.
func TokenSourceProvider(ts oauth2.TokenSource) TokenProvider {
	return &tokenSourceProvider{ts: oauth2.ReuseTokenSource(nil, ts)}
}

type tokenSourceProvider struct {
	ts oauth2.TokenSource
}

func (p *tokenSourceProvider) FetchToken(ctx context.Context) (string, error) {
	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tok, err := p.ts.Token()
		ch <- result{tok, err}
	}()

	select {
	case <-ctx.Done():
		return "", context.Cause(ctx)
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		if !r.tok.Valid() {
			return "", errors.New("platform: token source returned an invalid token")
		}
		return r.tok.AccessToken, nil
	}
}

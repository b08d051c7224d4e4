package session

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// tokenSource adapts the coordinator to oauth2.TokenSource so libraries
// that accept one (cloud SDKs, generated API clients) ride the same
// single-flight refresh as the rest of the application.
type tokenSource struct {
	ctx   context.Context
	store TokenStore
	coord *Coordinator
	skew  time.Duration
	now   func() time.Time
}

// TokenSource returns an oauth2.TokenSource view of the session. ctx
// bounds any refresh the source has to perform.
func (c *Controller) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{
		ctx:   ctx,
		store: c.store,
		coord: c.coord,
		skew:  c.cfg.Refresh.SkewBuffer,
		now:   c.now,
	}
}

// Token implements oauth2.TokenSource. A still-valid access token is
// returned as-is; an expiring one is renewed through the coordinator.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	access := ts.store.Access()
	if access != "" && !expiresWithin(access, ts.skew, ts.now()) {
		return ts.wrap(access), nil
	}

	access, err := ts.coord.Refresh(ts.ctx)
	if err != nil {
		return nil, err
	}
	return ts.wrap(access), nil
}

func (ts *tokenSource) wrap(access string) *oauth2.Token {
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if exp, err := TokenExpiry(access); err == nil {
		tok.Expiry = exp
	}
	return tok
}

package session

import (
	"io"
	"log/slog"
	"net/http"

	"authkit/api"
)

// Transport is an http.RoundTripper that attaches the current access token
// as a bearer credential and, on a 401 from a protected endpoint, waits on
// the shared Coordinator for a fresh token and replays the request exactly
// once. Requests to the credential endpoints pass through untouched by the
// recovery logic; their failures are terminal.
type Transport struct {
	base   http.RoundTripper
	store  TokenStore
	coord  *Coordinator
	logger *slog.Logger
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, store TokenStore, coord *Coordinator, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, store: store, coord: coord, logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if api.IsAuthEndpoint(req.URL.Path) {
		return t.base.RoundTrip(withBearer(req, t.store.Access()))
	}

	resp, err := t.base.RoundTrip(withBearer(req, t.store.Access()))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// A request whose body cannot be rebuilt cannot be replayed; surface
	// the 401 as-is.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	access, rerr := t.coord.Refresh(req.Context())
	if rerr != nil {
		t.logger.Debug("replay_abandoned", "path", req.URL.Path, "error", rerr)
		return nil, rerr
	}

	t.logger.Debug("replay_after_refresh", "path", req.URL.Path)
	replay, err := rewind(req)
	if err != nil {
		return nil, err
	}
	// Single replay only: a second 401 with a just-refreshed token means
	// the server is rejecting the session itself, not an expired token.
	return t.base.RoundTrip(withBearer(replay, access))
}

func withBearer(req *http.Request, access string) *http.Request {
	out := req.Clone(req.Context())
	if access != "" {
		out.Header.Set("Authorization", "Bearer "+access)
	}
	return out
}

func rewind(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}

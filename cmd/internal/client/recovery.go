package client

import (
	"context"
	"fmt"
	"net/http"

	"goldvision/cmd/internal/transport"
)

// Attempt carries the per-request recovery flags. It travels with one
// original request through its replays and is never shared.
type Attempt struct {
	RetriedForAuth        bool
	RetriedForAntiForgery bool
}

// verdict is the outcome of classifying one response.
type verdict struct {
	replay bool
	reason string
	err    error
}

// recoverFrom classifies err for req. sentBearer is the Authorization value
// the failed request carried.
func (c *Client) recoverFrom(ctx context.Context, req *transport.Request, at *Attempt, sentBearer string, err error) verdict {
	se, ok := transport.AsStatus(err)
	if !ok {
		return verdict{err: err}
	}

	switch {
	case se.Status == http.StatusUnauthorized && !isAuthEndpoint(req.Path):
		if at.RetriedForAuth {
			return verdict{err: err}
		}
		at.RetriedForAuth = true
		return c.recoverAuth(ctx, req, sentBearer)

	case se.IsAntiForgery():
		if at.RetriedForAntiForgery {
			return verdict{err: err}
		}
		at.RetriedForAntiForgery = true
		return c.recoverAntiForgery(ctx, req, se)
	}

	return verdict{err: err}
}

func (c *Client) recoverAuth(ctx context.Context, req *transport.Request, sentBearer string) verdict {
	// Another request already rotated the credential after this one was sent.
	if cur := c.t.DefaultHeader(transport.HeaderAuthorization); cur != "" && cur != sentBearer {
		c.log.Debug("client.replay", "reason", "rotated", "path", req.Path)
		return verdict{replay: true, reason: "auth_rotated"}
	}

	if _, err := c.tokens.Refresh(ctx); err != nil {
		return verdict{err: err}
	}
	c.log.Debug("client.replay", "reason", "auth", "path", req.Path)
	return verdict{replay: true, reason: "auth"}
}

func (c *Client) recoverAntiForgery(ctx context.Context, req *transport.Request, se *transport.StatusError) verdict {
	if tok := c.csrf.Ensure(ctx, true); tok != "" {
		c.log.Debug("client.replay", "reason", "csrf", "path", req.Path)
		return verdict{replay: true, reason: "csrf"}
	}

	if tok := c.resetSession(ctx, req.Header.Get(transport.HeaderSessionID), req.Path); tok == "" {
		return verdict{err: fmt.Errorf("%w: %w", ErrAntiForgeryUnrecoverable, se)}
	}
	c.log.Debug("client.replay", "reason", "csrf_reset", "path", req.Path)
	return verdict{replay: true, reason: "csrf_reset"}
}

// resetSession discards the session stale and fetches a token for a fresh
// one. A caller whose session was already replaced by another reset keeps
// the new session and only makes sure its token is cached.
func (c *Client) resetSession(ctx context.Context, stale, path string) string {
	tok, _, err := c.reset.Do(ctx, func(ctx context.Context) (string, error) {
		if cur := c.sessions.Current(); cur != "" && cur != stale {
			return c.csrf.Ensure(ctx, false), nil
		}
		sid := c.sessions.Replace(ctx, "")
		c.csrf.Invalidate(ctx)
		c.log.Warn("client.session.reset", "path", path, "session_id", sid)
		return c.csrf.Ensure(ctx, true), nil
	})
	if err != nil {
		return ""
	}
	return tok
}

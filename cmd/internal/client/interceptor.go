package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"goldvision/cmd/internal/auth/csrf"
	"goldvision/cmd/internal/transport"
)

// LoginPath is exempt from anti-forgery decoration.
const LoginPath = "/auth/login"

// decorate prepares req for sending. It never blocks on the network and
// produces the same headers when applied twice.
func (c *Client) decorate(ctx context.Context, req *transport.Request) error {
	path := normalizePath(req.Path)
	if c.isRetired(path) {
		return fmt.Errorf("%w: %s", ErrRetiredEndpoint, path)
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	if bearer := c.t.DefaultHeader(transport.HeaderAuthorization); bearer != "" {
		req.Header.Set(transport.HeaderAuthorization, bearer)
	} else {
		req.Header.Del(transport.HeaderAuthorization)
	}

	req.Header.Set(transport.HeaderSessionID, c.sessions.GetOrCreate(ctx))

	if isStateChanging(req.Method) && path != LoginPath && path != csrf.IssuePath {
		if tok := c.csrf.Peek(ctx); tok != "" {
			req.Header.Set(transport.HeaderCSRF, tok)
		} else {
			req.Header.Del(transport.HeaderCSRF)
		}
	}

	req.Header.Set("Cache-Control", "no-cache, no-store")
	req.Header.Set("Pragma", "no-cache")

	if req.Header.Get(transport.HeaderRequestID) == "" {
		req.Header.Set(transport.HeaderRequestID, uuid.NewString())
	}
	return nil
}

func (c *Client) isRetired(path string) bool {
	for _, p := range c.retired {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func isStateChanging(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// isAuthEndpoint reports paths whose 401 must not trigger a refresh.
func isAuthEndpoint(path string) bool {
	return strings.HasPrefix(normalizePath(path), "/auth/")
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func normalizePrefixes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		out = append(out, p)
	}
	return out
}

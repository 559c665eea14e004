package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"goldvision/cmd/internal/transport"
	v1 "goldvision/contracts/realtime/v1"
)

// Authenticator supplies handshake headers and recovers an expired credential.
// *client.Client satisfies it.
type Authenticator interface {
	HandshakeHeader(ctx context.Context, path string) (http.Header, error)
	RefreshAuth(ctx context.Context) error
}

type dialOptions struct {
	log          *slog.Logger
	httpClient   *http.Client
	symbols      []string
	heartbeat    time.Duration
	writeTimeout time.Duration
}

// Option configures Dial.
type Option func(*dialOptions)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *dialOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(o *dialOptions) { o.httpClient = c }
}

// WithSymbols selects the instruments to subscribe to.
func WithSymbols(symbols ...string) Option {
	return func(o *dialOptions) {
		for _, s := range symbols {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				o.symbols = append(o.symbols, s)
			}
		}
	}
}

// WithHeartbeat sets the ping interval. Zero disables pings.
func WithHeartbeat(d time.Duration) Option {
	return func(o *dialOptions) {
		if d >= 0 {
			o.heartbeat = d
		}
	}
}

// Dial opens a price stream at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL string, auth Authenticator, opts ...Option) (*Stream, error) {
	if auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("realtime: invalid stream url %q", rawURL)
	}

	o := dialOptions{
		log:          slog.Default(),
		heartbeat:    heartbeatInterval,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&o)
	}
	if len(o.symbols) == 0 {
		o.symbols = []string{"XAU"}
	}

	conn, err := dialOnce(ctx, rawURL, u.Path, auth, o)
	if transport.HasStatus(err, http.StatusUnauthorized) {
		o.log.Info("ws.dial.unauthorized", "url", rawURL)
		if rerr := auth.RefreshAuth(ctx); rerr != nil {
			return nil, rerr
		}
		conn, err = dialOnce(ctx, rawURL, u.Path, auth, o)
	}
	if err != nil {
		return nil, err
	}

	s := newStream(conn, o)
	if err := s.hello(ctx, o.symbols); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return nil, err
	}
	s.startHeartbeat()

	o.log.Info("ws.stream.open", "session_id", s.SessionID(), "symbols", strings.Join(s.Symbols(), ","))
	return s, nil
}

func dialOnce(ctx context.Context, rawURL, path string, auth Authenticator, o dialOptions) (*websocket.Conn, error) {
	hdr, err := auth.HandshakeHeader(ctx, path)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, rawURL, &websocket.DialOptions{
		HTTPClient:   o.httpClient,
		HTTPHeader:   hdr,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			var body []byte
			if resp.Body != nil {
				body, _ = io.ReadAll(resp.Body)
			}
			return nil, transport.NewStatusError(&transport.Response{Status: resp.StatusCode, Header: resp.Header, Body: body})
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: got %q", ErrSubprotocol, sp)
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// StreamURL converts an http(s) base URL and a path into a ws(s) URL.
func StreamURL(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("realtime: invalid base url %q", baseURL)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}

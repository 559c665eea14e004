package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "goldvision/contracts/realtime/v1"
)

// Stream is an open price subscription. Recv must be called from one
// goroutine at a time; Close may be called from any goroutine.
type Stream struct {
	conn         *websocket.Conn
	log          *slog.Logger
	writeTimeout time.Duration
	heartbeat    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessionID string
	symbols   []string

	closeOnce sync.Once
	hbDone    chan struct{}
}

func newStream(conn *websocket.Conn, o dialOptions) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		conn:         conn,
		log:          o.log,
		writeTimeout: o.writeTimeout,
		heartbeat:    o.heartbeat,
		ctx:          ctx,
		cancel:       cancel,
		hbDone:       make(chan struct{}),
	}
}

// SessionID is the id the server acknowledged in hello_ack.
func (s *Stream) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Symbols are the subscriptions the server confirmed.
func (s *Stream) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...)
}

func (s *Stream) hello(ctx context.Context, symbols []string) error {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(v1.TypeHello, newEnvelopeID(now), v1.HelloPayload{Symbols: symbols}, now)
	if err != nil {
		return err
	}
	if err := writeEnvelope(ctx, s.conn, env, s.writeTimeout); err != nil {
		return fmt.Errorf("%w: send hello: %v", ErrHandshake, err)
	}

	rctx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
	defer cancel()

	ack, err := readEnvelope(rctx, s.conn)
	if err != nil {
		return fmt.Errorf("%w: read hello_ack: %v", ErrHandshake, err)
	}

	switch ack.Type {
	case v1.TypeHelloAck:
		var p v1.HelloAckPayload
		if err := ack.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		s.mu.Lock()
		s.sessionID = p.SessionID
		s.symbols = p.Symbols
		s.mu.Unlock()
		return nil
	case v1.TypeError:
		return fmt.Errorf("%w: %w", ErrHandshake, decodeServerError(ack))
	default:
		return fmt.Errorf("%w: unexpected %s", ErrHandshake, ack.Type)
	}
}

// Recv blocks for the next price tick. Malformed frames are skipped.
func (s *Stream) Recv(ctx context.Context) (v1.PriceTickPayload, error) {
	for {
		env, err := readEnvelope(ctx, s.conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadFrame:
				s.log.Debug("ws.read.skip", "err", err)
				continue
			case readErrCtxDone:
				if ctx.Err() != nil {
					return v1.PriceTickPayload{}, ctx.Err()
				}
				return v1.PriceTickPayload{}, fmt.Errorf("%w: %v", ErrClosed, err)
			case readErrClose, readErrConnClosed:
				return v1.PriceTickPayload{}, fmt.Errorf("%w: %v", ErrClosed, err)
			default:
				s.log.Info("ws.read.fail", "session_id", s.SessionID(), "err", err)
				return v1.PriceTickPayload{}, fmt.Errorf("%w: %v", ErrClosed, err)
			}
		}

		switch env.Type {
		case v1.TypePriceTick:
			var tick v1.PriceTickPayload
			if err := env.Decode(&tick); err != nil {
				s.log.Debug("ws.read.skip", "err", err)
				continue
			}
			return tick, nil
		case v1.TypeError:
			return v1.PriceTickPayload{}, decodeServerError(env)
		default:
			s.log.Debug("ws.read.ignore", "type", env.Type)
		}
	}
}

// Close ends the stream with a normal closure.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "bye")
		<-s.hbDone
	})
	return err
}

func (s *Stream) startHeartbeat() {
	if s.heartbeat <= 0 {
		close(s.hbDone)
		return
	}

	go func() {
		defer close(s.hbDone)

		t := time.NewTicker(s.heartbeat)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				hbCtx, cancel := context.WithTimeout(s.ctx, heartbeatTimeout)
				err := s.conn.Ping(hbCtx)
				cancel()

				if err != nil {
					if s.ctx.Err() != nil {
						return
					}
					failures++
					s.log.Info("ws.ping.fail", "session_id", s.SessionID(), "failures", failures, "err", err)
					if failures >= maxPingFailures {
						_ = s.conn.Close(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()
}

func decodeServerError(env v1.Envelope) error {
	var p v1.ErrorPayload
	if err := env.Decode(&p); err != nil {
		return &ServerError{Code: "unknown", Message: err.Error()}
	}
	return &ServerError{Code: p.Code, Message: p.Message}
}

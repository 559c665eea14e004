package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"goldvision/cmd/identity/ids"
	v1 "goldvision/contracts/realtime/v1"
)

const (
	wsMaxFrameBytes = 64 << 10
	wsSendQueueSize = 64
	wsWriteTimeout  = 5 * time.Second
	wsReadIdle      = 2 * time.Minute
	wsCloseGrace    = time.Second
)

var errBadJSON = errors.New("bad json")

// handleStream authenticates the upgrade with the bearer token, then runs the
// price subscription loop. A missing or stale token gets a plain 401 before
// the upgrade so clients can refresh and redial.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(r)
	if !ok {
		s.unauthorized.Add(1)
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		s.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		s.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	sub := newSubscriber(claims.SessionID, nil, wsSendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joined    bool
	)
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			s.feed.leave(sub)
			sub.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case env := <-sub.send:
				if err := writeFrame(ctx, conn, env); err != nil {
					s.log.Info("ws.write.fail", "session_id", sub.id, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	rl := newRateLimiter(s.rateEvents, s.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, wsReadIdle)
		env, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch {
			case errors.Is(err, errBadJSON):
				s.trySendError(sub, "bad_json", "invalid JSON")
				continue readLoop
			case websocket.CloseStatus(err) != -1,
				errors.Is(err, context.Canceled),
				errors.Is(err, context.DeadlineExceeded),
				errors.Is(err, net.ErrClosed),
				errors.Is(err, io.EOF):
				shutdown(websocket.StatusNormalClosure, "peer closed")
			default:
				s.log.Info("ws.read.fail", "session_id", sub.id, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now().UTC()) {
			s.sendErrorNow(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			s.trySendError(sub, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if joined {
				s.trySendError(sub, "already_subscribed", "hello already received")
				continue readLoop
			}
			if err := s.onHello(sub, env); err != nil {
				s.sendErrorNow(ctx, conn, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			joined = true
		default:
			s.trySendError(sub, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	select {
	case <-writerDone:
	case <-time.After(wsCloseGrace):
	}
}

// onHello confirms the known subset of the requested symbols, joins the
// feed and queues the latest price for each.
func (s *Server) onHello(sub *subscriber, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	var symbols []string
	for _, raw := range p.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym != "" && s.feed.Known(sym) {
			if _, dup := sub.symbols[sym]; !dup {
				sub.symbols[sym] = struct{}{}
				symbols = append(symbols, sym)
			}
		}
	}
	if len(symbols) == 0 {
		return errors.New("no known symbols requested")
	}

	now := time.Now().UTC()
	ack, err := v1.NewEnvelope(v1.TypeHelloAck, envelopeID(now), v1.HelloAckPayload{SessionID: sub.id, Symbols: symbols}, now)
	if err != nil {
		return err
	}
	if !enqueue(sub, ack) {
		return errors.New("backpressure: hello_ack")
	}

	s.feed.join(sub)
	for _, sym := range symbols {
		if tick, ok := s.feed.Latest(sym); ok {
			if env, err := v1.NewEnvelope(v1.TypePriceTick, envelopeID(now), tick, now); err == nil {
				enqueue(sub, env)
			}
		}
	}
	return nil
}

func (s *Server) trySendError(sub *subscriber, code, msg string) {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(v1.TypeError, envelopeID(now), v1.ErrorPayload{Code: code, Message: msg}, now)
	if err != nil {
		return
	}
	if !enqueue(sub, env) {
		s.log.Info("ws.error.drop", "session_id", sub.id, "code", code)
	}
}

// sendErrorNow writes an error frame synchronously, bypassing the queue, so it
// lands before a close.
func (s *Server) sendErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(v1.TypeError, envelopeID(now), v1.ErrorPayload{Code: code, Message: msg}, now)
	if err != nil {
		return
	}
	if err := writeFrame(ctx, conn, env); err != nil {
		s.log.Info("ws.error.write.fail", "code", code, "err", err)
	}
}

func enqueue(sub *subscriber, env v1.Envelope) bool {
	select {
	case <-sub.Done():
		return false
	default:
	}
	select {
	case sub.send <- env:
		return true
	default:
		return false
	}
}

func envelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}

func readFrame(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, wsWriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

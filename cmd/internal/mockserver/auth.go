package mockserver

import (
	"net/http"
	"strings"
	"time"

	"goldvision/cmd/identity/ids"
	"goldvision/cmd/internal/transport"
	"goldvision/cmd/security/token"
)

// Routes served by the mock backend.
const (
	LoginPath        = "/auth/login"
	RefreshPath      = "/auth/refresh"
	LogoutPath       = "/auth/logout"
	CSRFPath         = "/csrf"
	PricesLatestPath = "/api/prices/latest"
	AlertsPath       = "/api/alerts"
	StreamPath       = "/ws/prices"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	SessionID    string    `json:"session_id"`
	CSRFToken    string    `json:"csrf_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	s.mu.Lock()
	hash, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		hash = unknownAccount
	}
	if !hash.verify(req.Password) || !ok {
		s.log.Info("mock.login.fail", "email_fp", token.Fingerprint(email))
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	now := s.now()
	sid := strings.TrimSpace(r.Header.Get(transport.HeaderSessionID))
	if sid == "" {
		var err error
		if sid, err = ids.NewULID(now); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", "server error")
			return
		}
	}

	refreshTok, err := newOpaqueWebToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "server error")
		return
	}
	csrfTok, err := newOpaqueWebToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "server error")
		return
	}

	access, exp := s.tokens.Issue(email, sid, s.currentGeneration(), now)

	s.mu.Lock()
	s.refresh[token.HashSHA256Hex(refreshTok)] = &refreshRecord{email: email, sessionID: sid}
	s.csrf[sid] = csrfTok
	s.mu.Unlock()

	s.logins.Add(1)
	s.log.Info("mock.login.ok", "session_id", sid, "access_fp", token.Fingerprint(access))

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  access,
		RefreshToken: refreshTok,
		SessionID:    sid,
		CSRFToken:    csrfTok,
		ExpiresAt:    exp,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	s.refreshes.Add(1)

	s.mu.Lock()
	delay, failing, rotate := s.refreshDelay, s.failRefresh, s.rotateRefresh
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-r.Context().Done():
			t.Stop()
			return
		}
	}

	if failing {
		s.refreshFailures.Add(1)
		writeError(w, http.StatusUnauthorized, "invalid_refresh", "invalid refresh token")
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req, false); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		s.refreshFailures.Add(1)
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	hash := token.HashSHA256Hex(strings.TrimSpace(req.RefreshToken))
	now := s.now()

	s.mu.Lock()
	rec, ok := s.refresh[hash]
	switch {
	case !ok:
		s.mu.Unlock()
		s.refreshFailures.Add(1)
		writeError(w, http.StatusUnauthorized, "invalid_refresh", "invalid refresh token")
		return
	case rec.revoked:
		s.mu.Unlock()
		s.refreshFailures.Add(1)
		s.log.Warn("mock.refresh.reuse", "session_id", rec.sessionID)
		writeError(w, http.StatusUnauthorized, "refresh_reuse_detected", "refresh token reuse detected")
		return
	}

	var next string
	if rotate {
		var err error
		if next, err = newOpaqueWebToken(32); err != nil {
			s.mu.Unlock()
			writeError(w, http.StatusInternalServerError, "server_error", "server error")
			return
		}
		rec.revoked = true
		s.refresh[token.HashSHA256Hex(next)] = &refreshRecord{email: rec.email, sessionID: rec.sessionID}
	}
	email, sid, gen := rec.email, rec.sessionID, s.generation
	s.mu.Unlock()

	access, exp := s.tokens.Issue(email, sid, gen, now)
	s.log.Info("mock.refresh.ok", "session_id", sid, "rotated", rotate)

	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: access, RefreshToken: next, ExpiresAt: exp})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	s.mu.Lock()
	if rt := strings.TrimSpace(req.RefreshToken); rt != "" {
		delete(s.refresh, token.HashSHA256Hex(rt))
	}
	if sid := strings.TrimSpace(r.Header.Get(transport.HeaderSessionID)); sid != "" {
		delete(s.csrf, sid)
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// authenticate verifies the bearer token and its generation.
func (s *Server) authenticate(r *http.Request) (accessClaims, bool) {
	tok := bearerToken(r.Header.Get(transport.HeaderAuthorization))
	if tok == "" {
		return accessClaims{}, false
	}
	claims, err := s.tokens.Verify(tok, s.now())
	if err != nil {
		return accessClaims{}, false
	}
	if claims.Generation != s.currentGeneration() {
		return accessClaims{}, false
	}
	return claims, true
}

// protected wraps next with the barrier, bearer auth and, for state-changing
// methods when checkCSRF is set, the anti-forgery check.
func (s *Server) protected(checkCSRF bool, next func(http.ResponseWriter, *http.Request, accessClaims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.waitBarrier(r.Context())

		claims, ok := s.authenticate(r)
		if !ok {
			s.unauthorized.Add(1)
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}

		if checkCSRF && isStateChanging(r.Method) && !s.csrfValid(r) {
			s.csrfRejected.Add(1)
			writeError(w, http.StatusForbidden, "csrf_invalid", "missing or invalid csrf token")
			return
		}

		s.protectedOK.Add(1)
		next(w, r, claims)
	}
}

func bearerToken(h string) string {
	h = strings.TrimSpace(h)
	if h == "" {
		return ""
	}
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

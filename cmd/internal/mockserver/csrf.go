package mockserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"goldvision/cmd/internal/transport"
)

type csrfResponse struct {
	Token string `json:"csrf_token"`
}

// handleCSRF issues (or re-issues) the anti-forgery token bound to the
// caller's session.
func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	sid := strings.TrimSpace(r.Header.Get(transport.HeaderSessionID))
	if sid == "" {
		writeError(w, http.StatusBadRequest, "missing_session", "missing session id")
		return
	}

	s.mu.Lock()
	failing := s.failCSRF
	s.mu.Unlock()
	if failing {
		writeError(w, http.StatusServiceUnavailable, "csrf_unavailable", "csrf issuance unavailable")
		return
	}

	tok, err := newOpaqueWebToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "server error")
		return
	}

	s.mu.Lock()
	s.csrf[sid] = tok
	s.mu.Unlock()
	s.csrfIssued.Add(1)

	writeJSON(w, http.StatusOK, csrfResponse{Token: tok})
}

func (s *Server) csrfValid(r *http.Request) bool {
	sid := strings.TrimSpace(r.Header.Get(transport.HeaderSessionID))
	got := strings.TrimSpace(r.Header.Get(transport.HeaderCSRF))
	if sid == "" || got == "" {
		return false
	}
	s.mu.Lock()
	want := s.csrf[sid]
	s.mu.Unlock()
	return want != "" && secureStringEqual(want, got)
}

func newOpaqueWebToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func secureStringEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

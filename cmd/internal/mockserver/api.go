package mockserver

import (
	"net/http"
	"strings"
	"time"

	"goldvision/cmd/identity/ids"
)

// Alert is a price threshold the user asked to be notified about.
type Alert struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Threshold float64   `json:"threshold"`
	Direction string    `json:"direction"`
	Owner     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type createAlertRequest struct {
	Symbol    string  `json:"symbol"`
	Threshold float64 `json:"threshold"`
	Direction string  `json:"direction"`
}

func (s *Server) handlePricesLatest(w http.ResponseWriter, r *http.Request, _ accessClaims) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	sym := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if sym == "" {
		sym = "XAU"
	}
	tick, ok := s.feed.Latest(sym)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_symbol", "no price for symbol")
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request, claims accessClaims) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		out := make([]Alert, 0, len(s.alerts))
		for _, a := range s.alerts {
			if a.Owner == claims.Email {
				out = append(out, a)
			}
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"alerts": out})

	case http.MethodPost:
		var req createAlertRequest
		if err := decodeJSON(w, r, maxBodyBytes, &req, false); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
			return
		}
		sym := strings.ToUpper(strings.TrimSpace(req.Symbol))
		dir := strings.ToLower(strings.TrimSpace(req.Direction))
		if sym == "" || req.Threshold <= 0 || (dir != "above" && dir != "below") {
			writeError(w, http.StatusBadRequest, "invalid_alert", "symbol, positive threshold and direction above|below are required")
			return
		}

		now := s.now()
		id, err := ids.NewULID(now)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", "server error")
			return
		}
		a := Alert{ID: id, Symbol: sym, Threshold: req.Threshold, Direction: dir, Owner: claims.Email, CreatedAt: now}

		s.mu.Lock()
		s.alerts = append(s.alerts, a)
		s.mu.Unlock()

		writeJSON(w, http.StatusCreated, a)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

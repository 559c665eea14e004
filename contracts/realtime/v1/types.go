package v1

import "time"

type HelloPayload struct {
	Symbols []string `json:"symbols"`
}

type HelloAckPayload struct {
	SessionID string   `json:"session_id"`
	Symbols   []string `json:"symbols"`
}

// PriceTickPayload is one observation. Price is per troy ounce in Currency.
type PriceTickPayload struct {
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	Currency string    `json:"currency"`
	AsOf     time.Time `json:"as_of"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

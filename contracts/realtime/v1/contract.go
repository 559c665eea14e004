// Package v1 defines the GoldVision price stream protocol, version 1.
//
// Shared between the stream client and the mock backend so the wire format
// has one authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "goldvision.prices.v1"

// Type constants (wire-stable).
const (
	// TypeHello subscribes to symbols (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the subscription (server -> client).
	TypeHelloAck = "hello_ack"
	// TypePriceTick carries one price observation (server -> client).
	TypePriceTick = "price_tick"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}

	switch e.Type {
	case TypeHello, TypeHelloAck, TypePriceTick, TypeError:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into a versioned envelope.
func NewEnvelope(typ, id string, payload any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: raw}, nil
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Type, err)
	}
	return nil
}

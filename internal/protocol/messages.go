// Package protocol defines the JSON messages exchanged between the matcher and
// the connection servers: enqueue/cancel requests flowing in, and match
// notifications flowing back to a participant's transport.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Notification kinds
// ---------------------------------------------------------------------------

// Kind discriminates notifications delivered to a participant.
type Kind string

const (
	KindMatchFound  Kind = "MATCH_FOUND"
	KindMatchFailed Kind = "MATCH_FAILED"
)

// ---------------------------------------------------------------------------
// Inbound requests
// ---------------------------------------------------------------------------

// EnqueueRequest asks the matcher to start looking for a partner.
type EnqueueRequest struct {
	Key           string `json:"key"`
	ParticipantID string `json:"participant_id"`
	TransportRef  string `json:"transport_ref"`
	Category      string `json:"category,omitempty"`
	Difficulty    string `json:"difficulty,omitempty"`
	EnqueuedAt    int64  `json:"enqueued_at,omitempty"` // unix ms; zero means "now"
}

// CancelRequest withdraws a waiting key.
type CancelRequest struct {
	Key string `json:"key"`
}

// ParseEnqueueRequest decodes and sanity-checks an enqueue request.
func ParseEnqueueRequest(data []byte) (EnqueueRequest, error) {
	var req EnqueueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("protocol: invalid enqueue request: %w", err)
	}
	if req.Key == "" {
		return req, fmt.Errorf("protocol: enqueue request missing key")
	}
	if req.ParticipantID == "" {
		return req, fmt.Errorf("protocol: enqueue request missing participant_id")
	}
	if req.TransportRef == "" {
		return req, fmt.Errorf("protocol: enqueue request missing transport_ref")
	}
	if req.EnqueuedAt < 0 {
		return req, fmt.Errorf("protocol: enqueue request has negative enqueued_at")
	}
	return req, nil
}

// ParseCancelRequest decodes a cancel request.
func ParseCancelRequest(data []byte) (CancelRequest, error) {
	var req CancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("protocol: invalid cancel request: %w", err)
	}
	if req.Key == "" {
		return req, fmt.Errorf("protocol: cancel request missing key")
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Outbound notifications
// ---------------------------------------------------------------------------

// ParticipantSummary is the public view of a matched participant.
type ParticipantSummary struct {
	ParticipantID string `json:"participant_id"`
	TransportRef  string `json:"transport_ref"`
	Category      string `json:"category"`
	Difficulty    string `json:"difficulty"`
}

// MatchFoundMsg tells a participant who they were paired with.
type MatchFoundMsg struct {
	MatchID string             `json:"match_id"`
	RoomID  string             `json:"room_id"`
	Partner ParticipantSummary `json:"partner"`
}

// MatchFailedMsg tells a participant that no partner was found in time.
type MatchFailedMsg struct {
	Key      string `json:"key"`
	Reason   string `json:"reason"`
	WaitedMs int64  `json:"waited_ms"`
}

// NewNotification marshals payload and injects the "type" discriminator,
// returning the bytes ready for the transport.
func NewNotification(kind Kind, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: payload is not a JSON object: %w", err)
	}
	m["type"] = kind

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal notification: %w", err)
	}
	return out, nil
}

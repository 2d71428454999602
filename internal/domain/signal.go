package domain

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType names a signaling message kind.
type EnvelopeType string

const (
	TypeJoin              EnvelopeType = "join"
	TypeOffer             EnvelopeType = "offer"
	TypeAnswer            EnvelopeType = "answer"
	TypeParticipantJoined EnvelopeType = "participant-joined"
	TypeParticipantLeft   EnvelopeType = "participant-left"
)

// Envelope is the JSON message exchanged with the signaling relay.
type Envelope struct {
	Type     EnvelopeType    `json:"type"`
	RoomID   string          `json:"roomId"`
	SenderID string          `json:"senderId"`
	TargetID string          `json:"targetId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// JoinPayload carries the display name on join and participant-joined.
type JoinPayload struct {
	Name string `json:"name"`
}

// SDPPayload is a complete negotiation descriptor (offer or answer).
// Name is the sender's display name so a responder can list a peer it
// has not seen a membership event for.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
	Name string `json:"name,omitempty"`
}

// MediaState mirrors a participant's track flags to its peers.
type MediaState struct {
	Audio bool `msgpack:"audio"`
	Video bool `msgpack:"video"`
}

// NewEnvelope builds an envelope with data marshaled to JSON. A nil data
// leaves the field empty.
func NewEnvelope(t EnvelopeType, roomID, senderID, targetID string, data any) (Envelope, error) {
	env := Envelope{
		Type:     t,
		RoomID:   roomID,
		SenderID: senderID,
		TargetID: targetID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s data: %w", t, err)
		}
		env.Data = raw
	}
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}

// Valid reports whether the envelope has the fields every message needs.
func (e Envelope) Valid() bool {
	switch e.Type {
	case TypeJoin, TypeOffer, TypeAnswer, TypeParticipantJoined, TypeParticipantLeft:
	default:
		return false
	}
	return e.SenderID != ""
}

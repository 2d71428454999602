package webrtc

import (
	"fmt"

	"github.com/bartaai/meshcall/internal/domain"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	stateChannelLabel = "media-state"
	stateChannelID    = 0

	msgTypeMediaState = "media-state"
)

// Message is the envelope for every data channel message.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// NewMessage creates a Message with the given type and payload.
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: b}, nil
}

// DecodePayload decodes the message payload into v.
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

func encodeMediaState(state domain.MediaState) ([]byte, error) {
	msg, err := NewMessage(msgTypeMediaState, state)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(msg)
}

func decodeMediaState(data []byte) (domain.MediaState, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return domain.MediaState{}, err
	}
	if msg.Type != msgTypeMediaState {
		return domain.MediaState{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var state domain.MediaState
	if err := msg.DecodePayload(&state); err != nil {
		return domain.MediaState{}, err
	}
	return state, nil
}

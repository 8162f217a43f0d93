package model

import (
	"encoding/json"
	"fmt"
)

// Payload types carried inside pairwise plaintexts.
const (
	PayloadTypeMessage = "message"
	PayloadTypeRoomKey = "room_key"
)

type (
	// PlainPayload is the structured plaintext of a pairwise message. Room
	// key shares and direct messages both use this shape; Content holds the
	// type-specific body.
	PlainPayload struct {
		Type          string            `json:"type,omitempty"`
		Content       json.RawMessage   `json:"content,omitempty"`
		Sender        string            `json:"sender,omitempty"`
		SenderDevice  string            `json:"sender_device,omitempty"`
		Recipient     string            `json:"recipient,omitempty"`
		RecipientKeys map[string]string `json:"recipient_keys,omitempty"`
		Keys          map[string]string `json:"keys,omitempty"`
		Signature     []byte            `json:"signature,omitempty"`
	}

	// RoomKeyContent is the content of a room-key share payload.
	RoomKeyContent struct {
		Algorithm  string `json:"algorithm"`
		RoomID     string `json:"room_id"`
		SessionID  string `json:"session_id"`
		SessionKey []byte `json:"session_key"`
		ChainIndex uint32 `json:"chain_index"`
	}
)

// RoomKey parses the payload content as a room-key share.
func (p *PlainPayload) RoomKey() (*RoomKeyContent, error) {
	if p.Type != PayloadTypeRoomKey {
		return nil, fmt.Errorf("payload type %q is not a room key", p.Type)
	}
	var content RoomKeyContent
	if err := json.Unmarshal(p.Content, &content); err != nil {
		return nil, fmt.Errorf("parse room key content: %w", err)
	}
	return &content, nil
}

// CanonicalJSON renders v with sorted object keys and no insignificant
// whitespace, so that signatures over JSON are stable across encoders.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys on marshal.
	return json.Marshal(generic)
}

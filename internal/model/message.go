package model

import "encoding/json"

type (
	// Header is the ratchet header carried along with each pairwise ciphertext.
	Header struct {
		Pub    [32]byte `json:"pub"`     // sender's current ratchet public key
		MsgNum uint32   `json:"msg_num"` // message number in the sending chain
		Prev   uint32   `json:"prev"`    // previous sending chain length (PN)
	}

	// RelayMessage is the framing the relay server routes between devices.
	// The payload is one of the envelope types, chosen by Kind.
	RelayMessage struct {
		ID      string          `json:"id"`
		From    string          `json:"from" validate:"required"`
		To      string          `json:"to" validate:"required"`
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
)

// RelayMessage kinds.
const (
	KindPairwise = "pairwise"
	KindGroup    = "group"
	KindRoomKey  = "room_key"
)

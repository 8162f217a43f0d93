package model

// Algorithm tags carried on the wire envelopes.
const (
	AlgorithmPairwise = "pairwise.v1.x25519-aes-gcm"
	AlgorithmGroup    = "group.v1.aes-gcm"
)

type (
	// PairwiseCiphertext is a single encrypted pairwise message together with
	// the tag that distinguishes key-establishment from continuation
	// ciphertexts. Body is the serialized pairwise message.
	PairwiseCiphertext struct {
		Type int    `json:"type"` // 0 key establishment, 1 continuation
		Body []byte `json:"body"`
	}

	// PairwiseEnvelope wraps a pairwise ciphertext for delivery. The
	// ciphertext map is keyed by the recipient's curve25519 identity key.
	PairwiseEnvelope struct {
		Algorithm  string                        `json:"algorithm"`
		SenderKey  string                        `json:"sender_key"`
		Ciphertext map[string]PairwiseCiphertext `json:"ciphertext"`
	}

	// GroupEnvelope is the structured ciphertext produced for a room message.
	GroupEnvelope struct {
		Algorithm  string `json:"algorithm"`
		SenderKey  string `json:"sender_key"`
		Ciphertext []byte `json:"ciphertext"`
		SessionID  string `json:"session_id"`
		DeviceID   string `json:"device_id"`
		RoomID     string `json:"room_id"`
	}

	// ToDeviceMap is the nested per-user, per-device delivery map produced by
	// a group-session fan-out.
	ToDeviceMap struct {
		Messages map[string]map[string]PairwiseEnvelope `json:"messages"`
	}
)

// Entry returns the envelope for (userID, deviceID) if present.
func (m *ToDeviceMap) Entry(userID, deviceID string) (PairwiseEnvelope, bool) {
	devices, ok := m.Messages[userID]
	if !ok {
		return PairwiseEnvelope{}, false
	}
	env, ok := devices[deviceID]
	return env, ok
}

// Put stores an envelope under (userID, deviceID), allocating the inner map
// on first use.
func (m *ToDeviceMap) Put(userID, deviceID string, env PairwiseEnvelope) {
	if m.Messages == nil {
		m.Messages = make(map[string]map[string]PairwiseEnvelope)
	}
	if _, ok := m.Messages[userID]; !ok {
		m.Messages[userID] = make(map[string]PairwiseEnvelope)
	}
	m.Messages[userID][deviceID] = env
}

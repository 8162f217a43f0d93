package olm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roomcrypt/internal/cryptographic/dh"
	"roomcrypt/internal/cryptographic/kdf"
	"roomcrypt/internal/model"
	"roomcrypt/internal/protocol/doubleratchet"
)

// MessageType tags a pairwise ciphertext.
type MessageType int

const (
	// MessageTypeKeyEstablishment marks the first message of a session. It
	// carries enough material for the recipient to derive the channel.
	MessageTypeKeyEstablishment MessageType = 0
	// MessageTypeNormal marks a continuation message of an existing session.
	MessageTypeNormal MessageType = 1
)

// ErrSessionEstablishment is returned when an inbound session cannot be
// derived from a key-establishment message.
var ErrSessionEstablishment = errors.New("olm: session establishment failed")

// ErrDecrypt wraps ratchet or AEAD failures during decryption.
var ErrDecrypt = errors.New("olm: decrypt failed")

type (
	// Handshake is the key-agreement material an outbound session repeats on
	// every key-establishment message until the peer has replied.
	Handshake struct {
		SenderIdentityKey string   `json:"sender_identity_key"`
		EphemeralKey      [32]byte `json:"ephemeral_key"`
		OneTimeKey        [32]byte `json:"one_time_key"`
	}

	// Message is a single pairwise ciphertext. Handshake is present only on
	// key-establishment messages.
	Message struct {
		Type       MessageType  `json:"type"`
		SessionID  string       `json:"session_id"`
		Handshake  *Handshake   `json:"handshake,omitempty"`
		Header     model.Header `json:"header"`
		Ciphertext []byte       `json:"ciphertext"`
	}

	// Session is an established pairwise channel with one remote device. The
	// ratchet state advances in place on every encrypt and decrypt.
	Session struct {
		ID        string                      `json:"id"`
		CreatedAt time.Time                   `json:"created_at"`
		State     *doubleratchet.RatchetState `json:"state"`
		Handshake *Handshake                  `json:"handshake,omitempty"`
	}
)

// sessionID derives the session identifier all parties agree on from the key
// agreement inputs.
func sessionID(senderIdentity []byte, ephemeral, oneTime [32]byte) string {
	h := sha256.New()
	h.Write(senderIdentity)
	h.Write(ephemeral[:])
	h.Write(oneTime[:])
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

// sharedSecret runs the triple DH and stretches the result into a 32 byte
// root key.
func sharedSecret(dh1, dh2, dh3 []byte) ([]byte, error) {
	salt := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	salt = append(salt, dh1...)
	salt = append(salt, dh2...)
	salt = append(salt, dh3...)

	rootKey := make([]byte, 32)
	if _, err := kdf.HKDF(nil, salt, []byte("SharedKey"), rootKey); err != nil {
		return nil, err
	}
	return rootKey, nil
}

// NewOutboundSession establishes a session towards a peer device from its
// identity key and one of its one-time keys (both base64 encoded).
func NewOutboundSession(account *Account, peerIdentityKey string, peerOneTimeKey string) (*Session, error) {
	ikRaw, err := base64.RawStdEncoding.DecodeString(peerIdentityKey)
	if err != nil || len(ikRaw) != 32 {
		return nil, fmt.Errorf("%w: bad peer identity key", ErrSessionEstablishment)
	}
	otkRaw, err := base64.RawStdEncoding.DecodeString(peerOneTimeKey)
	if err != nil || len(otkRaw) != 32 {
		return nil, fmt.Errorf("%w: bad peer one-time key", ErrSessionEstablishment)
	}
	var peerIK, peerOTK [32]byte
	copy(peerIK[:], ikRaw)
	copy(peerOTK[:], otkRaw)

	ekPriv, ekPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("olm: generate ephemeral key: %w", err)
	}

	dh1, err := dh.X25519SharedSecret(account.IdentityPriv, peerOTK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}
	dh2, err := dh.X25519SharedSecret(ekPriv, peerIK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}
	dh3, err := dh.X25519SharedSecret(ekPriv, peerOTK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}
	rootKey, err := sharedSecret(dh1, dh2, dh3)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}

	return &Session{
		ID:        sessionID(account.IdentityPub[:], ekPub, peerOTK),
		CreatedAt: time.Now(),
		State:     doubleratchet.NewState(rootKey, [32]byte{}, [32]byte{}, peerOTK),
		Handshake: &Handshake{
			SenderIdentityKey: account.IdentityKey(),
			EphemeralKey:      ekPub,
			OneTimeKey:        peerOTK,
		},
	}, nil
}

// NewInboundSession derives a session from a received key-establishment
// message. The matching one-time key is consumed from the account pool; the
// caller is responsible for persisting the mutated account. When
// senderIdentityKey is non-empty it must match the key embedded in the
// message.
func NewInboundSession(account *Account, msg *Message, senderIdentityKey string) (*Session, error) {
	if msg.Type != MessageTypeKeyEstablishment || msg.Handshake == nil {
		return nil, fmt.Errorf("%w: not a key-establishment message", ErrSessionEstablishment)
	}
	if senderIdentityKey != "" && msg.Handshake.SenderIdentityKey != senderIdentityKey {
		return nil, fmt.Errorf("%w: sender identity key mismatch", ErrSessionEstablishment)
	}
	ikRaw, err := base64.RawStdEncoding.DecodeString(msg.Handshake.SenderIdentityKey)
	if err != nil || len(ikRaw) != 32 {
		return nil, fmt.Errorf("%w: bad sender identity key", ErrSessionEstablishment)
	}
	var senderIK [32]byte
	copy(senderIK[:], ikRaw)

	otk, ok := account.consumeOneTimeKey(msg.Handshake.OneTimeKey)
	if !ok {
		return nil, fmt.Errorf("%w: unknown or already consumed one-time key", ErrSessionEstablishment)
	}

	dh1, err := dh.X25519SharedSecret(otk.Priv, senderIK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}
	dh2, err := dh.X25519SharedSecret(account.IdentityPriv, msg.Handshake.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}
	dh3, err := dh.X25519SharedSecret(otk.Priv, msg.Handshake.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}
	rootKey, err := sharedSecret(dh1, dh2, dh3)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}

	return &Session{
		ID:        sessionID(ikRaw, msg.Handshake.EphemeralKey, otk.Pub),
		CreatedAt: time.Now(),
		State:     doubleratchet.NewState(rootKey, otk.Priv, otk.Pub, [32]byte{}),
	}, nil
}

// established reports whether the peer has spoken on this session yet.
// Until then outbound messages must repeat the key-establishment material.
func (s *Session) established() bool {
	return s.State.ReceivingChainKey != nil
}

// Encrypt produces the next ciphertext, advancing the ratchet in place.
func (s *Session) Encrypt(plaintext []byte) (*Message, error) {
	hdr, ct, err := s.State.Send(plaintext)
	if err != nil {
		return nil, fmt.Errorf("olm: encrypt: %w", err)
	}
	msg := &Message{
		Type:       MessageTypeNormal,
		SessionID:  s.ID,
		Header:     *hdr,
		Ciphertext: ct,
	}
	if s.Handshake != nil && !s.established() {
		msg.Type = MessageTypeKeyEstablishment
		msg.Handshake = s.Handshake
	}
	return msg, nil
}

// Decrypt consumes a ciphertext, advancing the ratchet in place.
func (s *Session) Decrypt(msg *Message) ([]byte, error) {
	plaintext, err := s.State.Receive(msg.Header, msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// Matches reports whether a key-establishment message belongs to this
// session, i.e. was produced by the key agreement that created it.
func (s *Session) Matches(msg *Message) bool {
	return msg.Type == MessageTypeKeyEstablishment && msg.SessionID == s.ID
}

// Pickle serializes the session to an opaque blob.
func (s *Session) Pickle() ([]byte, error) {
	return json.Marshal(s)
}

// SessionFromPickle restores a session from a pickle blob.
func SessionFromPickle(blob []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("olm: unpickle session: %w", err)
	}
	return &s, nil
}

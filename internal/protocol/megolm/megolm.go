// Package megolm implements the broadcast group ratchet: one outbound
// session per room on the sender side, many inbound sessions keyed by
// session id on the recipient side. Key material for an inbound session is
// exported from the outbound side at its current ratchet index, so a
// recipient can decrypt from that index onward but never earlier.
package megolm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"roomcrypt/internal/cryptographic/encryption"
	"roomcrypt/internal/cryptographic/kdf"
	"roomcrypt/internal/cryptographic/signature"
)

// ErrGroupDecrypt wraps any failure to decrypt a group message.
var ErrGroupDecrypt = errors.New("megolm: decrypt failed")

type (
	// GroupMessage is a single group ciphertext, signed by the session's
	// Ed25519 key so recipients can attribute it to the session creator.
	GroupMessage struct {
		SessionID  string `json:"session_id"`
		Index      uint32 `json:"index"`
		Ciphertext []byte `json:"ciphertext"`
		Signature  []byte `json:"signature"`
	}

	// OutboundGroupSession is this device's active broadcast key for one
	// room. The chain key is hash-ratcheted forward on every encrypt; the
	// message index increases monotonically and is never reused.
	OutboundGroupSession struct {
		SessionID string             `json:"session_id"`
		SignPriv  ed25519.PrivateKey `json:"sign_priv"`
		SignPub   ed25519.PublicKey  `json:"sign_pub"`
		ChainKey  []byte             `json:"chain_key"`
		Index     uint32             `json:"index"`
	}

	// InboundGroupSession is a received broadcast key. It keeps the chain
	// key at the earliest index it knows and ratchets a copy forward per
	// message, so out-of-order delivery within the known range still works.
	InboundGroupSession struct {
		SessionID       string            `json:"session_id"`
		SignPub         ed25519.PublicKey `json:"sign_pub"`
		ChainKey        []byte            `json:"chain_key"`
		FirstKnownIndex uint32            `json:"first_known_index"`
	}

	// exportedKey is the serialized form of SessionKey.
	exportedKey struct {
		SessionID string            `json:"session_id"`
		SignPub   ed25519.PublicKey `json:"sign_pub"`
		ChainKey  []byte            `json:"chain_key"`
		Index     uint32            `json:"index"`
	}
)

// NewOutboundGroupSession generates fresh ratchet state. The session id is
// the base64 encoded per-session signing key, so it needs no coordination.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	signPub, signPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("megolm: generate signing key: %w", err)
	}
	chainKey := make([]byte, 32)
	if _, err := rand.Read(chainKey); err != nil {
		return nil, fmt.Errorf("megolm: generate chain key: %w", err)
	}
	return &OutboundGroupSession{
		SessionID: base64.RawStdEncoding.EncodeToString(signPub),
		SignPriv:  signPriv,
		SignPub:   signPub,
		ChainKey:  chainKey,
	}, nil
}

// ID returns the session identifier.
func (s *OutboundGroupSession) ID() string { return s.SessionID }

// MessageIndex returns the index the next encrypted message will carry.
func (s *OutboundGroupSession) MessageIndex() uint32 { return s.Index }

// SessionKey exports the key material a recipient needs to decrypt messages
// from the current index onward.
func (s *OutboundGroupSession) SessionKey() ([]byte, error) {
	return json.Marshal(exportedKey{
		SessionID: s.SessionID,
		SignPub:   s.SignPub,
		ChainKey:  append([]byte(nil), s.ChainKey...),
		Index:     s.Index,
	})
}

// advanceChain derives the message key for the current chain key and ratchets
// the chain forward one step.
func advanceChain(chainKey []byte) (nextChainKey, msgKey []byte, err error) {
	buffer := make([]byte, 64)
	if _, err := kdf.HKDF([]byte("GroupChainInput"), chainKey, []byte("GroupChainKDF"), buffer); err != nil {
		return nil, nil, err
	}
	return buffer[:32], buffer[32:], nil
}

func messageAAD(sessionID string, index uint32) []byte {
	aad := make([]byte, 0, len(sessionID)+4)
	aad = append(aad, sessionID...)
	aad = binary.BigEndian.AppendUint32(aad, index)
	return aad
}

func signedPortion(m *GroupMessage) []byte {
	b := messageAAD(m.SessionID, m.Index)
	return append(b, m.Ciphertext...)
}

// Encrypt produces the next group ciphertext and advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (*GroupMessage, error) {
	nextChainKey, msgKey, err := advanceChain(s.ChainKey)
	if err != nil {
		return nil, fmt.Errorf("megolm: advance chain: %w", err)
	}
	ct, err := encryption.AEADEncrypt(msgKey, plaintext, messageAAD(s.SessionID, s.Index))
	if err != nil {
		return nil, fmt.Errorf("megolm: encrypt: %w", err)
	}
	msg := &GroupMessage{
		SessionID:  s.SessionID,
		Index:      s.Index,
		Ciphertext: ct,
	}
	msg.Signature = signature.ED25519Sign(s.SignPriv, signedPortion(msg))

	s.ChainKey = nextChainKey
	s.Index++
	return msg, nil
}

// Pickle serializes the outbound session to an opaque blob.
func (s *OutboundGroupSession) Pickle() ([]byte, error) {
	return json.Marshal(s)
}

// NewInboundGroupSession builds an inbound session from exported key
// material.
func NewInboundGroupSession(sessionKey []byte) (*InboundGroupSession, error) {
	var exported exportedKey
	if err := json.Unmarshal(sessionKey, &exported); err != nil {
		return nil, fmt.Errorf("megolm: bad session key: %w", err)
	}
	if exported.SessionID == "" || len(exported.ChainKey) != 32 || len(exported.SignPub) != ed25519.PublicKeySize {
		return nil, errors.New("megolm: incomplete session key")
	}
	return &InboundGroupSession{
		SessionID:       exported.SessionID,
		SignPub:         exported.SignPub,
		ChainKey:        exported.ChainKey,
		FirstKnownIndex: exported.Index,
	}, nil
}

// ID returns the session identifier.
func (s *InboundGroupSession) ID() string { return s.SessionID }

// Decrypt verifies and decrypts a group message. The stored chain key is not
// advanced, so messages may arrive out of order; indices before the first
// known one are unreachable by construction.
func (s *InboundGroupSession) Decrypt(msg *GroupMessage) ([]byte, error) {
	if msg.SessionID != s.SessionID {
		return nil, fmt.Errorf("%w: session id mismatch", ErrGroupDecrypt)
	}
	if !signature.ED25519Verify(s.SignPub, signedPortion(msg), msg.Signature) {
		return nil, fmt.Errorf("%w: bad signature", ErrGroupDecrypt)
	}
	if msg.Index < s.FirstKnownIndex {
		return nil, fmt.Errorf("%w: index %d precedes first known index %d",
			ErrGroupDecrypt, msg.Index, s.FirstKnownIndex)
	}

	chainKey := append([]byte(nil), s.ChainKey...)
	var msgKey []byte
	var err error
	for i := s.FirstKnownIndex; ; i++ {
		chainKey, msgKey, err = advanceChain(chainKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGroupDecrypt, err)
		}
		if i == msg.Index {
			break
		}
	}

	plaintext, err := encryption.AEADDecrypt(msgKey, msg.Ciphertext, messageAAD(msg.SessionID, msg.Index))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGroupDecrypt, err)
	}
	return plaintext, nil
}

// Pickle serializes the inbound session to an opaque blob.
func (s *InboundGroupSession) Pickle() ([]byte, error) {
	return json.Marshal(s)
}

// InboundGroupSessionFromPickle restores an inbound session from a blob.
func InboundGroupSessionFromPickle(blob []byte) (*InboundGroupSession, error) {
	var s InboundGroupSession
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("megolm: unpickle inbound session: %w", err)
	}
	return &s, nil
}

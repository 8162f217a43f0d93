package olm

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"roomcrypt/internal/cryptographic/dh"
	"roomcrypt/internal/cryptographic/signature"
)

type (
	// OneTimeKey is a single-use X25519 key pair from the account's pool.
	OneTimeKey struct {
		ID        string   `json:"id"`
		Priv      [32]byte `json:"priv"`
		Pub       [32]byte `json:"pub"`
		Published bool     `json:"published"`
	}

	// Account holds this device's long-lived identity: an X25519 identity
	// pair for key agreement, an Ed25519 pair for signing and a pool of
	// one-time keys. It is created once per (user, device) and serialized as
	// an opaque pickle for persistence.
	Account struct {
		IdentityPriv [32]byte           `json:"identity_priv"`
		IdentityPub  [32]byte           `json:"identity_pub"`
		SignPriv     ed25519.PrivateKey `json:"sign_priv"`
		SignPub      ed25519.PublicKey  `json:"sign_pub"`
		OneTimeKeys  []*OneTimeKey      `json:"one_time_keys"`
	}
)

// NewAccount generates a fresh identity.
func NewAccount() (*Account, error) {
	ikPriv, ikPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("olm: generate identity key: %w", err)
	}
	signPub, signPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("olm: generate signing key: %w", err)
	}
	return &Account{
		IdentityPriv: ikPriv,
		IdentityPub:  ikPub,
		SignPriv:     signPriv,
		SignPub:      signPub,
	}, nil
}

// IdentityKey returns the base64 encoded X25519 identity public key.
func (a *Account) IdentityKey() string {
	return base64.RawStdEncoding.EncodeToString(a.IdentityPub[:])
}

// SigningKey returns the base64 encoded Ed25519 public key.
func (a *Account) SigningKey() string {
	return base64.RawStdEncoding.EncodeToString(a.SignPub)
}

// Sign signs message with the account's Ed25519 key.
func (a *Account) Sign(message []byte) []byte {
	return signature.ED25519Sign(a.SignPriv, message)
}

// GenerateOneTimeKeys adds count fresh unpublished keys to the pool.
func (a *Account) GenerateOneTimeKeys(count int) error {
	for i := 0; i < count; i++ {
		priv, pub, err := dh.NewX25519KeyPair()
		if err != nil {
			return fmt.Errorf("olm: generate one-time key: %w", err)
		}
		a.OneTimeKeys = append(a.OneTimeKeys, &OneTimeKey{
			ID:   uuid.NewString(),
			Priv: priv,
			Pub:  pub,
		})
	}
	return nil
}

// UnpublishedOneTimeKeys returns id -> base64 public key for every key not
// yet marked as published.
func (a *Account) UnpublishedOneTimeKeys() map[string]string {
	keys := make(map[string]string)
	for _, otk := range a.OneTimeKeys {
		if otk.Published {
			continue
		}
		keys[otk.ID] = base64.RawStdEncoding.EncodeToString(otk.Pub[:])
	}
	return keys
}

// MarkKeysAsPublished flags every pooled key as uploaded to the directory.
func (a *Account) MarkKeysAsPublished() {
	for _, otk := range a.OneTimeKeys {
		otk.Published = true
	}
}

// consumeOneTimeKey removes and returns the pooled key with the given public
// part. The second return is false when no such key exists (already consumed
// or never ours).
func (a *Account) consumeOneTimeKey(pub [32]byte) (*OneTimeKey, bool) {
	for i, otk := range a.OneTimeKeys {
		if otk.Pub == pub {
			a.OneTimeKeys = append(a.OneTimeKeys[:i], a.OneTimeKeys[i+1:]...)
			return otk, true
		}
	}
	return nil, false
}

// Pickle serializes the account to an opaque blob.
func (a *Account) Pickle() ([]byte, error) {
	return json.Marshal(a)
}

// AccountFromPickle restores an account from a pickle blob.
func AccountFromPickle(blob []byte) (*Account, error) {
	var a Account
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, fmt.Errorf("olm: unpickle account: %w", err)
	}
	return &a, nil
}

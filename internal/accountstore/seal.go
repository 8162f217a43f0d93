package accountstore

import (
	"crypto/rand"
	"database/sql"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for deriving the sealing key from the passphrase.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	saltSize = 16
)

// loadOrCreateSalt returns the database's sealing salt, generating and
// persisting it on first open.
func loadOrCreateSalt(db *sql.DB) ([]byte, error) {
	var salt []byte
	err := db.QueryRow("SELECT value FROM meta WHERE key = 'seal_salt'").Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("accountstore: load salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("accountstore: generate salt: %w", err)
	}
	if _, err := db.Exec("INSERT INTO meta (key, value) VALUES ('seal_salt', ?)", salt); err != nil {
		return nil, fmt.Errorf("accountstore: store salt: %w", err)
	}
	return salt, nil
}

// deriveSealKey stretches the passphrase into a ChaCha20-Poly1305 key using
// the per-database salt.
func deriveSealKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("accountstore: derive seal key: %w", err)
	}
	return key, nil
}

// seal encrypts a pickle blob, prefixing the random nonce. Rows are sealed
// individually, so secrets stay ciphertext even if the database file leaks
// together with loose table dumps.
func (s *Store) seal(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.sealKey)
	if err != nil {
		return nil, fmt.Errorf("accountstore: seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("accountstore: seal nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, blob, nil)...), nil
}

// open reverses seal.
func (s *Store) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.sealKey)
	if err != nil {
		return nil, fmt.Errorf("accountstore: open: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("accountstore: sealed blob too short")
	}
	blob, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("accountstore: open blob: %w", err)
	}
	return blob, nil
}

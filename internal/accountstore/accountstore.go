// Package accountstore persists the long-lived account secret and all
// session secrets in an encrypted sqlite database. The account relation
// holds one row per engine instance; sessions and inbound group sessions are
// append logs keyed by their compound ids. Rows are written when
// cryptographic state is created; ratchet advancement after creation is
// captured only by an explicit flush. On top of the sqlcipher file
// encryption, each blob is sealed individually with a key derived from the
// same passphrase.
package accountstore

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mutecomm/go-sqlcipher/v4" // registers the sqlite3 driver

	"roomcrypt/internal/engine"
)

// Store is the durable backend the engine runs on.
var _ engine.AccountStore = (*Store)(nil)

const (
	createAccountsTable = `
CREATE TABLE IF NOT EXISTS accounts (
  user TEXT NOT NULL PRIMARY KEY,
  blob BLOB NOT NULL
);`
	createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
  user       TEXT NOT NULL,
  device_id  TEXT NOT NULL,
  session_id TEXT NOT NULL,
  blob       BLOB NOT NULL,
  PRIMARY KEY (user, device_id, session_id)
);`
	createInboundGroupSessionsTable = `
CREATE TABLE IF NOT EXISTS inbound_group_sessions (
  room_id    TEXT NOT NULL,
  session_id TEXT NOT NULL,
  blob       BLOB NOT NULL,
  PRIMARY KEY (room_id, session_id)
);`
	createMetaTable = `
CREATE TABLE IF NOT EXISTS meta (
  key   TEXT NOT NULL PRIMARY KEY,
  value BLOB NOT NULL
);`
)

// Store wraps the encrypted database. Blobs are additionally sealed per row
// with a key derived from the passphrase.
type Store struct {
	db      *sql.DB
	sealKey []byte
}

// Open opens (creating if necessary) the encrypted database at path. The
// passphrase keys the database file; a wrong passphrase surfaces as a query
// error on first use.
func Open(path, passphrase string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma_key=%s&_pragma_cipher_page_size=4096",
		path, url.QueryEscape(passphrase))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("accountstore: open %s: %w", path, err)
	}
	for _, stmt := range []string{
		createAccountsTable,
		createSessionsTable,
		createInboundGroupSessionsTable,
		createMetaTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("accountstore: create tables: %w", err)
		}
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	sealKey, err := deriveSealKey(passphrase, salt)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, sealKey: sealKey}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAccount returns the account blob for user, or nil when absent.
func (s *Store) LoadAccount(user string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRow("SELECT blob FROM accounts WHERE user = ?", user).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("accountstore: load account: %w", err)
	}
	return s.open(sealed)
}

// SaveAccount inserts or updates the single account row for user.
func (s *Store) SaveAccount(user string, blob []byte, isNew bool) error {
	sealed, err := s.seal(blob)
	if err != nil {
		return err
	}
	if isNew {
		_, err = s.db.Exec("INSERT INTO accounts (user, blob) VALUES (?, ?)", user, sealed)
	} else {
		_, err = s.db.Exec("UPDATE accounts SET blob = ? WHERE user = ?", sealed, user)
	}
	if err != nil {
		return fmt.Errorf("accountstore: save account: %w", err)
	}
	return nil
}

// AppendSession records a newly created pairwise session secret.
func (s *Store) AppendSession(user, deviceID, sessionID string, blob []byte) error {
	sealed, err := s.seal(blob)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT INTO sessions (user, device_id, session_id, blob) VALUES (?, ?, ?, ?)",
		user, deviceID, sessionID, sealed)
	if err != nil {
		return fmt.Errorf("accountstore: append session: %w", err)
	}
	return nil
}

// UpdateSession rewrites the stored secret for an existing session. Used by
// flush to capture ratchet advancement since creation.
func (s *Store) UpdateSession(user, deviceID, sessionID string, blob []byte) error {
	sealed, err := s.seal(blob)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"UPDATE sessions SET blob = ? WHERE user = ? AND device_id = ? AND session_id = ?",
		sealed, user, deviceID, sessionID)
	if err != nil {
		return fmt.Errorf("accountstore: update session: %w", err)
	}
	return nil
}

// LoadSessions returns all persisted sessions in creation order.
func (s *Store) LoadSessions() ([]engine.StoredSession, error) {
	rows, err := s.db.Query(
		"SELECT user, device_id, session_id, blob FROM sessions ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("accountstore: load sessions: %w", err)
	}
	defer rows.Close()

	var result []engine.StoredSession
	for rows.Next() {
		var row engine.StoredSession
		var sealed []byte
		if err := rows.Scan(&row.UserID, &row.DeviceID, &row.SessionID, &sealed); err != nil {
			return nil, fmt.Errorf("accountstore: scan session: %w", err)
		}
		if row.Blob, err = s.open(sealed); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("accountstore: load sessions: %w", err)
	}
	return result, nil
}

// AppendInboundGroupSession records a newly created inbound group session.
func (s *Store) AppendInboundGroupSession(roomID, sessionID string, blob []byte) error {
	sealed, err := s.seal(blob)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT INTO inbound_group_sessions (room_id, session_id, blob) VALUES (?, ?, ?)",
		roomID, sessionID, sealed)
	if err != nil {
		return fmt.Errorf("accountstore: append inbound group session: %w", err)
	}
	return nil
}

// UpdateInboundGroupSession rewrites an existing inbound group session.
func (s *Store) UpdateInboundGroupSession(roomID, sessionID string, blob []byte) error {
	sealed, err := s.seal(blob)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"UPDATE inbound_group_sessions SET blob = ? WHERE room_id = ? AND session_id = ?",
		sealed, roomID, sessionID)
	if err != nil {
		return fmt.Errorf("accountstore: update inbound group session: %w", err)
	}
	return nil
}

// LoadInboundGroupSessions returns all persisted inbound group sessions.
func (s *Store) LoadInboundGroupSessions() ([]engine.StoredGroupSession, error) {
	rows, err := s.db.Query(
		"SELECT room_id, session_id, blob FROM inbound_group_sessions ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("accountstore: load inbound group sessions: %w", err)
	}
	defer rows.Close()

	var result []engine.StoredGroupSession
	for rows.Next() {
		var row engine.StoredGroupSession
		var sealed []byte
		if err := rows.Scan(&row.RoomID, &row.SessionID, &sealed); err != nil {
			return nil, fmt.Errorf("accountstore: scan inbound group session: %w", err)
		}
		if row.Blob, err = s.open(sealed); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("accountstore: load inbound group sessions: %w", err)
	}
	return result, nil
}

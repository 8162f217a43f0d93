// Package truststore persists the set of verified device fingerprints. A
// device is either present (verified) or absent; the store does not
// distinguish "untrusted" from "never seen". Every mutation rewrites the
// whole file atomically.
package truststore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"roomcrypt/internal/model"
	"roomcrypt/internal/utils/log"
)

// KeyTypeEd25519 is the only record tag currently written. Unknown tags are
// skipped on load so future key types do not break old binaries.
const KeyTypeEd25519 = "ed25519"

// ErrFingerprintMismatch is returned when a record for an already-verified
// (user, device) arrives with a different key. That is never accepted
// silently: it signals a changed identity key under a trusted device id.
var ErrFingerprintMismatch = errors.New("truststore: fingerprint mismatch for verified device")

type (
	// Record is one verified binding of a device to its signing key.
	Record struct {
		UserID   string
		DeviceID string
		KeyType  string
		Key      string
	}

	// Store is the file-backed record set.
	Store struct {
		path    string
		records []Record
	}
)

// RecordFromDevice builds the signing-key record for a directory device.
func RecordFromDevice(d model.DeviceIdentity) Record {
	return Record{
		UserID:   d.UserID,
		DeviceID: d.DeviceID,
		KeyType:  KeyTypeEd25519,
		Key:      d.Ed25519,
	}
}

// recordFromLine parses one stored line. It returns false for blank lines,
// comments, short lines and unrecognized key types.
func recordFromLine(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Record{}, false
	}
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return Record{}, false
	}
	if fields[2] != KeyTypeEd25519 {
		return Record{}, false
	}
	return Record{UserID: fields[0], DeviceID: fields[1], KeyType: fields[2], Key: fields[3]}, true
}

func (r Record) line() string {
	return fmt.Sprintf("%s %s %s %s\n", r.UserID, r.DeviceID, r.KeyType, r.Key)
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("truststore: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		record, ok := recordFromLine(scanner.Text())
		if !ok {
			continue
		}
		s.records = append(s.records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("truststore: read %s: %w", path, err)
	}
	return s, nil
}

// save rewrites the full record set via a temp file and atomic rename, so a
// crash never leaves a partially written store behind.
func (s *Store) save() error {
	dir := filepath.Dir(s.path)
	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("truststore: create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	w := bufio.NewWriter(f)
	for _, record := range s.records {
		if _, err := w.WriteString(record.line()); err != nil {
			_ = f.Close()
			return fmt.Errorf("truststore: write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("truststore: flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("truststore: close temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("truststore: replace %s: %w", s.path, err)
	}
	return nil
}

// get returns the stored record for (user, device, key type), if any.
func (s *Store) get(userID, deviceID, keyType string) (Record, bool) {
	for _, record := range s.records {
		if record.UserID == userID && record.DeviceID == deviceID && record.KeyType == keyType {
			return record, true
		}
	}
	return Record{}, false
}

// Verify inserts a record if absent. It returns whether the store changed.
// An existing record with a different key for the same (user, device) is a
// trust violation and leaves the store untouched.
func (s *Store) Verify(record Record) (bool, error) {
	if existing, ok := s.get(record.UserID, record.DeviceID, record.KeyType); ok {
		if existing.Key != record.Key {
			log.Error("refusing to verify device with mismatching fingerprint",
				zap.String("user_id", record.UserID),
				zap.String("device_id", record.DeviceID))
			return false, fmt.Errorf("%w: %s/%s", ErrFingerprintMismatch, record.UserID, record.DeviceID)
		}
		return false, nil
	}
	s.records = append(s.records, record)
	if err := s.save(); err != nil {
		s.records = s.records[:len(s.records)-1]
		return false, err
	}
	return true, nil
}

// Unverify removes a record if present, returning whether the store changed.
func (s *Store) Unverify(record Record) (bool, error) {
	for i, existing := range s.records {
		if existing == record {
			s.records = append(s.records[:i], s.records[i+1:]...)
			if err := s.save(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// IsVerified reports whether the exact record is present.
func (s *Store) IsVerified(record Record) bool {
	for _, existing := range s.records {
		if existing == record {
			return true
		}
	}
	return false
}

// Records returns a copy of the current record set.
func (s *Store) Records() []Record {
	return append([]Record(nil), s.records...)
}

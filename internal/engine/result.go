package engine

import (
	"errors"

	"roomcrypt/internal/model"
)

// DecryptStatus is the explicit outcome of a pairwise decrypt attempt. The
// multi-session trial loop never surfaces per-session errors; it reports one
// of these instead.
type DecryptStatus int

const (
	// StatusDecrypted means a session produced a valid plaintext.
	StatusDecrypted DecryptStatus = iota
	// StatusNoSession means no session existed for the sender and the message
	// was not a key-establishment message, so none could be created.
	StatusNoSession
	// StatusFailed means every attempted session failed, including fallback
	// session creation where applicable.
	StatusFailed
)

func (s DecryptStatus) String() string {
	switch s {
	case StatusDecrypted:
		return "decrypted"
	case StatusNoSession:
		return "no session"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DecryptResult carries the decrypt outcome. Payload is set only when Status
// is StatusDecrypted.
type DecryptResult struct {
	Status  DecryptStatus
	Payload *model.PlainPayload
}

// ErrUntrustedDevice aborts a whole key distribution: one sessioned device
// missing from the trust store blocks delivery to every recipient of the
// same call, already processed or not. Callers must not deliver any part of
// the map.
var ErrUntrustedDevice = errors.New("engine: untrusted device present, group session not shared")

// ErrNoOutboundGroupSession is returned when a share is requested for a room
// without an active outbound session.
var ErrNoOutboundGroupSession = errors.New("engine: no outbound group session for room")

// ErrNoSession is returned when a pairwise encrypt is requested for a device
// without any established session.
var ErrNoSession = errors.New("engine: no pairwise session for device")

package engine

import (
	"sort"

	"roomcrypt/internal/model"
	"roomcrypt/internal/protocol/megolm"
	"roomcrypt/internal/protocol/olm"
)

type (
	// SessionTable holds the pairwise sessions per (user, device). Sessions
	// are kept as an append-only ordered slice; creation order is a
	// correctness-relevant contract, not an incidental detail. Decryption
	// tries all of them in order, encryption always picks index 0.
	SessionTable struct {
		m map[string]map[string][]*olm.Session
	}

	// GroupSessionRegistry holds at most one outbound group session per room
	// and any number of inbound ones, keyed by (room, session id).
	GroupSessionRegistry struct {
		outbound map[string]*megolm.OutboundGroupSession
		inbound  map[string]map[string]*megolm.InboundGroupSession
	}

	// DeviceView is the engine's read-only view of remote devices, fed per
	// user by the directory collaborator.
	DeviceView struct {
		m map[string][]model.DeviceIdentity
	}
)

func NewSessionTable() *SessionTable {
	return &SessionTable{m: make(map[string]map[string][]*olm.Session)}
}

// Add appends a session for (user, device), preserving creation order.
func (t *SessionTable) Add(userID, deviceID string, session *olm.Session) {
	if _, ok := t.m[userID]; !ok {
		t.m[userID] = make(map[string][]*olm.Session)
	}
	t.m[userID][deviceID] = append(t.m[userID][deviceID], session)
}

// SessionsFor returns the sessions for (user, device) in creation order.
// Absent keys yield an empty slice.
func (t *SessionTable) SessionsFor(userID, deviceID string) []*olm.Session {
	return t.m[userID][deviceID]
}

// HasAny reports whether at least one session exists for (user, device).
func (t *SessionTable) HasAny(userID, deviceID string) bool {
	return len(t.m[userID][deviceID]) > 0
}

// DeviceIDs returns the device ids with sessions for user, sorted for
// deterministic iteration.
func (t *SessionTable) DeviceIDs(userID string) []string {
	devices := make([]string, 0, len(t.m[userID]))
	for deviceID := range t.m[userID] {
		devices = append(devices, deviceID)
	}
	sort.Strings(devices)
	return devices
}

func NewGroupSessionRegistry() *GroupSessionRegistry {
	return &GroupSessionRegistry{
		outbound: make(map[string]*megolm.OutboundGroupSession),
		inbound:  make(map[string]map[string]*megolm.InboundGroupSession),
	}
}

// Outbound returns the active outbound session for the room, or nil.
func (r *GroupSessionRegistry) Outbound(roomID string) *megolm.OutboundGroupSession {
	return r.outbound[roomID]
}

// SetOutbound installs the active outbound session for the room, superseding
// any previous one.
func (r *GroupSessionRegistry) SetOutbound(roomID string, session *megolm.OutboundGroupSession) {
	r.outbound[roomID] = session
}

// Inbound returns the inbound session for (room, session id), or nil.
func (r *GroupSessionRegistry) Inbound(roomID, sessionID string) *megolm.InboundGroupSession {
	return r.inbound[roomID][sessionID]
}

// AddInbound registers an inbound session under (room, session id).
func (r *GroupSessionRegistry) AddInbound(roomID string, session *megolm.InboundGroupSession) {
	if _, ok := r.inbound[roomID]; !ok {
		r.inbound[roomID] = make(map[string]*megolm.InboundGroupSession)
	}
	r.inbound[roomID][session.ID()] = session
}

func NewDeviceView() *DeviceView {
	return &DeviceView{m: make(map[string][]model.DeviceIdentity)}
}

// Update replaces the device list for user.
func (v *DeviceView) Update(userID string, devices []model.DeviceIdentity) {
	v.m[userID] = append([]model.DeviceIdentity(nil), devices...)
}

// DevicesFor returns the known devices of user; empty when unknown.
func (v *DeviceView) DevicesFor(userID string) []model.DeviceIdentity {
	return v.m[userID]
}

// IdentityKey returns the curve25519 identity key of (user, device).
func (v *DeviceView) IdentityKey(userID, deviceID string) (string, bool) {
	for _, d := range v.m[userID] {
		if d.DeviceID == deviceID {
			return d.Curve25519, true
		}
	}
	return "", false
}

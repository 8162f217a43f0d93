// Package engine implements the session and key lifecycle core: it decides
// which pairwise session decrypts or encrypts a message, when a room needs a
// fresh group session, whether that session's key may be distributed to a
// device, and persists every newly created secret before it is used.
package engine

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"roomcrypt/internal/model"
	"roomcrypt/internal/protocol/olm"
	"roomcrypt/internal/truststore"
	"roomcrypt/internal/utils/log"
)

// OneTimeKeyAlgorithm names the key kind claimed for missing sessions.
const OneTimeKeyAlgorithm = "curve25519"

type (
	// AccountStore is the durable backend for account and session secrets.
	// Writes must be committed before the call returns; the engine assumes
	// "returned success" implies "durable".
	AccountStore interface {
		LoadAccount(user string) ([]byte, error)
		SaveAccount(user string, blob []byte, isNew bool) error
		AppendSession(user, deviceID, sessionID string, blob []byte) error
		UpdateSession(user, deviceID, sessionID string, blob []byte) error
		LoadSessions() ([]StoredSession, error)
		AppendInboundGroupSession(roomID, sessionID string, blob []byte) error
		UpdateInboundGroupSession(roomID, sessionID string, blob []byte) error
		LoadInboundGroupSessions() ([]StoredGroupSession, error)
	}

	// StoredSession is a persisted pairwise session row.
	StoredSession struct {
		UserID    string
		DeviceID  string
		SessionID string
		Blob      []byte
	}

	// StoredGroupSession is a persisted inbound group session row.
	StoredGroupSession struct {
		RoomID    string
		SessionID string
		Blob      []byte
	}

	// Engine owns all per-device cryptographic state: the account, the
	// pairwise session table, the group session registry, the set of shared
	// session ids and the trust store. One engine per (user, device); no
	// concurrent mutation of the same engine is supported.
	Engine struct {
		user     string
		deviceID string

		account *olm.Account
		store   AccountStore
		trust   *truststore.Store

		devices  *DeviceView
		sessions *SessionTable
		groups   *GroupSessionRegistry

		// Outbound group session ids whose keys were already distributed.
		// Append-only; membership gates re-distribution.
		shared map[string]struct{}

		// Sessions whose (user, device) owner is known, for flushing.
		sessionOwners map[*olm.Session][2]string
	}
)

// New loads or creates the engine state for (user, deviceID) from the given
// store. The trust store is backed by its own durable file and survives
// restarts independently.
func New(user, deviceID string, store AccountStore, trust *truststore.Store) (*Engine, error) {
	e := &Engine{
		user:          user,
		deviceID:      deviceID,
		store:         store,
		trust:         trust,
		devices:       NewDeviceView(),
		sessions:      NewSessionTable(),
		groups:        NewGroupSessionRegistry(),
		shared:        make(map[string]struct{}),
		sessionOwners: make(map[*olm.Session][2]string),
	}

	blob, err := store.LoadAccount(user)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		account, err := olm.NewAccount()
		if err != nil {
			return nil, err
		}
		pickle, err := account.Pickle()
		if err != nil {
			return nil, err
		}
		if err := store.SaveAccount(user, pickle, true); err != nil {
			return nil, err
		}
		e.account = account
		log.Info("created new account", zap.String("user", user), zap.String("device_id", deviceID))
	} else {
		account, err := olm.AccountFromPickle(blob)
		if err != nil {
			return nil, err
		}
		e.account = account
	}

	rows, err := store.LoadSessions()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		session, err := olm.SessionFromPickle(row.Blob)
		if err != nil {
			return nil, fmt.Errorf("engine: restore session %s: %w", row.SessionID, err)
		}
		e.addSession(row.UserID, row.DeviceID, session)
	}

	groupRows, err := store.LoadInboundGroupSessions()
	if err != nil {
		return nil, err
	}
	for _, row := range groupRows {
		session, err := megolmFromPickle(row.Blob)
		if err != nil {
			return nil, fmt.Errorf("engine: restore inbound group session %s: %w", row.SessionID, err)
		}
		e.groups.AddInbound(row.RoomID, session)
	}

	return e, nil
}

// UserID returns the owning user id.
func (e *Engine) UserID() string { return e.user }

// DeviceID returns the owning device id.
func (e *Engine) DeviceID() string { return e.deviceID }

// IdentityKey returns this device's curve25519 identity key.
func (e *Engine) IdentityKey() string { return e.account.IdentityKey() }

// SigningKey returns this device's ed25519 signing key.
func (e *Engine) SigningKey() string { return e.account.SigningKey() }

// UpdateDevices replaces the known device list for a user. The directory
// collaborator calls this whenever its view is refreshed.
func (e *Engine) UpdateDevices(userID string, devices []model.DeviceIdentity) {
	e.devices.Update(userID, devices)
}

// DevicesFor exposes the current directory view for a user.
func (e *Engine) DevicesFor(userID string) []model.DeviceIdentity {
	return e.devices.DevicesFor(userID)
}

// VerifyDevice marks a device's signing key as trusted. It returns whether
// the trust store changed; a conflicting fingerprint for an already-trusted
// device id is a fatal trust error.
func (e *Engine) VerifyDevice(device model.DeviceIdentity) (bool, error) {
	return e.trust.Verify(truststore.RecordFromDevice(device))
}

// UnverifyDevice removes a device's trust record, returning it to unknown.
func (e *Engine) UnverifyDevice(device model.DeviceIdentity) (bool, error) {
	return e.trust.Unverify(truststore.RecordFromDevice(device))
}

// IsDeviceVerified reports whether the device's signing key is trusted.
func (e *Engine) IsDeviceVerified(device model.DeviceIdentity) bool {
	return e.trust.IsVerified(truststore.RecordFromDevice(device))
}

func (e *Engine) addSession(userID, deviceID string, session *olm.Session) {
	e.sessions.Add(userID, deviceID, session)
	e.sessionOwners[session] = [2]string{userID, deviceID}
}

func (e *Engine) persistAccount() error {
	pickle, err := e.account.Pickle()
	if err != nil {
		return err
	}
	return e.store.SaveAccount(e.user, pickle, false)
}

func (e *Engine) persistNewSession(userID, deviceID string, session *olm.Session) error {
	pickle, err := session.Pickle()
	if err != nil {
		return err
	}
	return e.store.AppendSession(userID, deviceID, session.ID, pickle)
}

// Decrypt attempts to decrypt a pairwise message from sender. Every session
// for every known device of the sender is tried in creation order; for
// key-establishment messages, sessions that do not match the embedded
// identity are skipped. If all existing sessions fail and the message is a
// key-establishment message, a new inbound session is created, consuming one
// of this device's one-time keys. Per-session failures are swallowed; only
// persistence failures surface as an error.
func (e *Engine) Decrypt(sender, senderKey string, msg *olm.Message) (*DecryptResult, error) {
	tried := false
	for _, deviceID := range e.sessions.DeviceIDs(sender) {
		for _, session := range e.sessions.SessionsFor(sender, deviceID) {
			if msg.Type == olm.MessageTypeKeyEstablishment && !session.Matches(msg) {
				continue
			}
			tried = true
			log.Debug("trying existing session",
				zap.String("sender", sender),
				zap.String("device_id", deviceID),
				zap.String("session_id", session.ID))
			payload, err := decryptPayload(session, msg)
			if err != nil {
				log.Warn("session failed to decrypt message",
					zap.String("sender", sender),
					zap.String("device_id", deviceID),
					zap.Error(err))
				continue
			}
			log.Info("decrypted message using existing session",
				zap.String("sender", sender),
				zap.String("device_id", deviceID))
			return &DecryptResult{Status: StatusDecrypted, Payload: payload}, nil
		}
	}

	// Only a key-establishment message can originate a session. NoSession is
	// reserved for "nothing to try at all"; a continuation message that every
	// existing session rejected is a failure.
	if msg.Type != olm.MessageTypeKeyEstablishment {
		if tried {
			return &DecryptResult{Status: StatusFailed}, nil
		}
		return &DecryptResult{Status: StatusNoSession}, nil
	}

	session, err := e.createInboundSession(sender, senderKey, msg)
	if err != nil {
		log.Warn("inbound session creation failed", zap.String("sender", sender), zap.Error(err))
		return &DecryptResult{Status: StatusFailed}, nil
	}

	payload, err := decryptPayload(session, msg)
	if err != nil {
		log.Warn("new inbound session failed to decrypt", zap.String("sender", sender), zap.Error(err))
		return &DecryptResult{Status: StatusFailed}, nil
	}
	if payload.SenderDevice == "" {
		log.Warn("decrypted payload names no sender device", zap.String("sender", sender))
		return &DecryptResult{Status: StatusFailed}, nil
	}

	e.addSession(sender, payload.SenderDevice, session)
	if err := e.persistNewSession(sender, payload.SenderDevice, session); err != nil {
		return nil, err
	}
	return &DecryptResult{Status: StatusDecrypted, Payload: payload}, nil
}

// createInboundSession derives a session from a key-establishment message,
// consuming a one-time key, and persists the mutated account before the
// session is used.
func (e *Engine) createInboundSession(sender, senderKey string, msg *olm.Message) (*olm.Session, error) {
	log.Info("creating inbound session", zap.String("sender", sender))
	session, err := olm.NewInboundSession(e.account, msg, senderKey)
	if err != nil {
		return nil, err
	}
	if err := e.persistAccount(); err != nil {
		return nil, err
	}
	return session, nil
}

func decryptPayload(session *olm.Session, msg *olm.Message) (*model.PlainPayload, error) {
	plaintext, err := session.Decrypt(msg)
	if err != nil {
		return nil, err
	}
	var payload model.PlainPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("engine: parse plaintext: %w", err)
	}
	return &payload, nil
}

// CreateOutboundSession establishes a pairwise session towards a device of
// userID using a claimed one-time key, and persists it.
func (e *Engine) CreateOutboundSession(userID, deviceID, oneTimeKey string) error {
	identityKey, ok := e.devices.IdentityKey(userID, deviceID)
	if !ok {
		return fmt.Errorf("engine: identity key for device %s/%s not found", userID, deviceID)
	}
	log.Info("creating outbound session",
		zap.String("user_id", userID), zap.String("device_id", deviceID))

	session, err := olm.NewOutboundSession(e.account, identityKey, oneTimeKey)
	if err != nil {
		return err
	}
	e.addSession(userID, deviceID, session)
	if err := e.persistNewSession(userID, deviceID, session); err != nil {
		return err
	}
	return nil
}

// GetMissingSessions returns, per user, the devices this engine has no
// pairwise session with yet (excluding this device itself), mapped to the
// one-time key algorithm to claim for them.
func (e *Engine) GetMissingSessions(users []string) map[string]map[string]string {
	missing := make(map[string]map[string]string)
	for _, userID := range users {
		for _, device := range e.devices.DevicesFor(userID) {
			if userID == e.user && device.DeviceID == e.deviceID {
				continue
			}
			if e.sessions.HasAny(userID, device.DeviceID) {
				continue
			}
			log.Debug("missing session for device",
				zap.String("user_id", userID), zap.String("device_id", device.DeviceID))
			if _, ok := missing[userID]; !ok {
				missing[userID] = make(map[string]string)
			}
			missing[userID][device.DeviceID] = OneTimeKeyAlgorithm
		}
	}
	return missing
}

// Encrypt encrypts a direct payload for one device using the oldest
// surviving session for it.
func (e *Engine) Encrypt(userID, deviceID string, payload *model.PlainPayload) (*model.PairwiseEnvelope, error) {
	sessions := e.sessions.SessionsFor(userID, deviceID)
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoSession, userID, deviceID)
	}
	identityKey, ok := e.devices.IdentityKey(userID, deviceID)
	if !ok {
		return nil, fmt.Errorf("engine: identity key for device %s/%s not found", userID, deviceID)
	}

	plaintext, err := model.CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	msg, err := sessions[0].Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &model.PairwiseEnvelope{
		Algorithm: model.AlgorithmPairwise,
		SenderKey: e.account.IdentityKey(),
		Ciphertext: map[string]model.PairwiseCiphertext{
			identityKey: {Type: int(msg.Type), Body: body},
		},
	}, nil
}

// SignJSON signs the canonical JSON form of v with the account's key.
func (e *Engine) SignJSON(v any) ([]byte, error) {
	canonical, err := model.CanonicalJSON(v)
	if err != nil {
		return nil, err
	}
	return e.account.Sign(canonical), nil
}

// GenerateOneTimeKeys adds count keys to the pool, persists the account, and
// returns the unpublished keys for upload.
func (e *Engine) GenerateOneTimeKeys(count int) (map[string]string, error) {
	if err := e.account.GenerateOneTimeKeys(count); err != nil {
		return nil, err
	}
	if err := e.persistAccount(); err != nil {
		return nil, err
	}
	return e.account.UnpublishedOneTimeKeys(), nil
}

// MarkKeysAsPublished flags all pooled one-time keys as uploaded.
func (e *Engine) MarkKeysAsPublished() error {
	e.account.MarkKeysAsPublished()
	return e.persistAccount()
}

// Flush re-persists all mutable secrets: the account and every session whose
// ratchet may have advanced since its creation row was written. Call before
// shutdown; between flushes the store only reflects creation-time state.
func (e *Engine) Flush() error {
	if err := e.persistAccount(); err != nil {
		return err
	}
	for session, owner := range e.sessionOwners {
		pickle, err := session.Pickle()
		if err != nil {
			return err
		}
		if err := e.store.UpdateSession(owner[0], owner[1], session.ID, pickle); err != nil {
			return err
		}
	}
	for roomID, sessions := range e.groups.inbound {
		for sessionID, session := range sessions {
			pickle, err := session.Pickle()
			if err != nil {
				return err
			}
			if err := e.store.UpdateInboundGroupSession(roomID, sessionID, pickle); err != nil {
				return err
			}
		}
	}
	return nil
}

package engine

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"roomcrypt/internal/model"
	"roomcrypt/internal/protocol/megolm"
	"roomcrypt/internal/protocol/olm"
	"roomcrypt/internal/truststore"
	"roomcrypt/internal/utils/log"
)

func megolmFromPickle(blob []byte) (*megolm.InboundGroupSession, error) {
	return megolm.InboundGroupSessionFromPickle(blob)
}

// CreateGroupSession registers an inbound group session for a room from
// exported key material (our own on rotation, or a peer's room key) and
// persists it.
func (e *Engine) CreateGroupSession(roomID string, sessionKey []byte) error {
	log.Info("creating inbound group session", zap.String("room_id", roomID))
	session, err := megolm.NewInboundGroupSession(sessionKey)
	if err != nil {
		return err
	}
	e.groups.AddInbound(roomID, session)

	pickle, err := session.Pickle()
	if err != nil {
		return err
	}
	if err := e.store.AppendInboundGroupSession(roomID, session.ID(), pickle); err != nil {
		return err
	}
	return nil
}

// createOutboundGroupSession makes a fresh broadcast key for the room and
// registers its inbound twin so this device can decrypt its own history.
func (e *Engine) createOutboundGroupSession(roomID string) error {
	log.Info("creating outbound group session", zap.String("room_id", roomID))
	session, err := megolm.NewOutboundGroupSession()
	if err != nil {
		return err
	}
	e.groups.SetOutbound(roomID, session)

	sessionKey, err := session.SessionKey()
	if err != nil {
		return err
	}
	return e.CreateGroupSession(roomID, sessionKey)
}

// GroupEncrypt encrypts a room message. On the first call for a room it
// creates the outbound group session; on the first use of a given session id
// it performs the trust-gated fan-out and returns the per-device delivery
// map alongside the ciphertext. The fan-out happens exactly once per session
// id, regardless of later membership changes.
func (e *Engine) GroupEncrypt(roomID string, plaintext map[string]any, ownID string, users []string) (*model.GroupEnvelope, *model.ToDeviceMap, error) {
	body := make(map[string]any, len(plaintext)+1)
	for k, v := range plaintext {
		body[k] = v
	}
	body["room_id"] = roomID

	if e.groups.Outbound(roomID) == nil {
		if err := e.createOutboundGroupSession(roomID); err != nil {
			return nil, nil, err
		}
	}
	session := e.groups.Outbound(roomID)

	var toDevice *model.ToDeviceMap
	if _, alreadyShared := e.shared[session.ID()]; !alreadyShared {
		var err error
		toDevice, err = e.ShareGroupSession(roomID, ownID, users)
		if err != nil {
			return nil, nil, err
		}
		e.shared[session.ID()] = struct{}{}
	}

	raw, err := model.CanonicalJSON(body)
	if err != nil {
		return nil, nil, err
	}
	msg, err := session.Encrypt(raw)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}

	envelope := &model.GroupEnvelope{
		Algorithm:  model.AlgorithmGroup,
		SenderKey:  e.account.IdentityKey(),
		Ciphertext: ciphertext,
		SessionID:  session.ID(),
		DeviceID:   e.deviceID,
		RoomID:     roomID,
	}
	return envelope, toDevice, nil
}

// GroupDecrypt decrypts a room ciphertext with the inbound session named by
// its session id. The second return is false when no such session is known
// or decryption fails; neither is fatal.
func (e *Engine) GroupDecrypt(roomID, sessionID string, ciphertext []byte) ([]byte, bool) {
	session := e.groups.Inbound(roomID, sessionID)
	if session == nil {
		return nil, false
	}
	var msg megolm.GroupMessage
	if err := json.Unmarshal(ciphertext, &msg); err != nil {
		log.Warn("malformed group ciphertext", zap.String("room_id", roomID), zap.Error(err))
		return nil, false
	}
	plaintext, err := session.Decrypt(&msg)
	if err != nil {
		log.Warn("group decrypt failed",
			zap.String("room_id", roomID), zap.String("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	return plaintext, true
}

// ShareGroupSession builds the encrypted room-key payload for every device
// of every member user. Devices without a pairwise session are silently
// excluded (the caller establishes sessions beforehand); a sessioned device
// absent from the trust store aborts the whole fan-out with
// ErrUntrustedDevice and no partial map is returned.
func (e *Engine) ShareGroupSession(roomID, ownID string, users []string) (*model.ToDeviceMap, error) {
	session := e.groups.Outbound(roomID)
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOutboundGroupSession, roomID)
	}

	sessionKey, err := session.SessionKey()
	if err != nil {
		return nil, err
	}
	content := model.RoomKeyContent{
		Algorithm:  model.AlgorithmGroup,
		RoomID:     roomID,
		SessionID:  session.ID(),
		SessionKey: sessionKey,
		ChainIndex: session.MessageIndex(),
	}
	rawContent, err := model.CanonicalJSON(content)
	if err != nil {
		return nil, err
	}

	base := model.PlainPayload{
		Type:         model.PayloadTypeRoomKey,
		Content:      rawContent,
		Sender:       ownID,
		SenderDevice: e.deviceID,
		Keys:         map[string]string{"ed25519": e.account.SigningKey()},
		Signature:    e.account.Sign(rawContent),
	}

	toDevice := &model.ToDeviceMap{}
	for _, userID := range users {
		for _, device := range e.devices.DevicesFor(userID) {
			if userID == e.user && device.DeviceID == e.deviceID {
				continue
			}
			if !e.sessions.HasAny(userID, device.DeviceID) {
				continue
			}
			if !e.trust.IsVerified(truststore.RecordFromDevice(device)) {
				log.Error("aborting group session share: untrusted device",
					zap.String("room_id", roomID),
					zap.String("user_id", userID),
					zap.String("device_id", device.DeviceID))
				return nil, fmt.Errorf("%w: %s/%s", ErrUntrustedDevice, userID, device.DeviceID)
			}

			payload := base
			payload.Recipient = userID
			payload.RecipientKeys = map[string]string{"ed25519": device.Ed25519}
			plaintext, err := model.CanonicalJSON(payload)
			if err != nil {
				return nil, err
			}

			pairwise := e.sessions.SessionsFor(userID, device.DeviceID)[0]
			msg, err := pairwise.Encrypt(plaintext)
			if err != nil {
				return nil, err
			}
			wireBody, err := json.Marshal(msg)
			if err != nil {
				return nil, err
			}

			toDevice.Put(userID, device.DeviceID, model.PairwiseEnvelope{
				Algorithm: model.AlgorithmPairwise,
				SenderKey: e.account.IdentityKey(),
				Ciphertext: map[string]model.PairwiseCiphertext{
					device.Curve25519: {Type: messageTypeTag(msg), Body: wireBody},
				},
			})
		}
	}
	return toDevice, nil
}

func messageTypeTag(msg *olm.Message) int {
	if msg.Type == olm.MessageTypeKeyEstablishment {
		return 0
	}
	return 1
}

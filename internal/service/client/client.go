// Package client is the device-side service: it keeps the engine fed with
// directory state, establishes missing pairwise sessions, and moves encrypted
// envelopes over the relay websocket. All cryptographic decisions live in the
// engine; this package only plumbs.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomcrypt/internal/directory"
	"roomcrypt/internal/engine"
	"roomcrypt/internal/model"
	"roomcrypt/internal/protocol/olm"
	"roomcrypt/internal/utils/log"
)

const oneTimeKeyBatch = 10

type (
	// Handler receives decrypted traffic. Both callbacks run on the websocket
	// reader goroutine.
	Handler interface {
		HandleDirect(from string, payload *model.PlainPayload)
		HandleGroup(roomID, from string, plaintext []byte)
	}

	Client struct {
		// mu serializes engine access between the websocket reader goroutine
		// and callers; the engine supports no concurrent mutation. Relay
		// writes happen under the same lock, keeping a single socket writer.
		mu sync.Mutex

		engine    *engine.Engine
		directory *directory.Client
		handler   Handler

		relayHost string
		conn      *websocket.Conn
	}
)

func NewClient(eng *engine.Engine, dir *directory.Client, relayHost string, handler Handler) *Client {
	return &Client{
		engine:    eng,
		directory: dir,
		handler:   handler,
		relayHost: relayHost,
	}
}

// Run publishes this device's keys, connects to the relay and starts the
// receive loop. It returns once the websocket is up.
func (c *Client) Run(ctx context.Context) error {
	if err := c.publishKeys(ctx); err != nil {
		return err
	}

	u := url.URL{Scheme: "ws", Host: c.relayHost, Path: "/init"}
	q := u.Query()
	q.Set("userID", c.engine.UserID())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("client: dial relay: %w", err)
	}
	c.conn = conn

	go c.listen()
	return nil
}

// Stop flushes mutable engine state and closes the relay connection.
func (c *Client) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Flush()
}

func (c *Client) publishKeys(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	oneTimeKeys, err := c.engine.GenerateOneTimeKeys(oneTimeKeyBatch)
	if err != nil {
		return err
	}
	err = c.directory.Publish(ctx, directory.PublishRequest{
		UserID:      c.engine.UserID(),
		DeviceID:    c.engine.DeviceID(),
		IdentityKey: c.engine.IdentityKey(),
		SigningKey:  c.engine.SigningKey(),
		OneTimeKeys: oneTimeKeys,
	})
	if err != nil {
		return err
	}
	return c.engine.MarkKeysAsPublished()
}

// SyncDevices refreshes the engine's directory view for the given users.
func (c *Client) SyncDevices(ctx context.Context, users []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncDevices(ctx, users)
}

func (c *Client) syncDevices(ctx context.Context, users []string) error {
	for _, userID := range users {
		devices, err := c.directory.Devices(ctx, userID)
		if err != nil {
			return err
		}
		c.engine.UpdateDevices(userID, devices)
	}
	return nil
}

// EstablishSessions claims one one-time key per sessionless device of the
// given users and creates outbound sessions towards them. Devices whose key
// pool is exhausted are skipped with a warning.
func (c *Client) EstablishSessions(ctx context.Context, users []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.establishSessions(ctx, users)
}

func (c *Client) establishSessions(ctx context.Context, users []string) error {
	if err := c.syncDevices(ctx, users); err != nil {
		return err
	}

	for userID, devices := range c.engine.GetMissingSessions(users) {
		for deviceID := range devices {
			claimed, err := c.directory.ClaimOneTimeKey(ctx, userID, deviceID)
			if err != nil {
				log.Warn("one-time key claim failed",
					zap.String("user_id", userID), zap.String("device_id", deviceID), zap.Error(err))
				continue
			}
			if err := c.engine.CreateOutboundSession(userID, deviceID, claimed.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendDirect encrypts a direct payload for one device and relays it.
func (c *Client) SendDirect(userID, deviceID string, content json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload := &model.PlainPayload{
		Type:         model.PayloadTypeMessage,
		Content:      content,
		Sender:       c.engine.UserID(),
		SenderDevice: c.engine.DeviceID(),
		Recipient:    userID,
	}
	envelope, err := c.engine.Encrypt(userID, deviceID, payload)
	if err != nil {
		return err
	}
	return c.send(userID, model.KindPairwise, envelope)
}

// SendGroup encrypts a room message, delivering room keys first when this is
// the first message of a fresh group session.
func (c *Client) SendGroup(ctx context.Context, roomID string, users []string, plaintext map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.establishSessions(ctx, users); err != nil {
		return err
	}

	envelope, toDevice, err := c.engine.GroupEncrypt(roomID, plaintext, c.engine.UserID(), users)
	if err != nil {
		return err
	}

	if toDevice != nil {
		for userID, perDevice := range toDevice.Messages {
			for _, keyEnvelope := range perDevice {
				if err := c.send(userID, model.KindRoomKey, keyEnvelope); err != nil {
					return err
				}
			}
		}
	}

	for _, userID := range users {
		if userID == c.engine.UserID() {
			continue
		}
		if err := c.send(userID, model.KindGroup, envelope); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) send(to, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(&model.RelayMessage{
		ID:      uuid.NewString(),
		From:    c.engine.UserID(),
		To:      to,
		Kind:    kind,
		Payload: data,
	})
}

func (c *Client) listen() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			c.conn.Close()
			break
		}

		var message model.RelayMessage
		if err := json.Unmarshal(data, &message); err != nil {
			log.Error("Unmarshal message failed", zap.Error(err))
			continue
		}

		switch message.Kind {
		case model.KindPairwise, model.KindRoomKey:
			c.receivePairwise(&message)
		case model.KindGroup:
			c.receiveGroup(&message)
		default:
			log.Warn("unknown relay message kind", zap.String("kind", message.Kind))
		}
	}
}

func (c *Client) receivePairwise(message *model.RelayMessage) {
	var envelope model.PairwiseEnvelope
	if err := json.Unmarshal(message.Payload, &envelope); err != nil {
		log.Error("Unmarshal pairwise envelope failed", zap.Error(err))
		return
	}
	ciphertext, ok := envelope.Ciphertext[c.engine.IdentityKey()]
	if !ok {
		log.Warn("envelope not addressed to this device", zap.String("from", message.From))
		return
	}

	var msg olm.Message
	if err := json.Unmarshal(ciphertext.Body, &msg); err != nil {
		log.Error("Unmarshal pairwise message failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	result, err := c.engine.Decrypt(message.From, envelope.SenderKey, &msg)
	c.mu.Unlock()
	if err != nil {
		log.Error("decrypt failed", zap.String("from", message.From), zap.Error(err))
		return
	}
	if result.Status != engine.StatusDecrypted {
		log.Warn("message not decrypted",
			zap.String("from", message.From), zap.String("status", result.Status.String()))
		return
	}

	switch result.Payload.Type {
	case model.PayloadTypeRoomKey:
		c.acceptRoomKey(message.From, result.Payload)
	default:
		if c.handler != nil {
			c.handler.HandleDirect(message.From, result.Payload)
		}
	}
}

func (c *Client) acceptRoomKey(from string, payload *model.PlainPayload) {
	content, err := payload.RoomKey()
	if err != nil {
		log.Error("bad room key payload", zap.String("from", from), zap.Error(err))
		return
	}
	c.mu.Lock()
	err = c.engine.CreateGroupSession(content.RoomID, content.SessionKey)
	c.mu.Unlock()
	if err != nil {
		log.Error("create group session failed",
			zap.String("from", from), zap.String("room_id", content.RoomID), zap.Error(err))
	}
}

func (c *Client) receiveGroup(message *model.RelayMessage) {
	var envelope model.GroupEnvelope
	if err := json.Unmarshal(message.Payload, &envelope); err != nil {
		log.Error("Unmarshal group envelope failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	plaintext, ok := c.engine.GroupDecrypt(envelope.RoomID, envelope.SessionID, envelope.Ciphertext)
	c.mu.Unlock()
	if !ok {
		log.Warn("group message not decrypted",
			zap.String("from", message.From), zap.String("session_id", envelope.SessionID))
		return
	}
	if c.handler != nil {
		c.handler.HandleGroup(envelope.RoomID, message.From, plaintext)
	}
}

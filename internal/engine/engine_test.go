package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"roomcrypt/internal/cryptographic/dh"
	"roomcrypt/internal/cryptographic/signature"
	"roomcrypt/internal/model"
	"roomcrypt/internal/protocol/olm"
	"roomcrypt/internal/truststore"
)

// memStore is an in-memory AccountStore for tests.
type memStore struct {
	accounts map[string][]byte
	sessions []StoredSession
	groups   []StoredGroupSession
}

func newMemStore() *memStore {
	return &memStore{accounts: make(map[string][]byte)}
}

func (s *memStore) LoadAccount(user string) ([]byte, error) {
	return s.accounts[user], nil
}

func (s *memStore) SaveAccount(user string, blob []byte, isNew bool) error {
	s.accounts[user] = blob
	return nil
}

func (s *memStore) AppendSession(user, deviceID, sessionID string, blob []byte) error {
	s.sessions = append(s.sessions, StoredSession{UserID: user, DeviceID: deviceID, SessionID: sessionID, Blob: blob})
	return nil
}

func (s *memStore) UpdateSession(user, deviceID, sessionID string, blob []byte) error {
	for i, row := range s.sessions {
		if row.UserID == user && row.DeviceID == deviceID && row.SessionID == sessionID {
			s.sessions[i].Blob = blob
			return nil
		}
	}
	return fmt.Errorf("no such session %s", sessionID)
}

func (s *memStore) LoadSessions() ([]StoredSession, error) {
	return append([]StoredSession(nil), s.sessions...), nil
}

func (s *memStore) AppendInboundGroupSession(roomID, sessionID string, blob []byte) error {
	s.groups = append(s.groups, StoredGroupSession{RoomID: roomID, SessionID: sessionID, Blob: blob})
	return nil
}

func (s *memStore) UpdateInboundGroupSession(roomID, sessionID string, blob []byte) error {
	for i, row := range s.groups {
		if row.RoomID == roomID && row.SessionID == sessionID {
			s.groups[i].Blob = blob
			return nil
		}
	}
	return fmt.Errorf("no such group session %s", sessionID)
}

func (s *memStore) LoadInboundGroupSessions() ([]StoredGroupSession, error) {
	return append([]StoredGroupSession(nil), s.groups...), nil
}

type testPeer struct {
	engine *Engine
	store  *memStore
	trust  string
}

func newTestPeer(t *testing.T, user, deviceID string) *testPeer {
	t.Helper()
	store := newMemStore()
	trustPath := filepath.Join(t.TempDir(), "trusted_devices")
	trust, err := truststore.Open(trustPath)
	require.NoError(t, err)
	eng, err := New(user, deviceID, store, trust)
	require.NoError(t, err)
	return &testPeer{engine: eng, store: store, trust: trustPath}
}

// restart rebuilds the engine from the peer's persisted state.
func (p *testPeer) restart(t *testing.T) {
	t.Helper()
	trust, err := truststore.Open(p.trust)
	require.NoError(t, err)
	eng, err := New(p.engine.user, p.engine.deviceID, p.store, trust)
	require.NoError(t, err)
	p.engine = eng
}

func (p *testPeer) device() model.DeviceIdentity {
	return model.DeviceIdentity{
		UserID:     p.engine.UserID(),
		DeviceID:   p.engine.DeviceID(),
		Ed25519:    p.engine.SigningKey(),
		Curve25519: p.engine.IdentityKey(),
	}
}

// claimKey pulls one one-time key from the peer's pool, the way a directory
// claim would.
func claimKey(t *testing.T, p *testPeer) string {
	t.Helper()
	keys, err := p.engine.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	for _, key := range keys {
		return key
	}
	t.Fatal("no one-time key generated")
	return ""
}

// connect makes both peers aware of each other and establishes an outbound
// session from a towards b.
func connect(t *testing.T, a, b *testPeer) {
	t.Helper()
	a.engine.UpdateDevices(b.engine.UserID(), []model.DeviceIdentity{b.device()})
	b.engine.UpdateDevices(a.engine.UserID(), []model.DeviceIdentity{a.device()})
	require.NoError(t, a.engine.CreateOutboundSession(b.engine.UserID(), b.engine.DeviceID(), claimKey(t, b)))
}

func directPayload(from *testPeer, to string, body string) *model.PlainPayload {
	return &model.PlainPayload{
		Type:         model.PayloadTypeMessage,
		Content:      json.RawMessage(fmt.Sprintf("%q", body)),
		Sender:       from.engine.UserID(),
		SenderDevice: from.engine.DeviceID(),
		Recipient:    to,
	}
}

// extractMessage unwraps the pairwise message addressed to the peer from an
// envelope.
func extractMessage(t *testing.T, envelope *model.PairwiseEnvelope, p *testPeer) *olm.Message {
	t.Helper()
	ct, ok := envelope.Ciphertext[p.engine.IdentityKey()]
	require.True(t, ok, "envelope not addressed to peer")
	var msg olm.Message
	require.NoError(t, json.Unmarshal(ct.Body, &msg))
	return &msg
}

func TestPairwiseRoundtrip(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV")
	connect(t, alice, bob)

	envelope, err := alice.engine.Encrypt("bob", "BDEV", directPayload(alice, "bob", "hi bob"))
	require.NoError(t, err)
	require.Equal(t, model.AlgorithmPairwise, envelope.Algorithm)

	result, err := bob.engine.Decrypt("alice", alice.engine.IdentityKey(), extractMessage(t, envelope, bob))
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)
	require.Equal(t, `"hi bob"`, string(result.Payload.Content))
	require.Equal(t, "ADEV", result.Payload.SenderDevice)

	// the inbound session works for the reply too
	reply, err := bob.engine.Encrypt("alice", "ADEV", directPayload(bob, "alice", "hi alice"))
	require.NoError(t, err)
	result, err = alice.engine.Decrypt("bob", bob.engine.IdentityKey(), extractMessage(t, reply, alice))
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)
	require.Equal(t, `"hi alice"`, string(result.Payload.Content))
}

func TestDecryptReusesSessionForRepeatedEstablishment(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV")
	connect(t, alice, bob)

	first, err := alice.engine.Encrypt("bob", "BDEV", directPayload(alice, "bob", "one"))
	require.NoError(t, err)
	second, err := alice.engine.Encrypt("bob", "BDEV", directPayload(alice, "bob", "two"))
	require.NoError(t, err)

	result, err := bob.engine.Decrypt("alice", alice.engine.IdentityKey(), extractMessage(t, first, bob))
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)

	result, err = bob.engine.Decrypt("alice", alice.engine.IdentityKey(), extractMessage(t, second, bob))
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)
	require.Equal(t, `"two"`, string(result.Payload.Content))

	// both messages came over the same key agreement: one session, not two
	require.Len(t, bob.engine.sessions.SessionsFor("alice", "ADEV"), 1)
}

func TestDecryptTriesSessionsInCreationOrder(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV")
	alice.engine.UpdateDevices("bob", []model.DeviceIdentity{bob.device()})
	bob.engine.UpdateDevices("alice", []model.DeviceIdentity{alice.device()})

	// two independent key agreements with the same device
	require.NoError(t, alice.engine.CreateOutboundSession("bob", "BDEV", claimKey(t, bob)))
	require.NoError(t, alice.engine.CreateOutboundSession("bob", "BDEV", claimKey(t, bob)))
	aliceSessions := alice.engine.sessions.SessionsFor("bob", "BDEV")
	require.Len(t, aliceSessions, 2)

	plaintext, err := model.CanonicalJSON(directPayload(alice, "bob", "via second"))
	require.NoError(t, err)

	// deliver the newer agreement first, then the older one, so bob's
	// creation order is the reverse of alice's
	msg, err := aliceSessions[1].Encrypt(plaintext)
	require.NoError(t, err)
	result, err := bob.engine.Decrypt("alice", alice.engine.IdentityKey(), msg)
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)

	msg, err = aliceSessions[0].Encrypt(plaintext)
	require.NoError(t, err)
	result, err = bob.engine.Decrypt("alice", alice.engine.IdentityKey(), msg)
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)
	require.Len(t, bob.engine.sessions.SessionsFor("alice", "ADEV"), 2)

	// establish alice's oldest session so her next message is a
	// continuation: bob's first-tried session cannot decrypt it and the
	// trial loop must move on instead of falling back to creation
	replyPlain, err := model.CanonicalJSON(directPayload(bob, "alice", "reply"))
	require.NoError(t, err)
	bobSessions := bob.engine.sessions.SessionsFor("alice", "ADEV")
	reply, err := bobSessions[1].Encrypt(replyPlain)
	require.NoError(t, err)
	result, err = alice.engine.Decrypt("bob", bob.engine.IdentityKey(), reply)
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)

	envelope, err := alice.engine.Encrypt("bob", "BDEV", directPayload(alice, "bob", "continuation"))
	require.NoError(t, err)
	continuation := extractMessage(t, envelope, bob)
	require.Equal(t, olm.MessageTypeNormal, continuation.Type)

	result, err = bob.engine.Decrypt("alice", alice.engine.IdentityKey(), continuation)
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)
	require.Equal(t, `"continuation"`, string(result.Payload.Content))
	// no fallback creation happened: still exactly two sessions
	require.Len(t, bob.engine.sessions.SessionsFor("alice", "ADEV"), 2)
}

func TestDecryptContinuationWithoutSession(t *testing.T) {
	bob := newTestPeer(t, "bob", "BDEV")

	msg := &olm.Message{Type: olm.MessageTypeNormal, SessionID: "unknown", Ciphertext: []byte("junk")}
	result, err := bob.engine.Decrypt("alice", "somekey", msg)
	require.NoError(t, err)
	require.Equal(t, StatusNoSession, result.Status)
	require.Nil(t, result.Payload)
}

func TestDecryptContinuationFailingAllSessionsReportsFailure(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV")
	connect(t, alice, bob)

	envelope, err := alice.engine.Encrypt("bob", "BDEV", directPayload(alice, "bob", "hello"))
	require.NoError(t, err)
	result, err := bob.engine.Decrypt("alice", alice.engine.IdentityKey(), extractMessage(t, envelope, bob))
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)

	// a session exists for the sender, so a garbled continuation is a decrypt
	// failure rather than a missing session
	garbled := &olm.Message{Type: olm.MessageTypeNormal, SessionID: "unknown", Ciphertext: []byte("junk")}
	result, err = bob.engine.Decrypt("alice", alice.engine.IdentityKey(), garbled)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Nil(t, result.Payload)
	require.Len(t, bob.engine.sessions.SessionsFor("alice", "ADEV"), 1)
}

func TestDecryptFailsOnUnknownOneTimeKey(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV")
	alice.engine.UpdateDevices("bob", []model.DeviceIdentity{bob.device()})

	// a key bob never published; establishment on his side must fail
	_, fakePub, err := dh.NewX25519KeyPair()
	require.NoError(t, err)
	fakeKey := base64.RawStdEncoding.EncodeToString(fakePub[:])
	require.NoError(t, alice.engine.CreateOutboundSession("bob", "BDEV", fakeKey))

	envelope, err := alice.engine.Encrypt("bob", "BDEV", directPayload(alice, "bob", "x"))
	require.NoError(t, err)
	result, err := bob.engine.Decrypt("alice", alice.engine.IdentityKey(), extractMessage(t, envelope, bob))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
}

func TestGetMissingSessions(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV1")
	connect(t, alice, bob)

	other := model.DeviceIdentity{UserID: "bob", DeviceID: "BDEV2", Ed25519: "sig2", Curve25519: "idk2"}
	alice.engine.UpdateDevices("bob", []model.DeviceIdentity{bob.device(), other})
	alice.engine.UpdateDevices("alice", []model.DeviceIdentity{alice.device()})

	missing := alice.engine.GetMissingSessions([]string{"alice", "bob"})
	require.Equal(t, map[string]map[string]string{
		"bob": {"BDEV2": OneTimeKeyAlgorithm},
	}, missing)
}

func TestEncryptWithoutSession(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	_, err := alice.engine.Encrypt("bob", "BDEV", directPayload(alice, "bob", "x"))
	require.ErrorIs(t, err, ErrNoSession)
}

// deliverRoomKey feeds the fan-out entry for the peer through its pairwise
// decrypt path and registers the resulting inbound group session.
func deliverRoomKey(t *testing.T, from *testPeer, toDevice *model.ToDeviceMap, p *testPeer) {
	t.Helper()
	envelope, ok := toDevice.Entry(p.engine.UserID(), p.engine.DeviceID())
	require.True(t, ok, "no room key for peer")

	result, err := p.engine.Decrypt(from.engine.UserID(), from.engine.IdentityKey(), extractMessage(t, &envelope, p))
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)
	require.Equal(t, model.PayloadTypeRoomKey, result.Payload.Type)

	content, err := result.Payload.RoomKey()
	require.NoError(t, err)
	require.NoError(t, p.engine.CreateGroupSession(content.RoomID, content.SessionKey))
}

func TestGroupEncryptSharesKeyExactlyOnce(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV")
	connect(t, alice, bob)
	_, err := alice.engine.VerifyDevice(bob.device())
	require.NoError(t, err)

	envelope1, toDevice, err := alice.engine.GroupEncrypt("room1", map[string]any{"body": "first"}, "alice", []string{"alice", "bob"})
	require.NoError(t, err)
	require.NotNil(t, toDevice)
	deliverRoomKey(t, alice, toDevice, bob)

	// the second message reuses the session without a new fan-out
	envelope2, toDevice, err := alice.engine.GroupEncrypt("room1", map[string]any{"body": "second"}, "alice", []string{"alice", "bob"})
	require.NoError(t, err)
	require.Nil(t, toDevice)
	require.Equal(t, envelope1.SessionID, envelope2.SessionID)

	plain, ok := bob.engine.GroupDecrypt("room1", envelope1.SessionID, envelope1.Ciphertext)
	require.True(t, ok)
	require.Contains(t, string(plain), `"first"`)
	require.Contains(t, string(plain), `"room_id":"room1"`)

	plain, ok = bob.engine.GroupDecrypt("room1", envelope2.SessionID, envelope2.Ciphertext)
	require.True(t, ok)
	require.Contains(t, string(plain), `"second"`)

	// the sender can read its own history through the inbound twin
	plain, ok = alice.engine.GroupDecrypt("room1", envelope1.SessionID, envelope1.Ciphertext)
	require.True(t, ok)
	require.Contains(t, string(plain), `"first"`)
}

func TestGroupEncryptAbortsOnUntrustedDevice(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV")
	mallory := newTestPeer(t, "mallory", "MDEV")
	connect(t, alice, bob)
	connect(t, alice, mallory)
	_, err := alice.engine.VerifyDevice(bob.device())
	require.NoError(t, err)

	// mallory has a session but no trust record: the whole share aborts and
	// nothing is handed out, not even bob's copy
	_, toDevice, err := alice.engine.GroupEncrypt("room1", map[string]any{"body": "x"}, "alice", []string{"bob", "mallory"})
	require.ErrorIs(t, err, ErrUntrustedDevice)
	require.Nil(t, toDevice)

	// the failed share must not be marked as done
	_, _, err = alice.engine.GroupEncrypt("room1", map[string]any{"body": "x"}, "alice", []string{"bob", "mallory"})
	require.ErrorIs(t, err, ErrUntrustedDevice)

	// once mallory is verified the same call goes through for everyone
	_, err = alice.engine.VerifyDevice(mallory.device())
	require.NoError(t, err)
	_, toDevice, err = alice.engine.GroupEncrypt("room1", map[string]any{"body": "x"}, "alice", []string{"bob", "mallory"})
	require.NoError(t, err)
	require.NotNil(t, toDevice)
	_, ok := toDevice.Entry("bob", "BDEV")
	require.True(t, ok)
	_, ok = toDevice.Entry("mallory", "MDEV")
	require.True(t, ok)
}

func TestGroupEncryptExcludesSessionlessDevices(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV")
	connect(t, alice, bob)
	_, err := alice.engine.VerifyDevice(bob.device())
	require.NoError(t, err)

	// charlie is known and even verified, but no session exists: he is
	// silently left out instead of blocking the share
	charlie := model.DeviceIdentity{UserID: "charlie", DeviceID: "CDEV", Ed25519: "csig", Curve25519: "cidk"}
	alice.engine.UpdateDevices("charlie", []model.DeviceIdentity{charlie})
	_, err = alice.engine.VerifyDevice(charlie)
	require.NoError(t, err)

	_, toDevice, err := alice.engine.GroupEncrypt("room1", map[string]any{"body": "x"}, "alice", []string{"bob", "charlie"})
	require.NoError(t, err)
	require.NotNil(t, toDevice)
	_, ok := toDevice.Entry("bob", "BDEV")
	require.True(t, ok)
	_, ok = toDevice.Entry("charlie", "CDEV")
	require.False(t, ok)
}

func TestFlushAndRestart(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV")
	connect(t, alice, bob)
	_, err := alice.engine.VerifyDevice(bob.device())
	require.NoError(t, err)

	first, err := alice.engine.Encrypt("bob", "BDEV", directPayload(alice, "bob", "before restart"))
	require.NoError(t, err)
	result, err := bob.engine.Decrypt("alice", alice.engine.IdentityKey(), extractMessage(t, first, bob))
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)

	envelope, toDevice, err := alice.engine.GroupEncrypt("room1", map[string]any{"body": "pre"}, "alice", []string{"bob"})
	require.NoError(t, err)
	deliverRoomKey(t, alice, toDevice, bob)

	require.NoError(t, bob.engine.Flush())
	bob.restart(t)

	// the restored ratchet continues where the flushed one stopped
	second, err := alice.engine.Encrypt("bob", "BDEV", directPayload(alice, "bob", "after restart"))
	require.NoError(t, err)
	result, err = bob.engine.Decrypt("alice", alice.engine.IdentityKey(), extractMessage(t, second, bob))
	require.NoError(t, err)
	require.Equal(t, StatusDecrypted, result.Status)
	require.Equal(t, `"after restart"`, string(result.Payload.Content))

	// the inbound group session survived too
	plain, ok := bob.engine.GroupDecrypt("room1", envelope.SessionID, envelope.Ciphertext)
	require.True(t, ok)
	require.Contains(t, string(plain), `"pre"`)

	// and the identity did not change across the restart
	require.Equal(t, alice.engine.DevicesFor("bob")[0].Curve25519, bob.engine.IdentityKey())
}

func TestSignJSON(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")

	sig, err := alice.engine.SignJSON(map[string]string{"b": "2", "a": "1"})
	require.NoError(t, err)

	canonical, err := model.CanonicalJSON(map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	require.True(t, signature.ED25519Verify(alice.engine.account.SignPub, canonical, sig))
}

func TestVerifyDeviceRejectsChangedFingerprint(t *testing.T) {
	alice := newTestPeer(t, "alice", "ADEV")
	bob := newTestPeer(t, "bob", "BDEV")

	changed, err := alice.engine.VerifyDevice(bob.device())
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, alice.engine.IsDeviceVerified(bob.device()))

	impostor := bob.device()
	impostor.Ed25519 = "different fingerprint"
	_, err = alice.engine.VerifyDevice(impostor)
	require.ErrorIs(t, err, truststore.ErrFingerprintMismatch)
	require.False(t, alice.engine.IsDeviceVerified(impostor))
}

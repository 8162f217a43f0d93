package megolm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newSessionPair(t *testing.T) (*OutboundGroupSession, *InboundGroupSession) {
	t.Helper()
	outbound, err := NewOutboundGroupSession()
	require.NoError(t, err)
	key, err := outbound.SessionKey()
	require.NoError(t, err)
	inbound, err := NewInboundGroupSession(key)
	require.NoError(t, err)
	return outbound, inbound
}

func TestGroupRoundtrip(t *testing.T) {
	outbound, inbound := newSessionPair(t)
	require.Equal(t, outbound.ID(), inbound.ID())

	for i := 0; i < 4; i++ {
		msg, err := outbound.Encrypt([]byte("broadcast"))
		require.NoError(t, err)
		require.Equal(t, uint32(i), msg.Index)

		plain, err := inbound.Decrypt(msg)
		require.NoError(t, err)
		require.Equal(t, "broadcast", string(plain))
	}
}

func TestGroupOutOfOrderDecrypt(t *testing.T) {
	outbound, inbound := newSessionPair(t)

	first, err := outbound.Encrypt([]byte("first"))
	require.NoError(t, err)
	second, err := outbound.Encrypt([]byte("second"))
	require.NoError(t, err)

	plain, err := inbound.Decrypt(second)
	require.NoError(t, err)
	require.Equal(t, "second", string(plain))

	// the inbound chain stays at the first known index, so earlier
	// messages remain decryptable after later ones
	plain, err = inbound.Decrypt(first)
	require.NoError(t, err)
	require.Equal(t, "first", string(plain))
}

func TestGroupLateJoinerCannotReadHistory(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	require.NoError(t, err)

	early, err := outbound.Encrypt([]byte("before the export"))
	require.NoError(t, err)

	// key exported after the first message: index 1 is the floor
	key, err := outbound.SessionKey()
	require.NoError(t, err)
	inbound, err := NewInboundGroupSession(key)
	require.NoError(t, err)
	require.Equal(t, uint32(1), inbound.FirstKnownIndex)

	_, err = inbound.Decrypt(early)
	require.ErrorIs(t, err, ErrGroupDecrypt)

	late, err := outbound.Encrypt([]byte("after the export"))
	require.NoError(t, err)
	plain, err := inbound.Decrypt(late)
	require.NoError(t, err)
	require.Equal(t, "after the export", string(plain))
}

func TestGroupRejectsBadSignature(t *testing.T) {
	outbound, inbound := newSessionPair(t)

	msg, err := outbound.Encrypt([]byte("signed"))
	require.NoError(t, err)
	msg.Signature[0] ^= 0xff

	_, err = inbound.Decrypt(msg)
	require.ErrorIs(t, err, ErrGroupDecrypt)
}

func TestGroupRejectsForeignSession(t *testing.T) {
	_, inbound := newSessionPair(t)
	other, err := NewOutboundGroupSession()
	require.NoError(t, err)

	msg, err := other.Encrypt([]byte("wrong room"))
	require.NoError(t, err)
	_, err = inbound.Decrypt(msg)
	require.ErrorIs(t, err, ErrGroupDecrypt)
}

func TestGroupRejectsBadSessionKey(t *testing.T) {
	_, err := NewInboundGroupSession([]byte("not json"))
	require.Error(t, err)

	_, err = NewInboundGroupSession([]byte(`{"session_id":"x"}`))
	require.Error(t, err)
}

func TestInboundGroupSessionPickleRoundtrip(t *testing.T) {
	outbound, inbound := newSessionPair(t)

	blob, err := inbound.Pickle()
	require.NoError(t, err)
	restored, err := InboundGroupSessionFromPickle(blob)
	require.NoError(t, err)

	msg, err := outbound.Encrypt([]byte("survives restart"))
	require.NoError(t, err)
	plain, err := restored.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "survives restart", string(plain))
}

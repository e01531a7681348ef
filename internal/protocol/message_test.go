package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSetsKind(t *testing.T) {
	cases := map[string]Kind{
		TypePing:      KindPing,
		TypePong:      KindPong,
		TypeFrame:     KindFrame,
		TypeAuth:      KindText,
		TypeHeartbeat: KindText,
	}
	for typ, want := range cases {
		m, err := Decode([]byte(`{"type":"` + typ + `","timestamp":1}`))
		require.NoError(t, err)
		assert.Equal(t, want, m.Kind, "type %s", typ)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestEncodeFillsTimestamp(t *testing.T) {
	m := &Message{Type: TypeEcho}
	b, err := m.Encode()
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(b, &back))
	assert.NotZero(t, back.Timestamp)
}

func TestNewMessageCarriesData(t *testing.T) {
	m, err := NewMessage(TypeError, map[string]string{"code": CodeQueueFull})
	require.NoError(t, err)
	assert.Equal(t, TypeError, m.Type)
	assert.JSONEq(t, `{"code":"QUEUE_FULL"}`, string(m.Data))
}

func TestDecodeBusiness(t *testing.T) {
	env, err := DecodeBusiness(json.RawMessage(`{"msg_id":2001,"sequence":"s-1","player_id":"p1","body":{"text":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2001), env.MsgID)
	assert.Equal(t, "s-1", env.Sequence)
	assert.Equal(t, "p1", env.PlayerID)
}

func TestServiceForMsgID(t *testing.T) {
	for id, want := range map[int32]string{
		1000: ServiceLogic,
		1999: ServiceLogic,
		2000: ServiceChat,
		2999: ServiceChat,
		3000: ServiceFight,
		3999: ServiceFight,
	} {
		svc, ok := ServiceForMsgID(id)
		require.True(t, ok, "id %d", id)
		assert.Equal(t, want, svc)

		// Response ids map onto the same service.
		svc, ok = ServiceForMsgID(-id)
		require.True(t, ok, "id %d", -id)
		assert.Equal(t, want, svc)
	}

	for _, id := range []int32{0, 1, 999, 4000, 8999, 9001, 10000} {
		_, ok := ServiceForMsgID(id)
		assert.False(t, ok, "id %d", id)
	}
}

func TestIDRangePredicates(t *testing.T) {
	assert.True(t, IsSystemID(1))
	assert.True(t, IsSystemID(-999))
	assert.False(t, IsSystemID(1000))

	assert.True(t, IsGatewayID(9001))
	assert.True(t, IsGatewayID(-9999))
	assert.False(t, IsGatewayID(8999))

	assert.True(t, IsBusinessID(1000))
	assert.True(t, IsBusinessID(-3500))
	assert.False(t, IsBusinessID(999))
	assert.False(t, IsBusinessID(9000))
}

package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecName(t *testing.T) {
	assert.Equal(t, "knight-bin", Codec{}.Name())
}

func TestCodecRequestRoundTrip(t *testing.T) {
	in := &Request{
		ServiceName: "logic",
		MethodName:  HandleMessage,
		Payload:     []byte(`{"msg_id":1001}`),
		Metadata:    map[string]string{"player_id": "p1", "sequence": "s-9"},
	}
	b, err := Codec{}.Marshal(in)
	require.NoError(t, err)

	var out Request
	require.NoError(t, Codec{}.Unmarshal(b, &out))
	assert.Equal(t, in, &out)
}

func TestCodecRequestEmptyFields(t *testing.T) {
	b, err := Codec{}.Marshal(&Request{})
	require.NoError(t, err)

	var out Request
	require.NoError(t, Codec{}.Unmarshal(b, &out))
	assert.Empty(t, out.ServiceName)
	assert.Nil(t, out.Metadata)
}

func TestCodecResponseRoundTrip(t *testing.T) {
	in := &Response{Code: -7, Message: "boom", Payload: []byte{0x00, 0xff, 0x10}}
	b, err := Codec{}.Marshal(in)
	require.NoError(t, err)

	var out Response
	require.NoError(t, Codec{}.Unmarshal(b, &out))
	assert.Equal(t, in, &out)
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	_, err := Codec{}.Marshal("not an envelope")
	assert.Error(t, err)
	var s string
	assert.Error(t, Codec{}.Unmarshal([]byte{0}, &s))
}

func TestCodecTruncatedInput(t *testing.T) {
	b, err := Codec{}.Marshal(&Request{ServiceName: "logic", MethodName: HandleMessage})
	require.NoError(t, err)

	for cut := 1; cut < len(b); cut++ {
		var out Request
		if err := (Codec{}).Unmarshal(b[:cut], &out); err == nil {
			// Some prefixes happen to decode short fields cleanly; a full
			// round-trip must not though.
			assert.NotEqual(t, "logic", out.ServiceName)
		}
	}

	var out Response
	assert.Error(t, Codec{}.Unmarshal(nil, &out))
}

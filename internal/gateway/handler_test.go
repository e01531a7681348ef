package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrkingu/knight-hero-server-sub001/internal/ident"
	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
	"github.com/mrkingu/knight-hero-server-sub001/internal/queue"
	"github.com/mrkingu/knight-hero-server-sub001/internal/session"
)

type handlerFixture struct {
	h     *Handler
	store *session.Store
	queue *queue.Queue
	conn  *Connection
	sess  *session.Session
}

func newHandlerFixture(t *testing.T, qopts queue.Options) *handlerFixture {
	t.Helper()
	idgen, err := ident.NewGenerator(0, 1)
	require.NoError(t, err)
	store, err := session.NewStore(idgen, session.NewMemoryKV(), session.Options{}, zerolog.Nop())
	require.NoError(t, err)
	if qopts.MaxSize == 0 {
		qopts.MaxSize = 100
	}
	q := queue.New(qopts)

	// A bare shell forced into the connected state; replies land in the
	// write queue where the test reads them.
	conn := newConnection(ConnOptions{}, zerolog.Nop())
	conn.state.Store(int32(StateConnected))
	conn.ID = "conn-test"
	conn.RemoteAddr = "10.0.0.1:5555"

	sess, err := store.Create(conn.ID)
	require.NoError(t, err)

	return &handlerFixture{
		h:     NewHandler(store, q, nil, nil, nil, zerolog.Nop()),
		store: store,
		queue: q,
		conn:  conn,
		sess:  sess,
	}
}

func (f *handlerFixture) handle(t *testing.T, typ, data string) {
	t.Helper()
	msg := &protocol.Message{Type: typ, ID: "req-1", Kind: protocol.KindText}
	if data != "" {
		msg.Data = json.RawMessage(data)
	}
	f.h.Handle(f.conn, f.sess, msg)
}

func (f *handlerFixture) reply(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg := <-f.conn.writeQueue:
		return msg
	default:
		t.Fatal("no reply queued")
		return nil
	}
}

func (f *handlerFixture) authenticate(t *testing.T) {
	t.Helper()
	f.handle(t, protocol.TypeAuth, `{"user_id":"u1","token":"secret-token","player_id":"p7"}`)
	resp := f.reply(t)
	require.Equal(t, protocol.TypeAuthResponse, resp.Type)
	var body authResponse
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	require.True(t, body.Success)
}

func errorCode(t *testing.T, msg *protocol.Message) string {
	t.Helper()
	require.Equal(t, protocol.TypeError, msg.Type)
	var body struct {
		ErrorCode string `json:"error_code"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	return body.ErrorCode
}

func TestPingAnsweredWithPong(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, protocol.TypePing, `{"nonce":7}`)

	resp := f.reply(t)
	assert.Equal(t, protocol.TypePong, resp.Type)
	assert.JSONEq(t, `{"nonce":7}`, string(resp.Data))
	assert.Equal(t, "req-1", resp.ReplyTo)
}

func TestHeartbeatAck(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, protocol.TypeHeartbeat, "")

	resp := f.reply(t)
	assert.Equal(t, protocol.TypeHeartbeatAck, resp.Type)
	var body struct {
		ServerTime int64 `json:"server_time"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.NotZero(t, body.ServerTime)
}

func TestEcho(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, protocol.TypeEcho, `{"hello":"world"}`)

	resp := f.reply(t)
	assert.Equal(t, protocol.TypeEcho, resp.Type)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Data))
}

func TestUnknownTypeIsAnError(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, "teleport", "")
	assert.Equal(t, protocol.CodeProcessingError, errorCode(t, f.reply(t)))
}

func TestAuthSuccess(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.authenticate(t)

	assert.True(t, f.sess.Authenticated())
	assert.Equal(t, "u1", f.sess.UserID())
	assert.Equal(t, "p7", f.sess.PlayerID())
}

func TestAuthRejectsShortToken(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, protocol.TypeAuth, `{"user_id":"u1","token":"short"}`)

	resp := f.reply(t)
	require.Equal(t, protocol.TypeAuthResponse, resp.Type)
	var body authResponse
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.False(t, body.Success)
	assert.Equal(t, protocol.CodeAuthFailed, body.ErrorCode)
	assert.False(t, f.sess.Authenticated())
}

func TestAuthRejectsMalformedPayload(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, protocol.TypeAuth, `"not an object"`)

	var body authResponse
	resp := f.reply(t)
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.False(t, body.Success)
}

func TestBusinessFrameRequiresAuth(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, protocol.TypeFrame, `{"msg_id":1001,"sequence":"s1"}`)

	assert.Equal(t, protocol.CodeNotAuthenticated, errorCode(t, f.reply(t)))
	assert.Equal(t, 0, f.queue.Size())
}

func TestBusinessFrameForwarded(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.authenticate(t)

	f.handle(t, protocol.TypeFrame, `{"msg_id":1001,"sequence":"s1"}`)
	resp := f.reply(t)
	assert.Equal(t, protocol.TypeForwardAck, resp.Type)
	var ack struct {
		OriginalMsgID int32  `json:"original_msg_id"`
		Sequence      string `json:"sequence"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.Equal(t, int32(1001), ack.OriginalMsgID)
	assert.Equal(t, "s1", ack.Sequence)
	require.Equal(t, 1, f.queue.Size())

	qm, ok := f.queue.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, int32(1001), qm.Envelope.MsgID)
	assert.Equal(t, "p7", qm.Envelope.PlayerID, "player id backfilled from the session")
	assert.Equal(t, queue.Normal, qm.Priority)
}

func TestCombatFramesGetHighPriority(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.authenticate(t)

	f.handle(t, protocol.TypeFrame, `{"msg_id":3200,"sequence":"s1"}`)
	f.reply(t)

	qm, ok := f.queue.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, queue.High, qm.Priority)
}

func TestDuplicateFrameAckedAsDuplicate(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.authenticate(t)

	f.handle(t, protocol.TypeFrame, `{"msg_id":1001,"sequence":"dup"}`)
	f.reply(t)
	f.handle(t, protocol.TypeFrame, `{"msg_id":1001,"sequence":"dup"}`)

	resp := f.reply(t)
	require.Equal(t, protocol.TypeForwardAck, resp.Type)
	var body struct {
		OriginalMsgID int32 `json:"original_msg_id"`
		Duplicate     bool  `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, int32(1001), body.OriginalMsgID)
	assert.True(t, body.Duplicate)
	assert.Equal(t, 1, f.queue.Size(), "the retry is not enqueued twice")
}

func TestLogoutEndsTheSession(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.authenticate(t)

	f.handle(t, protocol.TypeLogout, "")
	resp := f.reply(t)
	require.Equal(t, protocol.TypeLogoutAck, resp.Type)
	var body struct {
		SessionsRemoved int `json:"sessions_removed"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, 1, body.SessionsRemoved)
	assert.False(t, f.sess.Authenticated())

	// Business traffic needs a fresh auth after logout.
	f.handle(t, protocol.TypeFrame, `{"msg_id":1001,"sequence":"s1"}`)
	assert.Equal(t, protocol.CodeNotAuthenticated, errorCode(t, f.reply(t)))
	assert.Equal(t, 0, f.queue.Size())
}

func TestLogoutWithoutAuth(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, protocol.TypeLogout, "")

	resp := f.reply(t)
	require.Equal(t, protocol.TypeLogoutAck, resp.Type)
	var body struct {
		SessionsRemoved int `json:"sessions_removed"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, 0, body.SessionsRemoved)
}

func TestQueueFullSurfacesToClient(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{MaxSize: 1})
	f.authenticate(t)

	f.handle(t, protocol.TypeFrame, `{"msg_id":1001,"sequence":"s1"}`)
	f.reply(t)
	f.handle(t, protocol.TypeFrame, `{"msg_id":1001,"sequence":"s2"}`)

	assert.Equal(t, protocol.CodeQueueFull, errorCode(t, f.reply(t)))
}

func TestUnroutableMsgID(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.authenticate(t)

	// 4500 sits between the fight and gateway ranges.
	f.handle(t, protocol.TypeFrame, `{"msg_id":4500,"sequence":"s1"}`)
	assert.Equal(t, protocol.CodeUnknownMessageID, errorCode(t, f.reply(t)))
}

func TestGatewayStatusMessage(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, protocol.TypeFrame, `{"msg_id":9001,"sequence":"s1"}`)

	resp := f.reply(t)
	require.Equal(t, protocol.TypeFrame, resp.Type)
	var body struct {
		MsgID int32 `json:"msg_id"`
		Body  struct {
			Status string `json:"status"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, int32(-9001), body.MsgID)
	assert.Equal(t, "ok", body.Body.Status)
}

func TestUnknownGatewayMessage(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, protocol.TypeFrame, `{"msg_id":9750,"sequence":"s1"}`)
	assert.Equal(t, protocol.CodeUnknownGatewayMessage, errorCode(t, f.reply(t)))
}

func TestMalformedFrameSurvivesConnection(t *testing.T) {
	f := newHandlerFixture(t, queue.Options{})
	f.handle(t, protocol.TypeFrame, `"not an envelope"`)
	assert.Equal(t, protocol.CodeProcessingError, errorCode(t, f.reply(t)))
	assert.Equal(t, StateConnected, f.conn.State())
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, queue.Normal, priorityFor(1001))
	assert.Equal(t, queue.Normal, priorityFor(2999))
	assert.Equal(t, queue.High, priorityFor(3000))
	assert.Equal(t, queue.High, priorityFor(4999))
	assert.Equal(t, queue.High, priorityFor(-3500))
	assert.Equal(t, queue.Normal, priorityFor(9001))
}

func TestDevAuthenticator(t *testing.T) {
	res, err := DevAuthenticator{}.Authenticate(context.Background(), AuthRequest{UserID: "u1", Token: "secret-token"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "u1", res.PlayerID, "player id defaults to the user id")

	res, err = DevAuthenticator{}.Authenticate(context.Background(), AuthRequest{Token: "secret-token"})
	require.NoError(t, err)
	assert.False(t, res.OK)
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
	"github.com/mrkingu/knight-hero-server-sub001/internal/queue"
	"github.com/mrkingu/knight-hero-server-sub001/internal/session"
)

// Gateway-local msg ids (9000-9999).
const (
	gwMsgStatus      int32 = 9001
	gwMsgStats       int32 = 9002
	gwMsgConnInfo    int32 = 9003
	gwMsgSessionInfo int32 = 9004
)

// Handler classifies decoded messages and either answers locally or
// forwards business envelopes into the priority queue. A single bad frame
// never terminates the connection.
type Handler struct {
	store   *session.Store
	queue   *queue.Queue
	auth    Authenticator
	offline OfflineMessageSource
	stats   func() map[string]any // gateway-wide stats for gwMsgStats
	logger  zerolog.Logger

	handled     atomic.Int64
	systemMsgs  atomic.Int64
	gatewayMsgs atomic.Int64
	forwarded   atomic.Int64
	rejected    atomic.Int64
	authOK      atomic.Int64
	authFailed  atomic.Int64
}

// NewHandler wires the handler's collaborators. statsFn may be nil; the
// stats gateway message then answers with an empty object.
func NewHandler(store *session.Store, q *queue.Queue, auth Authenticator, offline OfflineMessageSource, statsFn func() map[string]any, logger zerolog.Logger) *Handler {
	if auth == nil {
		auth = DevAuthenticator{}
	}
	if offline == nil {
		offline = NoOfflineMessages{}
	}
	return &Handler{
		store:   store,
		queue:   q,
		auth:    auth,
		offline: offline,
		stats:   statsFn,
		logger:  logger.With().Str("component", "handler").Logger(),
	}
}

// Handle processes one decoded message. Panics and handler errors surface
// to the client as {"type":"error"} envelopes; the connection survives.
func (h *Handler) Handle(conn *Connection, sess *session.Session, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Str("conn_id", conn.ID).
				Interface("panic_value", r).
				Msg("Handler panic")
			h.sendError(conn, msg, protocol.CodeProcessingError, "internal error")
		}
	}()
	h.handled.Add(1)

	switch msg.Type {
	case protocol.TypePing:
		h.systemMsgs.Add(1)
		h.reply(conn, msg, &protocol.Message{
			Type: protocol.TypePong,
			Data: msg.Data,
		})
	case protocol.TypeHeartbeat:
		h.systemMsgs.Add(1)
		sess.Touch()
		h.replyJSON(conn, msg, protocol.TypeHeartbeatAck, map[string]any{
			"server_time": time.Now().UnixMilli(),
		})
	case protocol.TypeEcho:
		h.systemMsgs.Add(1)
		h.reply(conn, msg, &protocol.Message{
			Type: protocol.TypeEcho,
			Data: msg.Data,
		})
	case protocol.TypeAuth:
		h.systemMsgs.Add(1)
		h.handleAuth(conn, sess, msg)
	case protocol.TypeLogout:
		h.systemMsgs.Add(1)
		h.handleLogout(conn, sess, msg)
	case protocol.TypeFrame:
		h.handleFrame(conn, sess, msg)
	case protocol.TypeBytes:
		// Binary payloads are opaque; nothing to do at the gateway yet.
		h.logger.Debug().Str("conn_id", conn.ID).Int("len", len(msg.Raw)).Msg("Binary frame received")
	default:
		h.sendError(conn, msg, protocol.CodeProcessingError, "unknown message type: "+msg.Type)
	}
}

// authResponse is the body of {"type":"auth_response"} envelopes.
type authResponse struct {
	Success         bool              `json:"success"`
	Message         string            `json:"message,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	OfflineMessages []json.RawMessage `json:"offline_messages,omitempty"`
}

func (h *Handler) handleAuth(conn *Connection, sess *session.Session, msg *protocol.Message) {
	var req AuthRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.authFailed.Add(1)
		h.replyJSON(conn, msg, protocol.TypeAuthResponse, authResponse{
			Success:   false,
			Message:   "malformed auth payload",
			ErrorCode: protocol.CodeAuthFailed,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.auth.Authenticate(ctx, req)
	if err != nil || !result.OK {
		h.authFailed.Add(1)
		message := result.Message
		if err != nil {
			message = "authentication backend unavailable"
		}
		h.replyJSON(conn, msg, protocol.TypeAuthResponse, authResponse{
			Success:   false,
			Message:   message,
			ErrorCode: protocol.CodeAuthFailed,
		})
		return
	}

	attrs := session.Attributes{
		UserID:    req.UserID,
		PlayerID:  result.PlayerID,
		DeviceID:  req.DeviceID,
		Platform:  req.Platform,
		Version:   req.Version,
		IP:        conn.RemoteAddr,
		UserAgent: "",
	}
	if err := h.store.Authenticate(sess.ID, attrs); err != nil {
		h.authFailed.Add(1)
		h.replyJSON(conn, msg, protocol.TypeAuthResponse, authResponse{
			Success:   false,
			Message:   "session binding failed",
			ErrorCode: protocol.CodeAuthFailed,
		})
		return
	}

	h.authOK.Add(1)
	resp := authResponse{
		Success:   true,
		SessionID: strconv.FormatInt(sess.ID, 10),
	}
	if msgs, err := h.offline.Fetch(ctx, req.UserID); err == nil && len(msgs) > 0 {
		resp.OfflineMessages = msgs
	}
	h.replyJSON(conn, msg, protocol.TypeAuthResponse, resp)
	h.logger.Info().
		Str("conn_id", conn.ID).
		Int64("session_id", sess.ID).
		Str("user_id", req.UserID).
		Msg("Client authenticated")
}

// handleLogout ends every session of the authenticated user. Later business
// frames on this connection are rejected until the client authenticates
// again; the connection itself stays open.
func (h *Handler) handleLogout(conn *Connection, sess *session.Session, msg *protocol.Message) {
	removed := 0
	if uid := sess.UserID(); uid != "" {
		removed = h.store.LogoutUser(uid)
	}
	h.replyJSON(conn, msg, protocol.TypeLogoutAck, map[string]any{
		"sessions_removed": removed,
	})
	h.logger.Info().
		Str("conn_id", conn.ID).
		Int64("session_id", sess.ID).
		Int("sessions_removed", removed).
		Msg("Client logged out")
}

// handleFrame routes a business envelope by msg-id range: gateway-local
// ids answer inline, backend ids require auth and enter the queue.
func (h *Handler) handleFrame(conn *Connection, sess *session.Session, msg *protocol.Message) {
	env, err := protocol.DecodeBusiness(msg.Data)
	if err != nil {
		h.sendError(conn, msg, protocol.CodeProcessingError, "malformed business envelope")
		return
	}

	switch {
	case protocol.IsGatewayID(env.MsgID):
		h.gatewayMsgs.Add(1)
		h.handleGatewayMsg(conn, sess, msg, env)
	case protocol.IsBusinessID(env.MsgID):
		h.forwardBusiness(conn, sess, msg, env)
	default:
		h.sendError(conn, msg, protocol.CodeUnknownMessageID,
			"unroutable msg_id "+strconv.Itoa(int(env.MsgID)))
	}
}

func (h *Handler) handleGatewayMsg(conn *Connection, sess *session.Session, msg *protocol.Message, env *protocol.Business) {
	switch env.MsgID {
	case gwMsgStatus:
		h.replyJSON(conn, msg, protocol.TypeFrame, map[string]any{
			"msg_id": -gwMsgStatus,
			"body":   map[string]any{"status": "ok", "server_time": time.Now().UnixMilli()},
		})
	case gwMsgStats:
		body := map[string]any{}
		if h.stats != nil {
			body = h.stats()
		}
		h.replyJSON(conn, msg, protocol.TypeFrame, map[string]any{
			"msg_id": -gwMsgStats,
			"body":   body,
		})
	case gwMsgConnInfo:
		h.replyJSON(conn, msg, protocol.TypeFrame, map[string]any{
			"msg_id": -gwMsgConnInfo,
			"body":   conn.Info(),
		})
	case gwMsgSessionInfo:
		h.replyJSON(conn, msg, protocol.TypeFrame, map[string]any{
			"msg_id": -gwMsgSessionInfo,
			"body": map[string]any{
				"session_id": strconv.FormatInt(sess.ID, 10),
				"state":      sess.State().String(),
				"user_id":    sess.UserID(),
				"expires_at": sess.ExpiresAt(),
			},
		})
	default:
		h.sendError(conn, msg, protocol.CodeUnknownGatewayMessage,
			"unknown gateway msg_id "+strconv.Itoa(int(env.MsgID)))
	}
}

func (h *Handler) forwardBusiness(conn *Connection, sess *session.Session, msg *protocol.Message, env *protocol.Business) {
	if !sess.Authenticated() {
		h.rejected.Add(1)
		h.sendError(conn, msg, protocol.CodeNotAuthenticated, "authenticate first")
		return
	}
	if env.PlayerID == "" {
		env.PlayerID = sess.PlayerID()
	}
	if _, ok := protocol.ServiceForMsgID(env.MsgID); !ok {
		h.rejected.Add(1)
		h.sendError(conn, msg, protocol.CodeUnknownMessageID,
			"unroutable msg_id "+strconv.Itoa(int(env.MsgID)))
		return
	}

	err := h.queue.Enqueue(env, priorityFor(env.MsgID))
	switch {
	case err == nil:
		h.forwarded.Add(1)
		sess.MessagesIn.Add(1)
		h.replyJSON(conn, msg, protocol.TypeForwardAck, map[string]any{
			"original_msg_id": env.MsgID,
			"sequence":        env.Sequence,
		})
	case errors.Is(err, queue.ErrDuplicate):
		// Same ack as the first delivery; the client retried.
		h.replyJSON(conn, msg, protocol.TypeForwardAck, map[string]any{
			"original_msg_id": env.MsgID,
			"sequence":        env.Sequence,
			"duplicate":       true,
		})
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrThrottled):
		h.rejected.Add(1)
		h.sendError(conn, msg, protocol.CodeQueueFull, "gateway overloaded, retry later")
	default:
		h.rejected.Add(1)
		h.sendError(conn, msg, protocol.CodeProcessingError, "enqueue failed")
	}
}

// priorityFor maps msg-id ranges to queue priorities: combat-band ids
// (3000-4999) are latency sensitive, everything else is normal traffic.
func priorityFor(id int32) queue.Priority {
	v := id
	if v < 0 {
		v = -v
	}
	if v >= 3000 && v <= 4999 {
		return queue.High
	}
	return queue.Normal
}

func (h *Handler) reply(conn *Connection, in *protocol.Message, out *protocol.Message) {
	out.Timestamp = time.Now().UnixMilli()
	out.ReplyTo = in.ID
	if err := conn.Send(out); err != nil {
		h.logger.Debug().Str("conn_id", conn.ID).Err(err).Msg("Reply dropped")
	}
}

func (h *Handler) replyJSON(conn *Connection, in *protocol.Message, typ string, body any) {
	out, err := protocol.NewMessage(typ, body)
	if err != nil {
		h.logger.Error().Err(err).Msg("Reply encode failed")
		return
	}
	h.reply(conn, in, out)
}

// sendError emits an {"type":"error"} envelope without touching the
// connection's lifecycle.
func (h *Handler) sendError(conn *Connection, in *protocol.Message, code, detail string) {
	h.replyJSON(conn, in, protocol.TypeError, map[string]any{
		"error_code": code,
		"message":    detail,
	})
}

// Stats reports handler counters.
func (h *Handler) Stats() map[string]any {
	return map[string]any{
		"handled":      h.handled.Load(),
		"system":       h.systemMsgs.Load(),
		"gateway":      h.gatewayMsgs.Load(),
		"forwarded":    h.forwarded.Load(),
		"rejected":     h.rejected.Load(),
		"auth_success": h.authOK.Load(),
		"auth_failed":  h.authFailed.Load(),
	}
}

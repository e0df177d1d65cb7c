package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"chatsync-server/delivery"
	"chatsync-server/domain"
	"chatsync-server/hub"
	"chatsync-server/presence"
	"chatsync-server/ratelimit"
)

const requestTimeout = 10 * time.Second

// Handler runs the per-connection event protocol. It is safe for concurrent
// use by every connection's read loop.
type Handler struct {
	registry  *presence.Registry
	hub       *hub.Hub
	delivery  *delivery.Service
	announcer *presence.Announcer
	limiter   *ratelimit.Limiter
}

func NewHandler(registry *presence.Registry, h *hub.Hub, d *delivery.Service, a *presence.Announcer, l *ratelimit.Limiter) *Handler {
	return &Handler{registry: registry, hub: h, delivery: d, announcer: a, limiter: l}
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	if !h.limiter.Admit(conn.ID()) {
		slog.Warn("rate limited", "clientId", conn.ID(), "userId", conn.UserID())
		h.fail(conn, "", domain.RateLimitError())
		return
	}

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		h.fail(conn, "", domain.ValidationError("invalid message"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var err error
	switch env.Event {
	case domain.EventPing:
		err = h.ping(conn, env.Data)
	case domain.EventLogin:
		err = h.login(ctx, conn, env.Data)
	default:
		user, ok := h.registry.UserOf(conn)
		if !ok {
			err = domain.AuthError(domain.ReasonLoginRequired)
			break
		}
		err = h.dispatch(ctx, conn, user, env)
	}
	if err != nil {
		h.fail(conn, env.Event, err)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn domain.Connection, user domain.UserID, env domain.Envelope) error {
	switch env.Event {
	case domain.EventLogout:
		return h.logout(ctx, conn)
	case domain.EventJoinRoom:
		return h.joinRoom(ctx, conn, user, env.Data)
	case domain.EventLeaveRoom:
		return h.leaveRoom(conn, user, env.Data)
	case domain.EventSendMessage:
		return h.sendMessage(ctx, conn, user, env.Data)
	case domain.EventMarkRead:
		return h.markRead(ctx, conn, user, env.Data)
	case domain.EventTypingStart, domain.EventTypingStop:
		return h.typing(conn, user, env.Event, env.Data)
	case domain.EventUpdateStatus:
		return h.updateStatus(ctx, conn, user, env.Data)
	default:
		return domain.ValidationError("unknown event: " + env.Event)
	}
}

// Disconnect releases everything conn held. Safe to call more than once.
func (h *Handler) Disconnect(conn domain.Connection) {
	h.limiter.Forget(conn.ID())
	h.hub.LeaveAll(conn)
	user, last, ok := h.registry.Unregister(conn)
	if !ok || !last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	h.announce(ctx, user, domain.PresenceOffline)
}

func (h *Handler) ping(conn domain.Connection, raw json.RawMessage) error {
	var p domain.PingPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.reply(conn, domain.EventPong, domain.Pong{Timestamp: p.Timestamp, ConnectionID: conn.ID()})
}

func (h *Handler) login(ctx context.Context, conn domain.Connection, raw json.RawMessage) error {
	var p domain.LoginPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	user := conn.UserID()
	if p.UserID != "" && p.UserID != user {
		return domain.AuthorizationError("userId does not match the authenticated identity")
	}

	first := h.registry.Register(user, conn)
	rooms, err := h.hub.AutoJoin(ctx, conn, user)
	if err != nil {
		slog.Warn("auto-join failed", "userId", user, "clientId", conn.ID(), "error", err)
	}
	if first {
		h.announce(ctx, user, domain.PresenceOnline)
	}
	return h.reply(conn, domain.EventLoginSuccess, domain.LoginSuccess{UserID: user, ConnectionID: conn.ID(), Rooms: rooms})
}

func (h *Handler) logout(ctx context.Context, conn domain.Connection) error {
	h.hub.LeaveAll(conn)
	user, last, ok := h.registry.Unregister(conn)
	if ok && last {
		h.announce(ctx, user, domain.PresenceOffline)
	}
	return h.reply(conn, domain.EventLogoutSuccess, nil)
}

func (h *Handler) joinRoom(ctx context.Context, conn domain.Connection, user domain.UserID, raw json.RawMessage) error {
	p, err := roomPayload(raw, user)
	if err != nil {
		return err
	}
	switch p.RoomType {
	case domain.RoomPrivate:
		if p.RoomID == "" {
			return domain.ValidationError("roomId is required")
		}
		h.hub.JoinPrivate(conn, user, domain.UserID(p.RoomID))
	case domain.RoomGroup:
		if p.RoomID == "" {
			return domain.ValidationError("roomId is required")
		}
		if err := h.hub.JoinGroup(ctx, conn, user, domain.GroupID(p.RoomID)); err != nil {
			return err
		}
	default:
		return domain.ValidationError("roomType must be private or group")
	}
	return h.reply(conn, domain.EventJoinSuccess, domain.RoomAck{RoomType: p.RoomType, RoomID: p.RoomID})
}

func (h *Handler) leaveRoom(conn domain.Connection, user domain.UserID, raw json.RawMessage) error {
	p, err := roomPayload(raw, user)
	if err != nil {
		return err
	}
	key, err := domain.ResolveRoom(p.RoomType, p.RoomID, user)
	if err != nil {
		return err
	}
	h.hub.Leave(conn, key)
	return h.reply(conn, domain.EventLeaveSuccess, domain.RoomAck{RoomType: p.RoomType, RoomID: p.RoomID})
}

func (h *Handler) sendMessage(ctx context.Context, conn domain.Connection, user domain.UserID, raw json.RawMessage) error {
	var p domain.SendMessagePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.SenderID == "" {
		p.SenderID = user
	}
	if p.SenderID != user {
		return domain.AuthorizationError("senderId does not match the session")
	}

	msg, err := h.delivery.Send(ctx, conn, delivery.SendRequest{
		SenderID:      p.SenderID,
		RecipientID:   p.RecipientID,
		GroupID:       p.GroupID,
		Body:          p.Body,
		AttachmentRef: p.AttachmentRef,
		ReplyToID:     p.ReplyToID,
	})
	if err != nil {
		return err
	}

	// the connection may have gone while the store call was in flight
	if !h.registry.Registered(conn) {
		slog.Debug("ack skipped, origin gone", "clientId", conn.ID(), "messageId", msg.ID)
		return nil
	}
	return h.reply(conn, domain.EventMessageSent, domain.MessageSent{MessageID: msg.ID})
}

func (h *Handler) markRead(ctx context.Context, conn domain.Connection, user domain.UserID, raw json.RawMessage) error {
	p, err := roomPayload(raw, user)
	if err != nil {
		return err
	}
	n, err := h.delivery.MarkRead(ctx, user, p.RoomType, p.RoomID)
	if err != nil {
		return err
	}
	return h.reply(conn, domain.EventMarkReadSuccess, domain.MarkReadSuccess{RoomType: p.RoomType, RoomID: p.RoomID, MarkedCount: n})
}

// typing is relayed to the room only; nothing is stored and no expiry is
// enforced server side.
func (h *Handler) typing(conn domain.Connection, user domain.UserID, event string, raw json.RawMessage) error {
	p, err := roomPayload(raw, user)
	if err != nil {
		return err
	}
	key, err := domain.ResolveRoom(p.RoomType, p.RoomID, user)
	if err != nil {
		return err
	}
	roomID := p.RoomID
	if p.RoomType == domain.RoomPrivate {
		roomID = string(user)
	} else if !h.hub.InRoom(conn, key) {
		return domain.AuthorizationError("join the group before typing in it")
	}

	data, err := domain.Encode(event, domain.Typing{UserID: user, RoomType: p.RoomType, RoomID: roomID})
	if err != nil {
		return err
	}
	h.hub.Broadcast(key, data, conn)
	return nil
}

func (h *Handler) updateStatus(ctx context.Context, conn domain.Connection, user domain.UserID, raw json.RawMessage) error {
	var p domain.StatusPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if !p.Status.Valid() {
		return domain.ValidationError("status must be online, away, busy or offline")
	}
	h.announce(ctx, user, p.Status)
	return h.reply(conn, domain.EventStatusUpdated, p)
}

func (h *Handler) announce(ctx context.Context, user domain.UserID, status domain.PresenceStatus) {
	if _, err := h.announcer.Announce(ctx, user, status); err != nil {
		slog.Warn("presence fan-out failed", "userId", user, "status", status, "error", err)
	}
}

func (h *Handler) reply(conn domain.Connection, event string, payload any) error {
	data, err := domain.Encode(event, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		slog.Debug("reply dropped", "clientId", conn.ID(), "event", event, "error", err)
	}
	return nil
}

func (h *Handler) fail(conn domain.Connection, event string, err error) {
	switch {
	case errors.Is(err, domain.ErrAuthorization):
		slog.Warn("authorization rejected", "clientId", conn.ID(), "userId", conn.UserID(), "event", event, "error", err)
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrAuth), errors.Is(err, domain.ErrRateLimit):
		slog.Debug("event rejected", "clientId", conn.ID(), "event", event, "kind", domain.KindOf(err), "error", err)
	default:
		slog.Error("event failed", "clientId", conn.ID(), "event", event, "kind", domain.KindOf(err), "error", err)
	}
	_ = conn.Send(domain.EncodeError(err))
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.ValidationError("invalid payload")
	}
	return nil
}

func roomPayload(raw json.RawMessage, user domain.UserID) (domain.RoomPayload, error) {
	var p domain.RoomPayload
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	if p.UserID != "" && p.UserID != user {
		return p, domain.AuthorizationError("userId does not match the session")
	}
	return p, nil
}

package notify

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chatsync-server/domain"
)

const previewRunes = 100

// Service persists notification records.
type Service interface {
	Create(ctx context.Context, n *domain.Notification) error
}

// Signaler emits the lightweight "something new" hint for a user.
type Signaler interface {
	Signal(ctx context.Context, user domain.UserID, sig domain.NotificationSignal) error
}

type Presence interface {
	IsOnline(user domain.UserID) bool
}

// MessageContext describes the message that triggered a notification.
type MessageContext struct {
	MessageID  string
	SenderName string
	Body       string
	GroupID    domain.GroupID
	GroupName  string
}

type Dispatcher struct {
	presence Presence
	service  Service
	signaler Signaler
	timeout  time.Duration
}

// NewDispatcher builds a dispatcher. signaler may be nil.
func NewDispatcher(presence Presence, service Service, signaler Signaler, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{presence: presence, service: service, signaler: signaler, timeout: timeout}
}

// NotifyIfUnreachable creates a notification for recipient when they have no
// live connection. It reports whether a record was created. Failures are
// logged and never returned.
func (d *Dispatcher) NotifyIfUnreachable(ctx context.Context, recipient, sender domain.UserID, mc MessageContext) bool {
	if recipient == sender || d.presence.IsOnline(recipient) {
		return false
	}

	// each record gets its own budget; the caller's deadline may already be
	// spent on earlier recipients
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	n := &domain.Notification{
		ID:       uuid.New().String(),
		UserID:   recipient,
		SenderID: sender,
		Kind:     domain.NotificationMessage,
		Content:  content(mc),
		Link:     Link(sender, mc.GroupID),
	}
	if err := d.service.Create(ctx, n); err != nil {
		err = domain.DispatchError(err)
		slog.Warn("notification not created", "userId", recipient, "messageId", mc.MessageID, "kind", domain.KindOf(err), "error", err)
		return false
	}

	if d.signaler != nil {
		sig := domain.NotificationSignal{ID: n.ID, Kind: n.Kind, Link: n.Link}
		if err := d.signaler.Signal(ctx, recipient, sig); err != nil {
			slog.Warn("notification signal failed", "userId", recipient, "notificationId", n.ID, "error", err)
		}
	}
	slog.Debug("notification created", "userId", recipient, "notificationId", n.ID)
	return true
}

// Link is the deep link a notification opens.
func Link(sender domain.UserID, group domain.GroupID) string {
	if group != "" {
		return "/chat/group/" + string(group)
	}
	return "/chat/private/" + string(sender)
}

func content(mc MessageContext) string {
	body := mc.Body
	if body == "" {
		body = "[attachment]"
	}
	if utf8.RuneCountInString(body) > previewRunes {
		runes := []rune(body)
		body = string(runes[:previewRunes]) + "…"
	}
	name := mc.SenderName
	if name == "" {
		name = "Someone"
	}
	if mc.GroupID != "" {
		group := mc.GroupName
		if group == "" {
			group = string(mc.GroupID)
		}
		return name + " in " + group + ": " + body
	}
	return name + ": " + body
}

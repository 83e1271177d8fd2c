// Package notify delivers user notifications through the transactional outbox.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/richardliu001/escrow-settler/internal/model"
	"gorm.io/gorm"
)

// Notifier is fire-and-forget from the caller's point of view: an error is
// reported but never undoes whatever triggered the notice.
type Notifier interface {
	Notify(ctx context.Context, userID uint64, title, message string) error
}

type outboxWriter interface {
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
}

// OutboxNotifier queues a Notification event for the poller to relay.
type OutboxNotifier struct {
	repo  outboxWriter
	nowFn func() time.Time
}

func NewOutboxNotifier(r outboxWriter) *OutboxNotifier {
	return &OutboxNotifier{repo: r, nowFn: func() time.Time { return time.Now().UTC() }}
}

type payload struct {
	UserID  uint64    `json:"user_id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// Notify writes outside any open DB transaction.
func (n *OutboxNotifier) Notify(ctx context.Context, userID uint64, title, message string) error {
	b, err := json.Marshal(payload{UserID: userID, Title: title, Message: message, SentAt: n.nowFn()})
	if err != nil {
		return err
	}
	return n.repo.CreateOutboxEvent(ctx, nil, &model.OutboxEvent{
		Aggregate: "User", AggregateID: userID, EventType: model.EventNotification, Payload: string(b),
	})
}

package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/escrow-settler/internal/model"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"
)

// CreateOutboxEvent writes event. tx nil writes outside any transaction.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("created_at, id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka, keyed by aggregate so one transaction's
// events stay on one partition.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	if r.writer == nil {
		return fmt.Errorf("publish event %d: kafka writer not configured", evt.ID)
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%d", evt.Aggregate, evt.AggregateID)),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "event_id", Value: []byte(fmt.Sprintf("%d", evt.ID))},
		},
		Time: time.Now().UTC(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

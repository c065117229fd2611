package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrPersistence wraps any failure to durably write a message.
var ErrPersistence = errors.New("message persistence failed")

// MessageRepository is the append-only message store.
type MessageRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db, now: time.Now}
}

// Save appends msg, assigning ID and CreatedAt when unset. Failures are
// wrapped in ErrPersistence.
func (r *MessageRepository) Save(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// Conversation returns every message exchanged between a and b, oldest first,
// ties broken by insertion order.
func (r *MessageRepository) Conversation(ctx context.Context, a, b string) ([]Message, error) {
	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", a, b, b, a).
		Order("created_at ASC").
		Order("seq ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

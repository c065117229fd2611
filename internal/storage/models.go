// Package storage persists users and conversation history in SQLite via GORM.
package storage

import (
	"time"
)

// User is a registered account.
type User struct {
	ID           string `gorm:"primaryKey;type:text"`
	Username     string `gorm:"uniqueIndex;not null;type:text"`
	PasswordHash string `gorm:"not null;type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// Message is one persisted chat message. Seq records insertion order and
// breaks ties between messages created in the same instant.
type Message struct {
	Seq                uint64    `gorm:"primaryKey;autoIncrement"`
	ID                 string    `gorm:"uniqueIndex;not null;type:text"`
	SenderID           string    `gorm:"index:idx_messages_pair,priority:1;not null;type:text"`
	RecipientID        string    `gorm:"index:idx_messages_pair,priority:2;not null;type:text"`
	Text               string    `gorm:"type:text"`
	AttachmentName     string    `gorm:"type:text"`
	AttachmentOriginal string    `gorm:"type:text"`
	ClientID           string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"index"`
}

// TableName returns the table name for Message.
func (Message) TableName() string {
	return "messages"
}

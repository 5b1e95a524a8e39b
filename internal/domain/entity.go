package domain

import (
	"time"
)

// EntityType names a family of persisted entities.
type EntityType string

const (
	EntityOrder       EntityType = "order"
	EntityTransaction EntityType = "transaction"
	EntityPlaybook    EntityType = "playbook"
	EntityAccount     EntityType = "account"
	EntityTick        EntityType = "tick"
)

// EntityRecord is the storage row of any persisted entity: a JSON document
// addressed by (entity type, id).
type EntityRecord struct {
	EntityType EntityType `gorm:"primaryKey;size:32" json:"entity_type"`
	ID         string     `gorm:"primaryKey;size:128" json:"id"`
	Data       []byte     `json:"data"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (EntityRecord) TableName() string {
	return "entity_records"
}

// PlaybookStatus is the lifecycle of a playbook.
type PlaybookStatus string

const (
	PlaybookOpen   PlaybookStatus = "OPEN"
	PlaybookClosed PlaybookStatus = "CLOSED"
)

// Playbook groups orders placed toward one trading intent.
type Playbook struct {
	ID         string         `json:"id"`
	AccountID  string         `json:"account_id"`
	Instrument string         `json:"instrument"`
	Note       string         `json:"note,omitempty"`
	OrderRefs  []string       `json:"order_refs"`
	Status     PlaybookStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ClosedAt   *time.Time     `json:"closed_at,omitempty"`
}

package domain

import (
	"context"
	"time"
)

// ExchangeWorker defines the interface for exchange WebSocket connectors
type ExchangeWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// SearchQuery selects records of one entity type.
type SearchQuery struct {
	IDPrefix string    // Match ids starting with this prefix
	Since    time.Time // Only records updated at or after Since
	Limit    int       // 0 means unlimited
}

// Iterator walks search results. Close must be called when done.
type Iterator interface {
	Next() bool
	ID() string
	Data() []byte
	Err() error
	Close() error
}

// Tx brackets several loads and saves into one atomic unit.
type Tx interface {
	Load(entityType EntityType, id string) ([]byte, error)
	Save(entityType EntityType, id string, data []byte) error
	End(commit bool) error
}

// Repository is at-least-once durable storage reachable by primary key.
type Repository interface {
	Load(ctx context.Context, entityType EntityType, id string) ([]byte, error)
	Save(ctx context.Context, entityType EntityType, id string, data []byte) error
	AsyncSave(entityType EntityType, id string, obj any)
	Search(ctx context.Context, entityType EntityType, query SearchQuery) (Iterator, error)
	BeginTransaction(ctx context.Context, readOnly bool) (Tx, error)
}

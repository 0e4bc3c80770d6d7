// Package store keeps a node's chat history.
package store

import (
	"context"
	"time"
)

const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusReceived = "received"
)

// Record is one chat line as seen by this node.
type Record struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	Channel   string
	Sender    string
	Recipient string
	Content   string
	Status    string
}

type Store interface {
	Add(ctx context.Context, rec Record) error
	// Recent returns up to limit records, oldest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

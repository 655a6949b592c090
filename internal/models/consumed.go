package models

import "time"

// ConsumedRecord represents a row in the consumed_events ledger. The
// composite primary key (event_id, consumer_name) guarantees at most one row
// per (event, consumer) pair; presence means "already applied, skip".
// Rows are never updated or deleted.
type ConsumedRecord struct {
	EventID      string    `db:"event_id"`
	ConsumerName string    `db:"consumer_name"`
	ConsumedAt   time.Time `db:"consumed_at"`
	Topic        string    `db:"topic"`
}

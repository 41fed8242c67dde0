package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Notifier sends PostgreSQL NOTIFY messages when a new analysis has been
// stored, so dashboards outside the relay can refresh.
type Notifier struct {
	DB      *sql.DB
	Channel string
}

// NewNotifier constructs a new Notifier for channel.
func NewNotifier(db *sql.DB, channel string) *Notifier {
	return &Notifier{DB: db, Channel: channel}
}

// Notify publishes the session hash on the channel.  NOTIFY does not take
// bind parameters, so pg_notify is used for the payload.
func (n *Notifier) Notify(ctx context.Context, sessionHash string) error {
	_, err := n.DB.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.Channel, sessionHash)
	if err != nil {
		return fmt.Errorf("notify %s: %w", n.Channel, err)
	}
	return nil
}

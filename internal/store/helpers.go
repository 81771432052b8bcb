package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/WaGate/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime returns nil for a nil pointer so the column is stored as NULL.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// timePtr converts a scanned nullable time into a pointer.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanOutboxMessage scans an OutboxMessage in outboxColumns order.
func scanOutboxMessage(rows rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.Recipient, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	m.NextAttemptAt = timePtr(nextAttemptAt)
	m.LockedAt = timePtr(lockedAt)
	return m, nil
}

const windowColumns = `phone, first_inbound_at, last_inbound_at, free_entry_expires_at, window_expires_at, proactive_count, proactive_count_date, last_proactive_sent_at, version, updated_at`

// scanWindow scans a ConversationWindow in windowColumns order. It returns
// sql.ErrNoRows unwrapped so callers can detect a missing record.
func scanWindow(row rowScanner) (*models.ConversationWindow, error) {
	var w models.ConversationWindow
	var freeEntry, lastProactive sql.NullTime
	err := row.Scan(
		&w.Phone, &w.FirstInboundAt, &w.LastInboundAt, &freeEntry, &w.WindowExpiresAt,
		&w.ProactiveCount, &w.ProactiveCountDate, &lastProactive, &w.Version, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.FirstInboundAt = w.FirstInboundAt.UTC()
	w.LastInboundAt = w.LastInboundAt.UTC()
	w.WindowExpiresAt = w.WindowExpiresAt.UTC()
	w.FreeEntryExpiresAt = timePtr(freeEntry)
	w.LastProactiveAt = timePtr(lastProactive)
	return &w, nil
}

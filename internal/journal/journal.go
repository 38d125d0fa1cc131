// Package journal records what the pool did with every job in SQLite: which
// slot took it, how many writes it needed and whether a worker was recycled.
package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/pool"
	"github.com/mattjoyce/forkpool/internal/protocol"
)

// writeTimeout bounds observer writes, which have no caller context.
const writeTimeout = 5 * time.Second

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal appends dispatch records to the dispatch_journal table.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ pool.Observer = (*Journal)(nil)

// New returns a Journal over a database bootstrapped by storage.OpenSQLite.
func New(db *sql.DB) *Journal {
	return &Journal{
		db:     db,
		logger: log.WithComponent("journal"),
		now:    time.Now,
	}
}

// Digest returns the BLAKE3 digest and size of the wire line for command and
// payload. Commands that cannot be encoded digest the empty line.
func Digest(command string, payload map[string]any) (string, int) {
	line, err := protocol.Encode(command, payload)
	if err != nil {
		line = ""
	}
	sum := blake3.Sum256([]byte(line))
	return hex.EncodeToString(sum[:]), len(line)
}

// Record inserts e, filling ID and CreatedAt when unset, and returns the id.
func (j *Journal) Record(ctx context.Context, e Entry) (string, error) {
	if e.Command == "" {
		return "", fmt.Errorf("command is empty")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}

	var slot any
	if e.Slot != nil {
		slot = *e.Slot
	}
	var lastError any
	if e.LastError != nil {
		lastError = *e.LastError
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO dispatch_journal(
  id, kind, command, payload_digest, payload_bytes, slot, status, attempts, recycled,
  last_error, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, string(e.Kind), e.Command, e.PayloadDigest, e.PayloadBytes, slot, e.Status,
		e.Attempts, boolToInt(e.Recycled), lastError, e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("record journal entry: %w", err)
	}
	return e.ID, nil
}

// Get returns the entry with id.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, selectEntry+` WHERE id = ?;`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get journal entry: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, selectEntry+` ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByStatus returns how many entries carry each status.
func (j *Journal) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dispatch_journal GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count journal entries: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Prune deletes entries and worker events older than retention.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := j.now().Add(-retention).UTC().Format(timeLayout)
	res, err := j.db.ExecContext(ctx, `DELETE FROM dispatch_journal WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, `DELETE FROM worker_events WHERE created_at < ?;`, cutoff); err != nil {
		return 0, fmt.Errorf("prune worker events: %w", err)
	}
	return res.RowsAffected()
}

// RecordWorkerEvent appends a worker lifecycle transition.
func (j *Journal) RecordWorkerEvent(ctx context.Context, slot int, ev WorkerEvent) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO worker_events(id, slot, event, created_at) VALUES(?, ?, ?, ?);
`, uuid.NewString(), slot, string(ev), j.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record worker event: %w", err)
	}
	return nil
}

// WorkerEvents returns the lifecycle events of slot in order.
func (j *Journal) WorkerEvents(ctx context.Context, slot int) ([]WorkerEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT event FROM worker_events WHERE slot = ? ORDER BY created_at ASC, rowid ASC;
`, slot)
	if err != nil {
		return nil, fmt.Errorf("list worker events: %w", err)
	}
	defer rows.Close()

	var out []WorkerEvent
	for rows.Next() {
		var ev string
		if err := rows.Scan(&ev); err != nil {
			return nil, err
		}
		out = append(out, WorkerEvent(ev))
	}
	return out, rows.Err()
}

// SlotEvent is a worker lifecycle transition with its time.
type SlotEvent struct {
	Event WorkerEvent `json:"event"`
	At    time.Time   `json:"at"`
}

// SlotHistory returns the timed lifecycle events of slot in order.
func (j *Journal) SlotHistory(ctx context.Context, slot int) ([]SlotEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT event, created_at FROM worker_events WHERE slot = ? ORDER BY created_at ASC, rowid ASC;
`, slot)
	if err != nil {
		return nil, fmt.Errorf("list slot history: %w", err)
	}
	defer rows.Close()

	var out []SlotEvent
	for rows.Next() {
		var ev, at string
		if err := rows.Scan(&ev, &at); err != nil {
			return nil, err
		}
		se := SlotEvent{Event: WorkerEvent(ev)}
		if t, err := time.Parse(timeLayout, at); err == nil {
			se.At = t
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

const selectEntry = `
SELECT id, kind, command, payload_digest, payload_bytes, slot, status, attempts, recycled,
  last_error, created_at
FROM dispatch_journal`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e          Entry
		kind       string
		slot       sql.NullInt64
		recycled   int
		lastError  sql.NullString
		createdAtS string
	)
	if err := s.Scan(&e.ID, &kind, &e.Command, &e.PayloadDigest, &e.PayloadBytes, &slot,
		&e.Status, &e.Attempts, &recycled, &lastError, &createdAtS); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Recycled = recycled != 0
	if slot.Valid {
		v := int(slot.Int64)
		e.Slot = &v
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if t, err := time.Parse(timeLayout, createdAtS); err == nil {
		e.CreatedAt = t
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

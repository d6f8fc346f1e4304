package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"EventLottery/internal/model"
)

// MaxChunkWrites is the store's atomicity bound: one chunk commits at most
// this many writes in a single transaction. Larger runs are split into
// independent chunks by the fanout writer.
const MaxChunkWrites = 500

// Transition is one conditional signup state change. The update applies
// only while the signup is still in one of the From states, which makes
// re-applying a committed chunk a no-op.
type Transition struct {
	SignupID string
	From     []model.SignupState
	To       model.SignupState
}

// Chunk is one atomic group of writes: signup transitions, their paired
// notifications, and optionally the event's processed flag.
type Chunk struct {
	Transitions   []Transition
	Notifications []model.Notification

	// MarkProcessedEventID, when set, flips lottery_processed inside the
	// same transaction. The fanout writer sets it on the final chunk so a
	// run is only marked processed together with its last writes.
	MarkProcessedEventID string
}

// Writes returns the number of store writes this chunk performs.
func (c Chunk) Writes() int {
	n := len(c.Transitions) + len(c.Notifications)
	if c.MarkProcessedEventID != "" {
		n++
	}
	return n
}

// ApplyChunk commits one chunk in a single transaction. Either every write
// in the chunk lands or none do. Notifications insert with
// ON CONFLICT (idempotency_key) DO NOTHING so a retried chunk never
// produces duplicates.
func (s *Store) ApplyChunk(ctx context.Context, chunk Chunk) error {
	if chunk.Writes() == 0 {
		return nil
	}
	if chunk.Writes() > MaxChunkWrites {
		return fmt.Errorf("chunk of %d writes exceeds batch limit %d", chunk.Writes(), MaxChunkWrites)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk tx: %w: %v", ErrStoreUnavailable, err)
	}

	for _, tr := range chunk.Transitions {
		from := make([]string, len(tr.From))
		for i, st := range tr.From {
			from[i] = string(st)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE signups SET state = $1 WHERE id = $2 AND state = ANY($3)`,
			string(tr.To), tr.SignupID, pq.Array(from),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("transition signup %s to %s: %w: %v", tr.SignupID, tr.To, ErrStoreUnavailable, err)
		}
	}

	if len(chunk.Notifications) > 0 {
		if err := insertNotifications(ctx, tx, chunk.Notifications); err != nil {
			tx.Rollback()
			return err
		}
	}

	if chunk.MarkProcessedEventID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET lottery_processed = TRUE WHERE id = $1`,
			chunk.MarkProcessedEventID,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark event %s processed: %w: %v", chunk.MarkProcessedEventID, ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk: %w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// insertNotifications writes notifications with one multi-row INSERT.
func insertNotifications(ctx context.Context, tx *sql.Tx, notifications []model.Notification) error {
	query := `INSERT INTO notifications (id, user_id, event_id, title, message, type, idempotency_key)
		VALUES `

	values := make([]string, 0, len(notifications))
	args := make([]interface{}, 0, len(notifications)*7)

	for i, n := range notifications {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args, n.ID, n.UserID, n.EventID, n.Title, n.Message, n.Type, n.IdempotencyKey)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (idempotency_key) DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d notifications: %w: %v", len(notifications), ErrStoreUnavailable, err)
	}
	return nil
}

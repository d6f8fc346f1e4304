// Package cleanup removes a deleted record and everything that depends on
// it, chained the way the triggers chain: a facility takes its events,
// each event takes its signups, and a deleted user takes their facilities
// (transitively), signups, and notifications.
package cleanup

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"EventLottery/internal/observability"
)

// deleteBatchSize bounds one delete statement to the store's batch limit.
const deleteBatchSize = 500

// Cleaner runs the cascade deletions.
type Cleaner struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

// New constructs a Cleaner. metrics may be nil.
func New(db *sql.DB, log zerolog.Logger, metrics *observability.Metrics) *Cleaner {
	return &Cleaner{db: db, log: log, metrics: metrics}
}

// HandleEventDeleted removes an event and its signups. Returns the number
// of signups removed.
func (c *Cleaner) HandleEventDeleted(ctx context.Context, eventID string) (int, error) {
	signups, err := c.deleteWhere(ctx, "signups", "event_id = $1", eventID)
	if err != nil {
		return signups, err
	}
	if _, err := c.deleteWhere(ctx, "events", "id = $1", eventID); err != nil {
		return signups, err
	}
	return signups, nil
}

// HandleFacilityDeleted removes a facility and cascades through its
// events down to their signups. Returns the number of events removed.
func (c *Cleaner) HandleFacilityDeleted(ctx context.Context, facilityID string) (int, error) {
	eventIDs, err := c.collectIDs(ctx, `SELECT id FROM events WHERE facility_id = $1`, facilityID)
	if err != nil {
		return 0, err
	}
	for _, id := range eventIDs {
		if _, err := c.HandleEventDeleted(ctx, id); err != nil {
			return 0, err
		}
	}
	if _, err := c.deleteWhere(ctx, "facilities", "id = $1", facilityID); err != nil {
		return len(eventIDs), err
	}
	return len(eventIDs), nil
}

// HandleOrganizerDemoted removes the facilities of a user who lost
// organizer status, cascading through each facility's events and signups.
// Returns the number of facilities removed.
func (c *Cleaner) HandleOrganizerDemoted(ctx context.Context, userID string) (int, error) {
	facilityIDs, err := c.collectIDs(ctx, `SELECT id FROM facilities WHERE organizer_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	for _, id := range facilityIDs {
		if _, err := c.HandleFacilityDeleted(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(facilityIDs), nil
}

// HandleUserDeleted removes the user row along with the user's facilities
// (transitively, as on demotion), signups, and notifications. A failed
// step logs and continues with its siblings; the returned counts reflect
// what each step actually removed.
func (c *Cleaner) HandleUserDeleted(ctx context.Context, userID string) map[string]int {
	deleted := make(map[string]int, 3)

	facilities, err := c.HandleOrganizerDemoted(ctx, userID)
	deleted["facilities"] = facilities
	if err != nil {
		c.log.Error().Err(err).
			Str("user_id", userID).
			Msg("facility cascade failed, continuing with siblings")
	}

	for _, q := range []struct {
		table string
		where string
	}{
		{"signups", "user_id = $1"},
		{"notifications", "user_id = $1"},
		{"users", "id = $1"},
	} {
		n, err := c.deleteWhere(ctx, q.table, q.where, userID)
		if q.table != "users" {
			deleted[q.table] = n
		}
		if err != nil {
			c.log.Error().Err(err).
				Str("table", q.table).
				Str("user_id", userID).
				Msg("cascade delete failed, continuing with siblings")
		}
	}
	return deleted
}

// collectIDs lists the ids matched by one query, so a cascade can recurse
// into each child before removing the parent.
func (c *Cleaner) collectIDs(ctx context.Context, query string, arg interface{}) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("collect ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deleteWhere removes all rows matching the predicate in batches of at
// most deleteBatchSize. It returns the count removed; on a failed batch,
// earlier batches stay deleted and the count reflects them.
func (c *Cleaner) deleteWhere(ctx context.Context, table, where string, arg interface{}) (int, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE %s LIMIT %d)`,
		table, table, where, deleteBatchSize,
	)

	total := 0
	for {
		res, err := c.db.ExecContext(ctx, query, arg)
		if err != nil {
			if c.metrics != nil {
				c.metrics.CleanupErrors.WithLabelValues(table).Inc()
			}
			return total, fmt.Errorf("delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("rows affected for %s: %w", table, err)
		}
		total += int(n)
		if n < deleteBatchSize {
			break
		}
	}

	if total > 0 {
		c.log.Debug().Str("table", table).Int("deleted", total).Msg("cascade delete complete")
		if c.metrics != nil {
			c.metrics.CleanupDeleted.WithLabelValues(table).Add(float64(total))
		}
	}
	return total, nil
}

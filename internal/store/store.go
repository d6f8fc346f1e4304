// Package store implements all Postgres queries for the lottery service:
// the candidate pool reads, event and user lookups, and the atomic batch
// chunks the fanout writer commits.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"EventLottery/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStoreUnavailable marks a transient read/write failure. Callers
// surface it to the task substrate's retry policy rather than failing the
// run permanently.
var ErrStoreUnavailable = errors.New("store unavailable")

// Store handles persistence against Postgres.
type Store struct {
	db *sql.DB
}

// New constructs a Store over an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for collaborators that run their own
// statements (cascade cleanup).
func (s *Store) DB() *sql.DB { return s.db }

// GetEvent loads one event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	var e model.Event
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organizer_id, COALESCE(facility_id, ''), event_name, deadline, capacity, lottery_processed, created_at
		 FROM events WHERE id = $1`,
		eventID,
	).Scan(&e.ID, &e.OrganizerID, &e.FacilityID, &e.EventName, &e.Deadline, &e.Capacity, &e.LotteryProcessed, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w: %v", eventID, ErrStoreUnavailable, err)
	}
	return &e, nil
}

// CreateEvent inserts a new event.
func (s *Store) CreateEvent(ctx context.Context, e *model.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var facilityID interface{}
	if e.FacilityID != "" {
		facilityID = e.FacilityID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, organizer_id, facility_id, event_name, deadline, capacity, lottery_processed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrganizerID, facilityID, e.EventName, e.Deadline, e.Capacity, e.LotteryProcessed, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetUser loads one user, including the optional push token.
func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organizer, COALESCE(fcm_token, '') FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Organizer, &u.FCMToken)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w: %v", userID, ErrStoreUnavailable, err)
	}
	return &u, nil
}

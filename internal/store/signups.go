package store

import (
	"context"
	"database/sql"
	"fmt"

	"EventLottery/internal/model"
)

// FetchEligible returns the waitlisted signups for an event: the candidate
// pool for the current run. Order is irrelevant; selection shuffles.
func (s *Store) FetchEligible(ctx context.Context, eventID string) ([]model.Signup, error) {
	return s.fetchByState(ctx, eventID, model.StateWaitlisted)
}

// FetchEnrolled returns the signups already confirmed by a prior run.
func (s *Store) FetchEnrolled(ctx context.Context, eventID string) ([]model.Signup, error) {
	return s.fetchByState(ctx, eventID, model.StateEnrolled)
}

func (s *Store) fetchByState(ctx context.Context, eventID string, state model.SignupState) ([]model.Signup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, user_id, state, signup_timestamp
		 FROM signups WHERE event_id = $1 AND state = $2`,
		eventID, string(state),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s signups for event %s: %w: %v", state, eventID, ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var signups []model.Signup
	for rows.Next() {
		var su model.Signup
		if err := rows.Scan(&su.ID, &su.EventID, &su.UserID, &su.State, &su.SignupTimestamp); err != nil {
			return nil, fmt.Errorf("scan signup: %w: %v", ErrStoreUnavailable, err)
		}
		signups = append(signups, su)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signups: %w: %v", ErrStoreUnavailable, err)
	}
	return signups, nil
}

// CreateSignup inserts a new waitlisted signup. Registration itself is
// outside the lottery pipeline; this exists for tests and tooling.
func (s *Store) CreateSignup(ctx context.Context, su *model.Signup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signups (id, event_id, user_id, state, signup_timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		su.ID, su.EventID, su.UserID, string(su.State), su.SignupTimestamp,
	)
	if err != nil {
		return fmt.Errorf("insert signup: %w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetSignup loads one signup by id.
func (s *Store) GetSignup(ctx context.Context, signupID string) (*model.Signup, error) {
	var su model.Signup
	err := s.db.QueryRowContext(ctx,
		`SELECT id, event_id, user_id, state, signup_timestamp FROM signups WHERE id = $1`,
		signupID,
	).Scan(&su.ID, &su.EventID, &su.UserID, &su.State, &su.SignupTimestamp)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signup %s: %w: %v", signupID, ErrStoreUnavailable, err)
	}
	return &su, nil
}

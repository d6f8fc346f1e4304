// Package fanout applies the outcome of a lottery draw: every winner and
// loser gets its state transition plus a paired notification, committed in
// atomic chunks of bounded size, followed by best-effort push delivery.
package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"EventLottery/internal/lottery"
	"EventLottery/internal/model"
	"EventLottery/internal/observability"
	"EventLottery/internal/store"
)

// LossPolicy decides what happens to losing signups.
type LossPolicy string

const (
	// LossReturnToWaitlist keeps losers in the eligible pool so a future
	// reroll can draw them again. This is the default.
	LossReturnToWaitlist LossPolicy = "waitlist"
	// LossCancel takes losers permanently out of the running.
	LossCancel LossPolicy = "cancel"
)

// ParseLossPolicy validates a configured policy string.
func ParseLossPolicy(s string) (LossPolicy, error) {
	switch LossPolicy(s) {
	case LossReturnToWaitlist, LossCancel:
		return LossPolicy(s), nil
	case "":
		return LossReturnToWaitlist, nil
	}
	return "", fmt.Errorf("unknown loss policy %q", s)
}

// ChunkApplier commits one atomic group of writes. *store.Store satisfies
// it; tests substitute an in-memory fake.
type ChunkApplier interface {
	ApplyChunk(ctx context.Context, chunk store.Chunk) error
}

// Pusher delivers one notification best-effort. Failures stay inside the
// pusher; Deliver never reports them upward.
type Pusher interface {
	Deliver(ctx context.Context, n model.Notification)
}

// PartialCommitError reports a run that failed mid-sequence: earlier
// chunks are committed and stay committed. The chunk boundaries let an
// operator judge a re-run safe (re-applying committed chunks is a no-op).
type PartialCommitError struct {
	EventID         string
	RunID           string
	FailedChunk     int // 1-based index of the chunk that failed
	TotalChunks     int
	CommittedWrites int
	Err             error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("lottery run %s for event %s: chunk %d/%d failed with %d writes already committed: %v",
		e.RunID, e.EventID, e.FailedChunk, e.TotalChunks, e.CommittedWrites, e.Err)
}

func (e *PartialCommitError) Unwrap() error { return e.Err }

// Writer turns a draw result into committed state.
type Writer struct {
	applier    ChunkApplier
	pusher     Pusher
	lossPolicy LossPolicy
	log        zerolog.Logger
	metrics    *observability.Metrics
}

// NewWriter constructs a Writer. pusher and metrics may be nil.
func NewWriter(applier ChunkApplier, pusher Pusher, lossPolicy LossPolicy, log zerolog.Logger, metrics *observability.Metrics) *Writer {
	return &Writer{
		applier:    applier,
		pusher:     pusher,
		lossPolicy: lossPolicy,
		log:        log,
		metrics:    metrics,
	}
}

// unit is one signup's transition with its paired notification. The pair
// always lands in the same chunk so no signup can end up transitioned
// without its notification.
type unit struct {
	transition   store.Transition
	notification model.Notification
}

// Apply commits the draw result for one run. runID keys the per-signup
// idempotency of notifications, so retrying the same run cannot create
// duplicates. When markProcessed is true the event's processed flag flips
// inside the final chunk's transaction.
func (w *Writer) Apply(ctx context.Context, event *model.Event, result lottery.Result, runID string, markProcessed bool) error {
	if result.Skipped() {
		return nil
	}

	units := w.buildUnits(event, result, runID)

	// Organizer summary rides along as a lone notification.
	organizerNote := model.Notification{
		ID:      uuid.NewString(),
		UserID:  event.OrganizerID,
		EventID: event.ID,
		Title:   "Lottery complete",
		Message: fmt.Sprintf("The lottery for %s selected %d entrants (%d not selected).", event.EventName, len(result.Selected), len(result.Lost)),
		Type:    model.NotificationTypeGeneral,

		IdempotencyKey: runID + ":organizer",
	}

	chunks := buildChunks(units, organizerNote, event.ID, markProcessed)

	committed := 0
	for i, chunk := range chunks {
		chunkStart := time.Now()
		if err := w.applier.ApplyChunk(ctx, chunk); err != nil {
			if w.metrics != nil {
				w.metrics.ChunksFailed.Inc()
				if i > 0 {
					w.metrics.PartialCommits.Inc()
				}
			}
			return &PartialCommitError{
				EventID:         event.ID,
				RunID:           runID,
				FailedChunk:     i + 1,
				TotalChunks:     len(chunks),
				CommittedWrites: committed,
				Err:             err,
			}
		}
		committed += chunk.Writes()
		if w.metrics != nil {
			w.metrics.ChunksCommitted.Inc()
			w.metrics.ChunkWriteDur.Observe(time.Since(chunkStart).Seconds())
		}
	}

	w.log.Info().
		Str("event_id", event.ID).
		Str("run_id", runID).
		Int("selected", len(result.Selected)).
		Int("lost", len(result.Lost)).
		Int("chunks", len(chunks)).
		Msg("lottery result committed")

	if w.metrics != nil {
		w.metrics.SelectedTotal.Add(float64(len(result.Selected)))
		w.metrics.LostTotal.Add(float64(len(result.Lost)))
	}

	// Push delivery is strictly decoupled from the committed state: it
	// runs after the batch and can only log its own failures.
	if w.pusher != nil {
		for _, u := range units {
			w.pusher.Deliver(ctx, u.notification)
		}
	}

	return nil
}

func (w *Writer) buildUnits(event *model.Event, result lottery.Result, runID string) []unit {
	units := make([]unit, 0, len(result.Selected)+len(result.Lost))

	for _, su := range result.Selected {
		units = append(units, unit{
			transition: store.Transition{
				SignupID: su.ID,
				From:     []model.SignupState{model.StateWaitlisted, model.StateSelected},
				To:       model.StateSelected,
			},
			notification: model.Notification{
				ID:      uuid.NewString(),
				UserID:  su.UserID,
				EventID: event.ID,
				Title:   "You were selected!",
				Message: fmt.Sprintf("You won the lottery for %s. Open the invitation to accept your spot.", event.EventName),
				Type:    model.NotificationTypeInvite,

				IdempotencyKey: runID + ":" + su.ID,
			},
		})
	}

	lossState := model.StateWaitlisted
	if w.lossPolicy == LossCancel {
		lossState = model.StateCancelled
	}

	for _, su := range result.Lost {
		units = append(units, unit{
			transition: store.Transition{
				SignupID: su.ID,
				From:     []model.SignupState{model.StateWaitlisted, model.StateCancelled},
				To:       lossState,
			},
			notification: model.Notification{
				ID:      uuid.NewString(),
				UserID:  su.UserID,
				EventID: event.ID,
				Title:   "Lottery result",
				Message: fmt.Sprintf("You were not selected for %s.", event.EventName),
				Type:    model.NotificationTypeGeneral,

				IdempotencyKey: runID + ":" + su.ID,
			},
		})
	}

	return units
}

// buildChunks packs units into chunks of at most store.MaxChunkWrites
// writes, never splitting a transition from its notification. The
// organizer note and the processed flag go on the final chunk.
func buildChunks(units []unit, organizerNote model.Notification, eventID string, markProcessed bool) []store.Chunk {
	// Reserve room on the last chunk for the organizer note and flag.
	const unitWrites = 2
	perChunk := store.MaxChunkWrites / unitWrites

	var chunks []store.Chunk
	for start := 0; start < len(units); start += perChunk {
		end := start + perChunk
		if end > len(units) {
			end = len(units)
		}
		var c store.Chunk
		for _, u := range units[start:end] {
			c.Transitions = append(c.Transitions, u.transition)
			c.Notifications = append(c.Notifications, u.notification)
		}
		chunks = append(chunks, c)
	}

	if len(chunks) == 0 {
		chunks = append(chunks, store.Chunk{})
	}

	last := &chunks[len(chunks)-1]
	if last.Writes()+2 > store.MaxChunkWrites {
		chunks = append(chunks, store.Chunk{})
		last = &chunks[len(chunks)-1]
	}
	last.Notifications = append(last.Notifications, organizerNote)
	if markProcessed {
		last.MarkProcessedEventID = eventID
	}

	return chunks
}

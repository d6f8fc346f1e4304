// Package dispatch runs lotteries: the deadline-deferred task path, the
// organizer-invoked manual path, and the idempotency guard between them.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"EventLottery/internal/lottery"
	"EventLottery/internal/model"
	"EventLottery/internal/observability"
)

// Store is the slice of the persistence layer a lottery run needs.
type Store interface {
	GetEvent(ctx context.Context, eventID string) (*model.Event, error)
	FetchEligible(ctx context.Context, eventID string) ([]model.Signup, error)
	FetchEnrolled(ctx context.Context, eventID string) ([]model.Signup, error)
}

// ResultWriter commits a draw result. *fanout.Writer satisfies it.
type ResultWriter interface {
	Apply(ctx context.Context, event *model.Event, result lottery.Result, runID string, markProcessed bool) error
}

// ShufflerFactory yields a fresh permutation source per run. Runs for
// different events may execute concurrently, so they must not share one
// rand state.
type ShufflerFactory func() lottery.Shuffler

// RunTask is one lottery invocation, keyed by (EventID, RunID) so the
// substrate may redeliver it safely.
type RunTask struct {
	EventID string `json:"event_id"`
	RunID   string `json:"run_id"`
	// TargetCount overrides the event's capacity when positive (manual
	// rerolls carry the organizer's requested entrant count).
	TargetCount int  `json:"target_count,omitempty"`
	Manual      bool `json:"manual,omitempty"`
}

// ManualTriggerRequest is the organizer-invoked lottery request.
type ManualTriggerRequest struct {
	EventID          string `json:"eventId"`
	OrganizerID      string `json:"organizerId"`
	NumberOfEntrants int    `json:"numberOfEntrants"`
}

// Skip reasons beyond the engine's: the idempotency guard.
const SkipAlreadyProcessed lottery.SkipReason = "already_processed"

// Outcome summarizes a finished run for logging and the API response.
type Outcome struct {
	EventID  string
	RunID    string
	Skipped  bool
	Reason   lottery.SkipReason
	Selected int
	Lost     int
}

// Message renders the response string for the manual-trigger contract.
func (o Outcome) Message() string {
	if o.Skipped {
		return fmt.Sprintf("lottery for event %s skipped: %s", o.EventID, o.Reason)
	}
	return fmt.Sprintf("lottery for event %s complete: %d selected, %d not selected", o.EventID, o.Selected, o.Lost)
}

// Controller wires the store, the selection engine, and the fanout writer
// into one run.
type Controller struct {
	store     Store
	writer    ResultWriter
	shufflers ShufflerFactory
	log       zerolog.Logger
	metrics   *observability.Metrics
}

// NewController constructs a Controller. metrics may be nil.
func NewController(st Store, writer ResultWriter, shufflers ShufflerFactory, log zerolog.Logger, metrics *observability.Metrics) *Controller {
	return &Controller{
		store:     st,
		writer:    writer,
		shufflers: shufflers,
		log:       log,
		metrics:   metrics,
	}
}

// Run executes one lottery run. It is idempotent per task: a redelivered
// deadline task no-ops once the event is processed, and a retried run
// reuses the same RunID so committed transitions and notifications are not
// duplicated.
func (c *Controller) Run(ctx context.Context, task RunTask) (Outcome, error) {
	start := time.Now()
	out := Outcome{EventID: task.EventID, RunID: task.RunID}

	event, err := c.store.GetEvent(ctx, task.EventID)
	if err != nil {
		return out, err
	}

	// Idempotency guard: the substrate may redeliver a finished deadline
	// task. Manual rerolls bypass the flag on purpose.
	if !task.Manual && event.LotteryProcessed {
		out.Skipped = true
		out.Reason = SkipAlreadyProcessed
		c.observeSkip(out)
		return out, nil
	}

	targetCount := event.Capacity
	if task.TargetCount > 0 {
		targetCount = task.TargetCount
	}

	eligible, enrolled, err := c.fetchPools(ctx, task.EventID)
	if err != nil {
		return out, err
	}

	if c.metrics != nil {
		c.metrics.EligiblePoolSize.Observe(float64(len(eligible)))
	}

	result := lottery.Draw(eligible, enrolled, targetCount, c.shufflers())
	if result.Skipped() {
		out.Skipped = true
		out.Reason = result.Skip
		c.observeSkip(out)
		return out, nil
	}

	if err := c.writer.Apply(ctx, event, result, task.RunID, true); err != nil {
		if c.metrics != nil {
			c.metrics.RunsTotal.WithLabelValues("failed").Inc()
		}
		return out, err
	}

	out.Selected = len(result.Selected)
	out.Lost = len(result.Lost)

	c.log.Info().
		Str("event_id", event.ID).
		Str("run_id", task.RunID).
		Bool("manual", task.Manual).
		Int("target", targetCount).
		Int("selected", out.Selected).
		Int("lost", out.Lost).
		Dur("took", time.Since(start)).
		Msg("lottery run complete")

	if c.metrics != nil {
		c.metrics.RunsTotal.WithLabelValues("completed").Inc()
		c.metrics.RunDuration.Observe(time.Since(start).Seconds())
	}
	return out, nil
}

// HandleManualTrigger validates and executes an organizer-invoked run.
// Validation happens before any read; authorization before any write.
func (c *Controller) HandleManualTrigger(ctx context.Context, req ManualTriggerRequest) (Outcome, error) {
	if req.EventID == "" {
		return Outcome{}, fmt.Errorf("%w: eventId is required", ErrInvalidArgument)
	}
	if req.OrganizerID == "" {
		return Outcome{}, fmt.Errorf("%w: organizerId is required", ErrInvalidArgument)
	}
	if req.NumberOfEntrants <= 0 {
		return Outcome{}, fmt.Errorf("%w: numberOfEntrants must be a positive number", ErrInvalidArgument)
	}

	event, err := c.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return Outcome{}, err
	}
	if event.OrganizerID != req.OrganizerID {
		return Outcome{}, fmt.Errorf("%w: caller %s is not the organizer of event %s", ErrPermissionDenied, req.OrganizerID, req.EventID)
	}

	return c.Run(ctx, RunTask{
		EventID:     req.EventID,
		RunID:       uuid.NewString(),
		TargetCount: req.NumberOfEntrants,
		Manual:      true,
	})
}

// fetchPools runs the two candidate queries concurrently; there is no
// ordering dependency between them.
func (c *Controller) fetchPools(ctx context.Context, eventID string) (eligible, enrolled []model.Signup, err error) {
	type fetched struct {
		signups []model.Signup
		err     error
	}

	eligibleCh := make(chan fetched, 1)
	enrolledCh := make(chan fetched, 1)

	go func() {
		s, err := c.store.FetchEligible(ctx, eventID)
		eligibleCh <- fetched{s, err}
	}()
	go func() {
		s, err := c.store.FetchEnrolled(ctx, eventID)
		enrolledCh <- fetched{s, err}
	}()

	el := <-eligibleCh
	en := <-enrolledCh
	if el.err != nil {
		return nil, nil, el.err
	}
	if en.err != nil {
		return nil, nil, en.err
	}
	return el.signups, en.signups, nil
}

func (c *Controller) observeSkip(out Outcome) {
	c.log.Info().
		Str("event_id", out.EventID).
		Str("run_id", out.RunID).
		Str("reason", string(out.Reason)).
		Msg("lottery run skipped")
	if c.metrics != nil {
		c.metrics.RunsTotal.WithLabelValues("skipped").Inc()
		c.metrics.RunsSkipped.WithLabelValues(string(out.Reason)).Inc()
	}
}

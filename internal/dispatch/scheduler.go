package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"EventLottery/internal/fanout"
	"EventLottery/internal/observability"
	"EventLottery/internal/store"
)

// JetStream layout: event-creation signals go to one stream, run tasks to
// another. The run consumer's redelivery policy is the retry budget of the
// whole pipeline.
const (
	EventStreamName   = "LOTTERY_EVENTS"
	EventCreatedSubj  = "lottery.events.created"
	RunStreamName     = "LOTTERY_RUNS"
	RunSubject        = "lottery.runs.run"
	schedulerConsumer = "lottery-scheduler"
	runnerConsumer    = "lottery-runner"
	runMaxDeliver     = 5
	runAckWait        = 2 * time.Minute
	runMinBackoff     = 60 * time.Second
	runMaxInFlight    = 3 // bounds concurrent runs hitting the store
)

// CreatedSignal announces a freshly created event whose lottery must run
// at its deadline.
type CreatedSignal struct {
	EventID  string    `json:"event_id"`
	Deadline time.Time `json:"deadline"`
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

func streamConfigs() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:      EventStreamName,
			Subjects:  []string{"lottery.events.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			// No age limit: a created-event signal is parked here by
			// nak-with-delay until its deadline, which may be arbitrarily
			// far out. An age limit would purge the signal before it fires.
			MaxAge:   0,
			Replicas: 1,
		},
		{
			Name:      RunStreamName,
			Subjects:  []string{"lottery.runs.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			// Run tasks are consumed at the deadline; 72h comfortably
			// outlives the full redelivery budget.
			MaxAge:   72 * time.Hour,
			Replicas: 1,
		},
	}
}

// EnsureStreams creates the required JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	for _, cfg := range streamConfigs() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Scheduler turns event-creation signals into deadline-deferred run tasks
// and feeds run tasks to the controller with bounded redelivery.
type Scheduler struct {
	js        jetstream.JetStream
	ctrl      *Controller
	log       zerolog.Logger
	metrics   *observability.Metrics
	consumers []jetstream.ConsumeContext
}

// NewScheduler constructs a Scheduler. metrics may be nil.
func NewScheduler(js jetstream.JetStream, ctrl *Controller, log zerolog.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{js: js, ctrl: ctrl, log: log, metrics: metrics}
}

// PublishEventCreated emits the creation signal that schedules a deferred
// lottery run at the event's deadline.
func (s *Scheduler) PublishEventCreated(ctx context.Context, eventID string, deadline time.Time) error {
	data, err := json.Marshal(CreatedSignal{EventID: eventID, Deadline: deadline})
	if err != nil {
		return fmt.Errorf("marshal created signal: %w", err)
	}
	if _, err := s.js.Publish(ctx, EventCreatedSubj, data); err != nil {
		return fmt.Errorf("publish created signal: %w", err)
	}
	return nil
}

// publishRunTask enqueues one run task for the runner consumer.
func (s *Scheduler) publishRunTask(ctx context.Context, task RunTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal run task: %w", err)
	}
	if _, err := s.js.Publish(ctx, RunSubject, data); err != nil {
		return fmt.Errorf("publish run task: %w", err)
	}
	if s.metrics != nil {
		s.metrics.TasksScheduled.Inc()
	}
	return nil
}

// Start subscribes both consumers. The scheduler consumer defers each
// creation signal until the event's deadline by nak-ing it with the
// remaining delay, so pending deadlines survive restarts; the runner
// consumer executes tasks with explicit ack, MaxDeliver 5, and a backoff
// floor of 60s.
func (s *Scheduler) Start(ctx context.Context) error {
	schedConsumer, err := s.js.CreateOrUpdateConsumer(ctx, EventStreamName, jetstream.ConsumerConfig{
		Durable:       schedulerConsumer,
		FilterSubject: EventCreatedSubj,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		// Unlimited: each deferral naks the signal back, and the number of
		// deferrals depends only on how far away the deadline is.
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", schedulerConsumer, err)
	}

	cc, err := schedConsumer.Consume(func(msg jetstream.Msg) {
		s.handleCreatedSignal(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", schedulerConsumer, err)
	}
	s.consumers = append(s.consumers, cc)

	runConsumer, err := s.js.CreateOrUpdateConsumer(ctx, RunStreamName, jetstream.ConsumerConfig{
		Durable:       runnerConsumer,
		FilterSubject: RunSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       runAckWait,
		MaxDeliver:    runMaxDeliver,
		BackOff:       []time.Duration{runMinBackoff, 2 * runMinBackoff, 4 * runMinBackoff, 8 * runMinBackoff},
		MaxAckPending: runMaxInFlight,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", runnerConsumer, err)
	}

	cc, err = runConsumer.Consume(func(msg jetstream.Msg) {
		s.handleRunTask(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", runnerConsumer, err)
	}
	s.consumers = append(s.consumers, cc)

	s.log.Info().Msg("scheduler consumers started")
	return nil
}

// maxDeferral caps one nak-with-delay hop. Deadlines further out than
// this come back early and get deferred again, which keeps the deferral
// durable without a single enormous redelivery delay.
const maxDeferral = 24 * time.Hour

// handleCreatedSignal defers the signal until the event's deadline, then
// enqueues the run task. The run id is derived from the event so a
// redelivered signal arms the same idempotent task key.
func (s *Scheduler) handleCreatedSignal(ctx context.Context, msg jetstream.Msg) {
	var sig CreatedSignal
	if err := json.Unmarshal(msg.Data(), &sig); err != nil {
		s.log.Warn().Err(err).Msg("unparseable created signal, dropping")
		msg.Ack()
		return
	}

	if delay := time.Until(sig.Deadline); delay > 0 {
		if delay > maxDeferral {
			delay = maxDeferral
		}
		s.log.Debug().
			Str("event_id", sig.EventID).
			Dur("delay", delay).
			Msg("lottery deferred until deadline")
		msg.NakWithDelay(delay)
		return
	}

	task := RunTask{
		EventID: sig.EventID,
		RunID:   sig.EventID + ":deadline",
	}
	if err := s.publishRunTask(ctx, task); err != nil {
		s.log.Error().Err(err).Str("event_id", sig.EventID).Msg("failed to enqueue run task")
		msg.NakWithDelay(runMinBackoff)
		return
	}
	msg.Ack()
}

// handleRunTask executes one run task. Terminal outcomes (success, skip,
// validation failures, missing event) ack; transient store failures and
// partial commits nak so the substrate redelivers under its backoff.
func (s *Scheduler) handleRunTask(ctx context.Context, msg jetstream.Msg) {
	var task RunTask
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		s.log.Warn().Err(err).Msg("unparseable run task, dropping")
		msg.Ack()
		return
	}

	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 1 {
		s.log.Warn().
			Str("event_id", task.EventID).
			Uint64("delivery", meta.NumDelivered).
			Msg("run task redelivered")
		if s.metrics != nil {
			s.metrics.TasksRedelivery.Inc()
		}
	}

	_, err := s.ctrl.Run(ctx, task)
	switch {
	case err == nil:
		msg.Ack()

	case errors.Is(err, store.ErrNotFound):
		// Event deleted between scheduling and firing. Nothing to retry.
		s.log.Info().Str("event_id", task.EventID).Msg("event gone, dropping run task")
		msg.Ack()

	case errors.Is(err, store.ErrStoreUnavailable), isPartialCommit(err):
		s.log.Error().Err(err).Str("event_id", task.EventID).Msg("run failed, will be redelivered")
		msg.Nak()

	default:
		s.log.Error().Err(err).Str("event_id", task.EventID).Msg("run failed permanently")
		msg.Ack()
	}
}

func isPartialCommit(err error) bool {
	var pce *fanout.PartialCommitError
	return errors.As(err, &pce)
}

// Stop gracefully stops all consumers.
func (s *Scheduler) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.log.Info().Msg("scheduler consumers stopped")
}

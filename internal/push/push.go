// Package push delivers lottery notifications over FCM. Delivery is
// best-effort and isolated per recipient: a missing token is a skip, a
// send failure is a log line, and neither ever fails a lottery run.
package push

import (
	"context"
	"errors"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"

	"EventLottery/internal/model"
	"EventLottery/internal/observability"
	"EventLottery/internal/store"
)

// Sender sends one FCM message. *messaging.Client satisfies it; tests
// substitute a fake.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// TokenSource resolves a recipient's push token.
type TokenSource interface {
	GetUser(ctx context.Context, userID string) (*model.User, error)
}

// Adapter looks up each recipient's token and fires a push per
// notification.
type Adapter struct {
	tokens  TokenSource
	sender  Sender
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewAdapter constructs an Adapter. metrics may be nil.
func NewAdapter(tokens TokenSource, sender Sender, log zerolog.Logger, metrics *observability.Metrics) *Adapter {
	return &Adapter{tokens: tokens, sender: sender, log: log, metrics: metrics}
}

// NewFCMSender builds a messaging client from application-default
// credentials (GOOGLE_APPLICATION_CREDENTIALS).
func NewFCMSender(ctx context.Context) (Sender, error) {
	app, err := firebase.NewApp(ctx, nil)
	if err != nil {
		return nil, err
	}
	return app.Messaging(ctx)
}

// Deliver sends one notification's push. All failure modes end here.
// A nil sender disables delivery entirely (no FCM credentials).
func (a *Adapter) Deliver(ctx context.Context, n model.Notification) {
	if a.sender == nil {
		if a.metrics != nil {
			a.metrics.PushSkipped.Inc()
		}
		return
	}

	user, err := a.tokens.GetUser(ctx, n.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.log.Debug().Str("user_id", n.UserID).Msg("push skipped: user not found")
		} else {
			a.log.Warn().Err(err).Str("user_id", n.UserID).Msg("push skipped: token lookup failed")
		}
		if a.metrics != nil {
			a.metrics.PushSkipped.Inc()
		}
		return
	}

	if user.FCMToken == "" {
		a.log.Debug().Str("user_id", n.UserID).Msg("push skipped: no fcm token")
		if a.metrics != nil {
			a.metrics.PushSkipped.Inc()
		}
		return
	}

	msg := &messaging.Message{
		Token: user.FCMToken,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Message,
		},
		Data: map[string]string{
			"eventId": n.EventID,
			"type":    n.Type,
		},
	}

	if _, err := a.sender.Send(ctx, msg); err != nil {
		// One recipient's failure must not touch any other delivery or
		// the committed lottery state.
		a.log.Warn().Err(err).
			Str("user_id", n.UserID).
			Str("event_id", n.EventID).
			Msg("push delivery failed")
		if a.metrics != nil {
			a.metrics.PushFailed.Inc()
		}
		return
	}

	if a.metrics != nil {
		a.metrics.PushDelivered.Inc()
	}
}

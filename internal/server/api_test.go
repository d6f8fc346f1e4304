package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"EventLottery/internal/dispatch"
	"EventLottery/internal/model"
	"EventLottery/internal/server"
	"EventLottery/internal/store"
)

type fakeLottery struct {
	outcome dispatch.Outcome
	err     error
	lastReq dispatch.ManualTriggerRequest
}

func (f *fakeLottery) HandleManualTrigger(ctx context.Context, req dispatch.ManualTriggerRequest) (dispatch.Outcome, error) {
	f.lastReq = req
	return f.outcome, f.err
}

type fakeEvents struct {
	created []*model.Event
	signups map[string]*model.Signup
	err     error
}

func (f *fakeEvents) CreateEvent(ctx context.Context, e *model.Event) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, e)
	return nil
}

func (f *fakeEvents) GetSignup(ctx context.Context, signupID string) (*model.Signup, error) {
	su, ok := f.signups[signupID]
	if !ok {
		return nil, fmt.Errorf("get signup %s: %w", signupID, store.ErrNotFound)
	}
	return su, nil
}

type fakeScheduler struct {
	published []string
	err       error
}

func (f *fakeScheduler) PublishEventCreated(ctx context.Context, eventID string, deadline time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, eventID)
	return nil
}

type fakeCleaner struct {
	eventDeletes []string
}

func (f *fakeCleaner) HandleEventDeleted(ctx context.Context, eventID string) (int, error) {
	f.eventDeletes = append(f.eventDeletes, eventID)
	return 7, nil
}

func (f *fakeCleaner) HandleFacilityDeleted(ctx context.Context, facilityID string) (int, error) {
	return 2, nil
}

func (f *fakeCleaner) HandleUserDeleted(ctx context.Context, userID string) map[string]int {
	return map[string]int{"signups": 3}
}

func (f *fakeCleaner) HandleOrganizerDemoted(ctx context.Context, userID string) (int, error) {
	return 1, nil
}

func newTestServer(lottery *fakeLottery, events *fakeEvents, sched *fakeScheduler, cleaner *fakeCleaner) http.Handler {
	return server.New(lottery, events, sched, cleaner, nil, zerolog.Nop(), nil).Router()
}

func TestManualTriggerStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"success", nil, http.StatusOK, ""},
		{"invalid argument", fmt.Errorf("%w: numberOfEntrants must be a positive number", dispatch.ErrInvalidArgument), http.StatusBadRequest, "invalid-argument"},
		{"unknown event", fmt.Errorf("get event ev-1: %w", store.ErrNotFound), http.StatusNotFound, "not-found"},
		{"wrong organizer", fmt.Errorf("%w: caller is not the organizer", dispatch.ErrPermissionDenied), http.StatusForbidden, "permission-denied"},
		{"store failure", fmt.Errorf("fetch: %w: connection refused", store.ErrStoreUnavailable), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lottery := &fakeLottery{
				outcome: dispatch.Outcome{EventID: "ev-1", Selected: 3, Lost: 2},
				err:     tt.err,
			}
			h := newTestServer(lottery, &fakeEvents{}, &fakeScheduler{}, &fakeCleaner{})

			body := strings.NewReader(`{"organizerId":"org-1","numberOfEntrants":3}`)
			req := httptest.NewRequest(http.MethodPost, "/api/events/ev-1/lottery", body)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body: %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				var resp map[string]string
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("unmarshal error body: %v", err)
				}
				if resp["error"] != tt.wantCode {
					t.Errorf("error code = %q, want %q", resp["error"], tt.wantCode)
				}
			}
		})
	}
}

func TestManualTriggerPassesRequestThrough(t *testing.T) {
	lottery := &fakeLottery{outcome: dispatch.Outcome{EventID: "ev-1"}}
	h := newTestServer(lottery, &fakeEvents{}, &fakeScheduler{}, &fakeCleaner{})

	body := strings.NewReader(`{"organizerId":"org-9","numberOfEntrants":4}`)
	req := httptest.NewRequest(http.MethodPost, "/api/events/ev-1/lottery", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	want := dispatch.ManualTriggerRequest{EventID: "ev-1", OrganizerID: "org-9", NumberOfEntrants: 4}
	if lottery.lastReq != want {
		t.Errorf("service saw %+v, want %+v", lottery.lastReq, want)
	}
}

func TestManualTriggerMalformedBody(t *testing.T) {
	h := newTestServer(&fakeLottery{}, &fakeEvents{}, &fakeScheduler{}, &fakeCleaner{})

	req := httptest.NewRequest(http.MethodPost, "/api/events/ev-1/lottery", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateEventSchedulesLottery(t *testing.T) {
	events := &fakeEvents{}
	sched := &fakeScheduler{}
	h := newTestServer(&fakeLottery{}, events, sched, &fakeCleaner{})

	body := strings.NewReader(`{
		"organizerId": "org-1",
		"eventName": "Morning Swim",
		"deadline": "2026-09-01T12:00:00Z",
		"capacity": 20
	}`)
	req := httptest.NewRequest(http.MethodPost, "/api/events", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body: %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if len(events.created) != 1 {
		t.Fatalf("created %d events, want 1", len(events.created))
	}
	created := events.created[0]
	if created.ID == "" {
		t.Error("created event has no id")
	}
	if len(sched.published) != 1 || sched.published[0] != created.ID {
		t.Errorf("scheduled events = %v, want [%s]", sched.published, created.ID)
	}
}

func TestCreateEventValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing organizer", `{"eventName":"Swim","deadline":"2026-09-01T12:00:00Z","capacity":5}`},
		{"missing name", `{"organizerId":"org-1","deadline":"2026-09-01T12:00:00Z","capacity":5}`},
		{"zero capacity", `{"organizerId":"org-1","eventName":"Swim","deadline":"2026-09-01T12:00:00Z","capacity":0}`},
		{"missing deadline", `{"organizerId":"org-1","eventName":"Swim","capacity":5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &fakeEvents{}
			h := newTestServer(&fakeLottery{}, events, &fakeScheduler{}, &fakeCleaner{})

			req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if len(events.created) != 0 {
				t.Errorf("invalid request created %d events, want 0", len(events.created))
			}
		})
	}
}

func TestCreateEventSucceedsWhenSchedulingFails(t *testing.T) {
	// The event row exists either way; the lottery can still be triggered
	// manually, so scheduling failure must not fail the request.
	events := &fakeEvents{}
	sched := &fakeScheduler{err: errors.New("nats unavailable")}
	h := newTestServer(&fakeLottery{}, events, sched, &fakeCleaner{})

	body := strings.NewReader(`{
		"organizerId": "org-1",
		"eventName": "Morning Swim",
		"deadline": "2026-09-01T12:00:00Z",
		"capacity": 20
	}`)
	req := httptest.NewRequest(http.MethodPost, "/api/events", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if len(events.created) != 1 {
		t.Errorf("created %d events, want 1", len(events.created))
	}
}

func TestGetSignupReturnsFlagsEncoding(t *testing.T) {
	events := &fakeEvents{signups: map[string]*model.Signup{
		"s-1": {ID: "s-1", EventID: "ev-1", UserID: "u-1", State: model.StateSelected},
	}}
	h := newTestServer(&fakeLottery{}, events, &fakeScheduler{}, &fakeCleaner{})

	req := httptest.NewRequest(http.MethodGet, "/api/signups/s-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body: %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp struct {
		ID    string      `json:"id"`
		State string      `json:"state"`
		Flags model.Flags `json:"flags"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if resp.ID != "s-1" || resp.State != string(model.StateSelected) {
		t.Errorf("got signup %s state %s, want s-1 selected", resp.ID, resp.State)
	}
	// The flag encoding sets exactly the chosen bit for a selected signup.
	if want := (model.Flags{Chosen: true}); resp.Flags != want {
		t.Errorf("flags = %+v, want %+v", resp.Flags, want)
	}
}

func TestGetSignupUnknown(t *testing.T) {
	h := newTestServer(&fakeLottery{}, &fakeEvents{}, &fakeScheduler{}, &fakeCleaner{})

	req := httptest.NewRequest(http.MethodGet, "/api/signups/ghost", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDeleteEventCascades(t *testing.T) {
	cleaner := &fakeCleaner{}
	h := newTestServer(&fakeLottery{}, &fakeEvents{}, &fakeScheduler{}, cleaner)

	req := httptest.NewRequest(http.MethodDelete, "/api/events/ev-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(cleaner.eventDeletes) != 1 || cleaner.eventDeletes[0] != "ev-1" {
		t.Errorf("cascade deletes = %v, want [ev-1]", cleaner.eventDeletes)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if resp["signupsDeleted"] != 7 {
		t.Errorf("signupsDeleted = %d, want 7", resp["signupsDeleted"])
	}
}

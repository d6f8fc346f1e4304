// Package model defines the persistent records of the event lottery system:
// events, signups, notifications, users, and facilities.
package model

import (
	"time"
)

// Event is an organizer-owned event with capped attendance. The lottery
// fills Capacity seats from the waitlist once Deadline passes.
type Event struct {
	ID               string    `json:"id"`
	OrganizerID      string    `json:"organizerId"`
	FacilityID       string    `json:"facilityId,omitempty"`
	EventName        string    `json:"eventName"`
	Deadline         time.Time `json:"deadline"`
	Capacity         int       `json:"capacity"`
	LotteryProcessed bool      `json:"lotteryProcessed"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Signup is one user's registration for one event. State holds the
// signup's position in the lottery lifecycle; SignupTimestamp is recorded
// but never consulted by selection.
type Signup struct {
	ID              string      `json:"id"`
	EventID         string      `json:"eventId"`
	UserID          string      `json:"userId"`
	State           SignupState `json:"state"`
	SignupTimestamp time.Time   `json:"signupTimestamp"`
}

// Notification types.
const (
	NotificationTypeInvite  = "Invite"
	NotificationTypeGeneral = "General"
)

// Notification is an append-only record addressed to one user. Created by
// the lottery fanout, never mutated afterwards.
type Notification struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	EventID string `json:"eventId"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`

	// IdempotencyKey dedupes creation across retried batch chunks.
	IdempotencyKey string `json:"-"`
}

// User is a participant; Organizer marks the organizer role and FCMToken,
// when present, is the push-delivery address.
type User struct {
	ID        string `json:"id"`
	Organizer bool   `json:"organizer"`
	FCMToken  string `json:"fcmToken,omitempty"`
}

// Facility groups an organizer's events; it only participates in cascade
// cleanup here.
type Facility struct {
	ID          string `json:"id"`
	OrganizerID string `json:"organizerId"`
	Name        string `json:"name"`
}

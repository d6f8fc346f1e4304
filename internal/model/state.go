package model

import "fmt"

// SignupState is the signup lifecycle state. The source system encoded it
// as four independent booleans (waitlisted/chosen/enrolled/cancelled),
// which permitted illegal combinations; a single enum cannot represent
// those combinations at all.
type SignupState string

const (
	// StateWaitlisted: registered, waiting for a lottery draw.
	StateWaitlisted SignupState = "waitlisted"
	// StateSelected: won a draw, invitation not yet accepted.
	StateSelected SignupState = "selected"
	// StateEnrolled: accepted the invitation, holds a seat.
	StateEnrolled SignupState = "enrolled"
	// StateCancelled: out of the running.
	StateCancelled SignupState = "cancelled"
)

// Valid reports whether s is a known state.
func (s SignupState) Valid() bool {
	switch s {
	case StateWaitlisted, StateSelected, StateEnrolled, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a signup may move from s to next. Identity
// transitions are allowed so that retried lottery batches are no-ops.
func (s SignupState) CanTransition(next SignupState) bool {
	if s == next {
		return true
	}
	switch s {
	case StateWaitlisted:
		return next == StateSelected || next == StateCancelled
	case StateSelected:
		return next == StateEnrolled || next == StateCancelled || next == StateWaitlisted
	case StateEnrolled:
		return next == StateCancelled
	case StateCancelled:
		// A reroll may reopen a cancelled signup back onto the waitlist.
		return next == StateWaitlisted
	}
	return false
}

// Flags is the four-boolean wire encoding the mobile clients still read.
type Flags struct {
	Waitlisted bool `json:"waitlisted"`
	Chosen     bool `json:"chosen"`
	Enrolled   bool `json:"enrolled"`
	Cancelled  bool `json:"cancelled"`
}

// Flags returns the wire encoding of s. Exactly one flag is set.
func (s SignupState) Flags() Flags {
	switch s {
	case StateWaitlisted:
		return Flags{Waitlisted: true}
	case StateSelected:
		return Flags{Chosen: true}
	case StateEnrolled:
		return Flags{Enrolled: true}
	case StateCancelled:
		return Flags{Cancelled: true}
	}
	return Flags{}
}

// StateFromFlags maps a flag combination back to a state. Combinations the
// enum forbids (e.g. chosen and cancelled together) are rejected.
func StateFromFlags(f Flags) (SignupState, error) {
	set := 0
	var state SignupState
	if f.Waitlisted {
		set++
		state = StateWaitlisted
	}
	if f.Chosen {
		set++
		state = StateSelected
	}
	if f.Enrolled {
		set++
		state = StateEnrolled
	}
	if f.Cancelled {
		set++
		state = StateCancelled
	}
	if set != 1 {
		return "", fmt.Errorf("signup flags set %d primary states, want exactly 1", set)
	}
	return state, nil
}

// Package status implements the meeting status state machine shared by the
// webhook ingestion path and the polling reconciler. Apply is a pure function,
// which is what makes the two paths converge: it does not matter which path
// observes an external state first, or how many times it is applied.
package status

import (
	"meeting-tracker/internal/models"
)

// Signals carries the completion sub-signals reported alongside an external
// state. An "ended" bot whose recording or transcription failed is a failure,
// not a completion.
type Signals struct {
	RecordingFailed     bool
	TranscriptionFailed bool
}

// Transition is the result of applying an external state: either an explicit
// move to a new status, or Unchanged. The zero value is Unchanged, so an
// unmapped external state is structurally distinct from an error.
type Transition struct {
	Changed bool
	To      models.MeetingStatus
}

// Unchanged reports that the external state does not move the meeting.
func Unchanged() Transition { return Transition{} }

// TransitionTo moves the meeting to the given status.
func TransitionTo(s models.MeetingStatus) Transition {
	return Transition{Changed: true, To: s}
}

// externalStates is the authoritative mapping from the external bot state
// vocabulary to internal statuses. States not listed here (post_processing,
// anything new the vendor adds) map to no transition, never to FAILED.
var externalStates = map[string]models.MeetingStatus{
	"staged":                       models.StatusStarted,
	"join_requested":               models.StatusStarted,
	"joining":                      models.StatusStarted,
	"joined_meeting":               models.StatusStarted,
	"joined_recording":             models.StatusStarted,
	"recording_permission_granted": models.StatusStarted,
	"ended":                        models.StatusCompleted,
	"failed":                       models.StatusFailed,
	"error":                        models.StatusFailed,
}

// Known reports whether external is part of the mapped vocabulary. Callers
// use this to log ambiguous states at warning level.
func Known(external string) bool {
	_, ok := externalStates[external]
	return ok
}

// TerminalInducing reports whether external maps to a terminal status. The
// ingestion path uses this to schedule a completion guard regardless of
// whether the transition actually committed.
func TerminalInducing(external string) bool {
	target, ok := externalStates[external]
	return ok && target.Terminal()
}

// Apply maps an externally observed bot state onto the current meeting
// status. Terminal statuses absorb every input, and a mapping onto the
// current status is a no-op, so Apply is idempotent and order-independent
// for any pair of observations of the same real-world state.
func Apply(current models.MeetingStatus, external string, sig Signals) Transition {
	if current.Terminal() {
		return Unchanged()
	}
	target, ok := externalStates[external]
	if !ok {
		return Unchanged()
	}
	if target == models.StatusCompleted && (sig.RecordingFailed || sig.TranscriptionFailed) {
		target = models.StatusFailed
	}
	if target == current {
		return Unchanged()
	}
	return TransitionTo(target)
}

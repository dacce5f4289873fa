// Package lifecycle holds the state machines shared by the device outbox and
// the server: draft states, attachment states, report kinds and backoff.
package lifecycle

import (
	"errors"
	"fmt"
)

// ReportKind enumerates the report envelopes accepted by the core.
type ReportKind string

const (
	KindIncident   ReportKind = "INCIDENT"
	KindEmergency  ReportKind = "EMERGENCY"
	KindAssistance ReportKind = "ASSISTANCE"
)

// ReportKinds lists every accepted kind.
var ReportKinds = []ReportKind{KindIncident, KindEmergency, KindAssistance}

// Valid reports whether k is a known kind.
func (k ReportKind) Valid() bool {
	for _, v := range ReportKinds {
		if v == k {
			return true
		}
	}
	return false
}

// DraftState is the lifecycle state of one report.
type DraftState string

const (
	DraftLocal      DraftState = "LOCAL"
	DraftQueued     DraftState = "QUEUED"
	DraftSubmitting DraftState = "SUBMITTING"
	DraftSynced     DraftState = "SYNCED"
	DraftFailed     DraftState = "FAILED"
	DraftAbandoned  DraftState = "ABANDONED"
)

// ErrInvalidTransition is returned for a move the state machine forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

// draftEdges lists every permitted move. SUBMITTING -> QUEUED is the
// transient path: a timeout never lands in FAILED because the server may
// have completed the request. SUBMITTING -> ABANDONED is that same path once
// the attempt cap is hit, settled in one write. LOCAL -> ABANDONED discards
// a draft the user never queued.
var draftEdges = map[DraftState][]DraftState{
	DraftLocal:      {DraftQueued, DraftAbandoned},
	DraftQueued:     {DraftSubmitting, DraftAbandoned},
	DraftSubmitting: {DraftSynced, DraftFailed, DraftQueued, DraftAbandoned},
	DraftFailed:     {DraftQueued, DraftAbandoned},
}

// Terminal reports whether no further processing happens in s.
func (s DraftState) Terminal() bool {
	return s == DraftSynced || s == DraftAbandoned
}

// Valid reports whether s is a known state.
func (s DraftState) Valid() bool {
	switch s {
	case DraftLocal, DraftQueued, DraftSubmitting, DraftSynced, DraftFailed, DraftAbandoned:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to DraftState) bool {
	for _, s := range draftEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with context when
// from -> to is not allowed.
func CheckTransition(from, to DraftState) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("draft %s -> %s: %w", from, to, ErrInvalidTransition)
}

// SubmissionOutcome is the device's reading of one submission response.
type SubmissionOutcome int

const (
	// OutcomeSynced is an explicit SYNCED response.
	OutcomeSynced SubmissionOutcome = iota
	// OutcomeRejected is an explicit FAILED response (permanent rejection).
	OutcomeRejected
	// OutcomeConflict is a key reused with another payload.
	OutcomeConflict
	// OutcomeRetry covers timeouts, dropped connections, 5xx and in-progress.
	OutcomeRetry
)

// NextAfterSubmit returns the state a SUBMITTING draft moves to for outcome.
// exhausted is true when the attempt budget is spent; only a retry outcome
// consults it.
func NextAfterSubmit(outcome SubmissionOutcome, exhausted bool) DraftState {
	switch outcome {
	case OutcomeSynced:
		return DraftSynced
	case OutcomeRejected, OutcomeConflict:
		return DraftFailed
	default:
		if exhausted {
			return DraftAbandoned
		}
		return DraftQueued
	}
}

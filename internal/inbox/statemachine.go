// Package inbox persists extraction results and drives the correction
// conversation that turns them into confirmed expense entries.
package inbox

import "github.com/medstack/receiptocr/internal/receipt"

type SessionState string

const (
	StateIdle                SessionState = "IDLE"
	StateAwaitConfirm        SessionState = "AWAIT_CONFIRM"
	StateAwaitFieldSelection SessionState = "AWAIT_FIELD_SELECTION"
	StateAwaitFieldCandidate SessionState = "AWAIT_FIELD_CANDIDATE"
	StateAwaitFreeText       SessionState = "AWAIT_FREE_TEXT"
	StateHold                SessionState = "HOLD"
	StateCompleted           SessionState = "COMPLETED"
)

// transitions is the closed adjacency table. Self-transitions are always
// allowed and not listed.
var transitions = map[SessionState][]SessionState{
	StateIdle:                {StateAwaitConfirm, StateCompleted, StateHold},
	StateAwaitConfirm:        {StateAwaitFieldSelection, StateCompleted, StateHold},
	StateAwaitFieldSelection: {StateAwaitFieldCandidate, StateAwaitConfirm, StateHold},
	StateAwaitFieldCandidate: {StateAwaitFreeText, StateAwaitConfirm, StateAwaitFieldSelection, StateHold},
	StateAwaitFreeText:       {StateAwaitConfirm, StateAwaitFieldSelection, StateHold},
	StateHold:                {StateAwaitConfirm, StateCompleted},
	StateCompleted:           {},
}

// CanTransition reports whether from -> to is a legal session transition.
func CanTransition(from, to SessionState) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InitialState maps a fresh decision onto the opening session state.
// Accepted and review results both open a confirmation step; rejections
// leave the session idle.
func InitialState(status receipt.DecisionStatus) SessionState {
	switch status {
	case receipt.StatusAutoAccept, receipt.StatusReviewRequired:
		return StateAwaitConfirm
	default:
		return StateIdle
	}
}

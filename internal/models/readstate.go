// internal/models/readstate.go
package models

import "fmt"

// ReadState is the per-message read lifecycle:
//
//	unread -> pending -> read (terminal)
//	pending -> unread            rollback on non-404 ack failure
//	unread|pending|read -> removed   404 from the remote store
//
// Nothing transitions read back to unread.
type ReadState string

const (
	ReadStateUnread  ReadState = "unread"
	ReadStatePending ReadState = "pending"
	ReadStateRead    ReadState = "read"
	ReadStateRemoved ReadState = "removed"
)

// CanTransition reports whether from -> to is a legal read-state transition.
func CanTransition(from, to ReadState) bool {
	if from == to {
		return false
	}
	switch to {
	case ReadStatePending:
		return from == ReadStateUnread
	case ReadStateRead:
		return from == ReadStatePending
	case ReadStateUnread:
		return from == ReadStatePending
	case ReadStateRemoved:
		return from == ReadStateUnread || from == ReadStatePending || from == ReadStateRead
	}
	return false
}

// Transition validates and returns the new state, erroring on illegal moves.
func Transition(from, to ReadState) (ReadState, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal read-state transition %s -> %s", from, to)
	}
	return to, nil
}

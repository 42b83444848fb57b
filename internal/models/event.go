package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

/*
COLLABORATION EVENTS

A collaboration event is a discrete change notification inside a shared
planning session: an element edit, a cursor move, or a join/leave.

Events are append-only. Timestamps are client-supplied milliseconds and are
the ordering key; the server assigns no sequence number.
*/

// EventType enumerates the collaboration event kinds.
type EventType string

const (
	EventElementAdded   EventType = "element_added"
	EventElementUpdated EventType = "element_updated"
	EventElementDeleted EventType = "element_deleted"
	EventCursorMoved    EventType = "cursor_moved"
	EventUserJoined     EventType = "user_joined"
	EventUserLeft       EventType = "user_left"
)

var validEventTypes = map[EventType]bool{
	EventElementAdded:   true,
	EventElementUpdated: true,
	EventElementDeleted: true,
	EventCursorMoved:    true,
	EventUserJoined:     true,
	EventUserLeft:       true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return validEventTypes[t] }

// CollaborationEvent is a single change notification within a session.
type CollaborationEvent struct {
	Type      EventType       `json:"type"`
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp int64           `json:"timestamp"` // client-supplied unix millis
	Payload   json.RawMessage `json:"data,omitempty"`
}

var (
	errUnknownEventType = errors.New("unknown event type")
	errMissingUserID    = errors.New("userId is required")
)

// Validate checks the fields every event must carry.
func (e CollaborationEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", errUnknownEventType, e.Type)
	}
	if e.UserID == "" {
		return errMissingUserID
	}
	return nil
}

// EventKey is the best-effort identity used when merging the in-memory and
// durable views of a session.
type EventKey struct {
	SessionID string
	UserID    string
	Timestamp int64
	Type      EventType
}

// Key returns the de-duplication key of e.
func (e CollaborationEvent) Key() EventKey {
	return EventKey{SessionID: e.SessionID, UserID: e.UserID, Timestamp: e.Timestamp, Type: e.Type}
}

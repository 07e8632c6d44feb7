// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type SessionID string
type EventID string
type ItemID string
type ConnectionID string
type RequestID string
type TurnID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewItemID() ItemID {
	return ItemID(uuid.New().String())
}

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New().String())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

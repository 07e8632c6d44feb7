// internal/gateway/turn.go
package gateway

import (
	"context"
	"time"

	"github.com/user/switchboard/internal/types"
)

// TurnStatus represents the lifecycle state of a Turn.
type TurnStatus string

const (
	TurnQueued   TurnStatus = "queued"
	TurnRunning  TurnStatus = "running"
	TurnComplete TurnStatus = "complete"
	TurnFailed   TurnStatus = "failed"
)

// Turn tracks a single posted message being executed against a session.
type Turn struct {
	ID        types.TurnID
	SessionID types.SessionID
	Prompt    []types.ContentPart
	// Resume requests one-time replay injection before the prompt is sent.
	Resume     bool
	Status     TurnStatus
	CreatedAt  time.Time
	Ctx        context.Context
	OnComplete func(err error)
}

// NewTurn creates a queued Turn for the given session and prompt parts.
func NewTurn(sessionID types.SessionID, prompt []types.ContentPart) *Turn {
	return &Turn{
		ID:        types.NewTurnID(),
		SessionID: sessionID,
		Prompt:    prompt,
		Status:    TurnQueued,
		CreatedAt: time.Now(),
	}
}

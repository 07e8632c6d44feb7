// internal/agent/mock/mock.go

// Package mock is the in-process reference backend. It streams a
// deterministic echo of the prompt in multiple deltas and can be configured
// to surface a permission request first, which makes it the fixture for
// end-to-end protocol tests.
package mock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/user/switchboard/internal/agent"
	"github.com/user/switchboard/internal/normalize"
	"github.com/user/switchboard/internal/types"
)

// Name is the registry name of the mock backend.
const Name = "mock"

// Config is the mock's session init payload.
type Config struct {
	// RequestPermission makes every turn open with a permission request
	// for the given action before the echo reply.
	RequestPermission string `json:"request_permission,omitempty"`
	// DeltaSize is the chunk size of streamed deltas. Defaults to 16.
	DeltaSize int `json:"delta_size,omitempty"`
}

// Adapter implements agent.Adapter.
type Adapter struct {
	cfg       Config
	sessionID string
}

// Register installs the mock factory in the registry.
func Register(r *agent.Registry) {
	r.Register(Name, New)
}

// New builds a mock adapter from the session init payload.
func New(init []byte) (agent.Adapter, error) {
	var cfg Config
	if len(init) > 0 {
		if err := json.Unmarshal(init, &cfg); err != nil {
			return nil, fmt.Errorf("mock init: %w", err)
		}
	}
	if cfg.DeltaSize <= 0 {
		cfg.DeltaSize = 16
	}
	return &Adapter{cfg: cfg, sessionID: "mock-" + uuid.NewString()}, nil
}

func (a *Adapter) Name() string { return Name }

// Capabilities: the mock streams deltas and emits standalone tool items but
// has no lifecycle messages and never echoes user input.
func (a *Adapter) Capabilities() normalize.Capabilities {
	return normalize.Capabilities{
		Deltas:          true,
		UserEcho:        false,
		Lifecycle:       false,
		NativeToolItems: true,
	}
}

// Run echoes the prompt as a streamed assistant message. The first turn of
// a permission-configured session asks for the permission before replying.
func (a *Adapter) Run(ctx context.Context, prompt []types.ContentPart, replay string, emit agent.Emit) error {
	if a.cfg.RequestPermission != "" {
		req := &normalize.Native{
			Kind:      normalize.KindPermissionRequested,
			SessionID: a.sessionID,
			Request: &normalize.NativeRequest{
				ID:     "perm-" + uuid.NewString(),
				Action: a.cfg.RequestPermission,
			},
		}
		if err := emit(req); err != nil {
			return err
		}
		a.cfg.RequestPermission = ""
	}

	var text string
	for _, part := range prompt {
		if part.Type == types.PartText {
			text += part.Text
		}
	}
	reply := "echo: " + text
	if replay != "" {
		reply = "echo (resumed): " + text
	}

	itemID := "item-" + uuid.NewString()
	if err := emit(&normalize.Native{
		Kind:      normalize.KindItemStarted,
		SessionID: a.sessionID,
		Item: &normalize.NativeItem{
			ID:   itemID,
			Kind: types.ItemMessage,
			Role: types.RoleAssistant,
		},
	}); err != nil {
		return err
	}

	for start := 0; start < len(reply); start += a.cfg.DeltaSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + a.cfg.DeltaSize
		if end > len(reply) {
			end = len(reply)
		}
		if err := emit(&normalize.Native{
			Kind:      normalize.KindItemDelta,
			SessionID: a.sessionID,
			ItemID:    itemID,
			Delta:     reply[start:end],
		}); err != nil {
			return err
		}
	}

	return emit(&normalize.Native{
		Kind:      normalize.KindItemCompleted,
		SessionID: a.sessionID,
		Item: &normalize.NativeItem{
			ID:   itemID,
			Kind: types.ItemMessage,
			Role: types.RoleAssistant,
			Text: reply,
		},
	})
}

func (a *Adapter) Close() error { return nil }

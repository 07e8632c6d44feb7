// internal/janitor/janitor.go

// Package janitor runs periodic maintenance sweeps: sessions whose backend
// process died are ended with the error reason, and idle connection
// bindings are released so stale clients read as superseded.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/switchboard/internal/runtime"
	"github.com/user/switchboard/internal/session"
	"github.com/user/switchboard/internal/types"
)

// DefaultSchedule sweeps once a minute.
const DefaultSchedule = "* * * * *"

// DefaultIdleTTL is how long a connection may stay quiet before its
// binding expires. The session itself stays resumable.
const DefaultIdleTTL = 30 * time.Minute

// Janitor owns the cron ticker driving the sweeps.
type Janitor struct {
	manager  *session.Manager
	runtime  *runtime.Runtime
	schedule string
	idleTTL  time.Duration
	cron     *cron.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithSchedule overrides the sweep cron expression.
func WithSchedule(expr string) Option {
	return func(j *Janitor) { j.schedule = expr }
}

// WithIdleTTL overrides the connection idle deadline.
func WithIdleTTL(d time.Duration) Option {
	return func(j *Janitor) { j.idleTTL = d }
}

// New creates a Janitor over the session manager and runtime.
func New(manager *session.Manager, rt *runtime.Runtime, opts ...Option) *Janitor {
	j := &Janitor{
		manager:  manager,
		runtime:  rt,
		schedule: DefaultSchedule,
		idleTTL:  DefaultIdleTTL,
		cron:     cron.New(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start registers the sweep and starts the cron ticker.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	slog.Info("janitor started", "schedule", j.schedule, "idle_ttl", j.idleTTL.String())
	return nil
}

// Stop stops the cron ticker.
func (j *Janitor) Stop() {
	j.cron.Stop()
}

// Sweep runs one maintenance pass. Exported so tests and the CLI can run
// it on demand.
func (j *Janitor) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if expired := j.manager.SweepIdle(j.idleTTL); expired > 0 {
		slog.Info("janitor expired idle connections", "count", expired)
	}

	cursor := ""
	for {
		page, err := j.manager.Driver().ListSessions(ctx, cursor, types.DefaultPageSize)
		if err != nil {
			slog.Warn("janitor session list failed", "error", err)
			return
		}
		for _, sess := range page.Items {
			if sess.Ended() {
				continue
			}
			// An active session whose backend went away without reporting
			// an end is dead; record that rather than leaving it limping.
			if sess.LastConnectionID != "" && !j.runtime.Alive(sess.ID) && j.hasEvents(ctx, sess.ID) {
				slog.Info("janitor ending session with dead backend", "session_id", string(sess.ID))
				if err := j.manager.End(ctx, sess.ID, types.EndError, types.SourceDaemon, "backend process lost"); err != nil {
					slog.Warn("janitor end failed", "session_id", string(sess.ID), "error", err)
				}
			}
		}
		if page.NextCursor == "" {
			return
		}
		cursor = page.NextCursor
	}
}

// hasEvents reports whether the session ever ran a turn. Freshly created
// sessions without backends yet are left alone.
func (j *Janitor) hasEvents(ctx context.Context, id types.SessionID) bool {
	page, err := j.manager.Driver().ListEvents(ctx, id, "", 1)
	if err != nil {
		return false
	}
	return len(page.Items) > 0
}

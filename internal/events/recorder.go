package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/events/bus"
	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/store"
)

// Recorder persists session and sandbox lifecycle events to the
// session_events table so a session's history survives restarts,
// evictions, and runner failures.
type Recorder struct {
	store *store.Store
	log   *logger.Logger
	subs  []bus.Subscription
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(st *store.Store, log *logger.Logger) *Recorder {
	return &Recorder{store: st, log: log}
}

// Start subscribes the recorder to session and sandbox subjects.
func (r *Recorder) Start(b bus.EventBus) error {
	for _, subject := range []string{"session.>", "sandbox.>"} {
		sub, err := b.Subscribe(subject, r.handle)
		if err != nil {
			r.Stop()
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

// Stop removes the recorder's subscriptions.
func (r *Recorder) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

// handle writes one event row. Events without a session_id (for example
// sandbox events for a sandbox that has never hosted a session) are skipped.
// Recording is best-effort: a failed insert is logged, never propagated back
// into the publisher path.
func (r *Recorder) handle(ctx context.Context, event *bus.Event) error {
	sessionID, _ := event.Data["session_id"].(string)
	if sessionID == "" {
		return nil
	}
	tenant, _ := event.Data["tenant"].(string)

	row := &models.SessionEvent{
		Tenant:    tenant,
		SessionID: sessionID,
		Type:      event.Type,
	}
	if payload, err := json.Marshal(event.Data); err == nil {
		row.Data = payload
	}

	if err := r.store.AppendSessionEvent(ctx, row); err != nil {
		r.log.Warn("failed to record session event",
			zap.String("session_id", sessionID),
			zap.String("type", event.Type),
			zap.Error(err))
	}
	return nil
}

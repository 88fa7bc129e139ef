package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/clients/geocoder"
	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/core/ranking"
	"github.com/jakechorley/blood-match/pkg/db"
	"github.com/jakechorley/blood-match/pkg/events"
	"github.com/jakechorley/blood-match/pkg/utils/clock"
	"github.com/jakechorley/blood-match/pkg/utils/keylock"
)

// Deps are the collaborators shared by the services. The composing
// application owns their lifecycle.
type Deps struct {
	Store db.Store

	// Locks serialises mutations per aggregate. Services that share a store
	// must share the Locker too.
	Locks *keylock.Locker

	Clock     clock.Clock
	Publisher events.Publisher
	Geocoder  geocoder.Geocoder
	Ranking   ranking.Options
	Retry     RetryPolicy
	Logger    *zap.Logger
}

// withDefaults fills every unset optional collaborator
func (d Deps) withDefaults() Deps {
	if d.Locks == nil {
		d.Locks = keylock.New()
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Publisher == nil {
		d.Publisher = events.Discard{}
	}
	if d.Geocoder == nil {
		d.Geocoder = geocoder.Static{}
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = DefaultRetryPolicy
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// inTx runs fn in a store transaction, retrying transient contention
func (d Deps) inTx(ctx context.Context, op string, fn func(tx db.Tx) error) error {
	return withRetry(ctx, d.Retry, d.Logger, op, func() error {
		return d.Store.InTx(ctx, fn)
	})
}

// publish hands committed events to the publisher. A failure is logged and
// never reported to the caller. Callers release their aggregate locks first.
func (d Deps) publish(ctx context.Context, evts ...model.Event) {
	if len(evts) == 0 {
		return
	}
	if err := d.Publisher.Publish(ctx, evts...); err != nil {
		d.Logger.Warn("Failed to publish events", zap.Int("count", len(evts)), zap.Error(err))
	}
}

func (d Deps) newEvent(eventType model.EventType, recipients ...string) model.Event {
	return model.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Recipients: compact(recipients),
		OccurredAt: d.Clock.Now(),
	}
}

func requestKey(id string) string {
	if id == "" {
		return ""
	}
	return "request:" + id
}

func slotKey(id string) string {
	if id == "" {
		return ""
	}
	return "slot:" + id
}

// compact drops empty and repeated ids, keeping order
func compact(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/phcsync/internal/domain"
	"github.com/dkeye/phcsync/internal/reconcile"
	"github.com/rs/zerolog/log"
)

var ErrUnrecognizedEvent = errors.New("unrecognized event")

// Translate maps one relay frame to the store action it stands for.
func Translate(env domain.Envelope) (reconcile.Action, error) {
	m, err := domain.DecodeEvent(env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Type, err)
	}
	switch m := m.(type) {
	case domain.PatientUpdate:
		return fromRecord(m.MutationRecord), nil
	case domain.StaffUpdate:
		return fromRecord(m.MutationRecord), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedEvent, m.EventType())
	}
}

func fromRecord(rec domain.MutationRecord) reconcile.Action {
	if len(rec.Ignored) > 0 {
		log.Warn().Str("module", "client.bridge").Str("patient", string(rec.PatientID)).
			Strs("fields", rec.Ignored).Msg("ignoring invalid fields")
	}
	if rec.Deleted {
		return reconcile.Removed{ID: rec.PatientID}
	}
	return reconcile.MergeRemote{ID: rec.PatientID, Patch: rec.Patch}
}

// Bridge feeds relay frames into a store, one at a time and in order.
type Bridge struct {
	store *reconcile.Store
}

func NewBridge(store *reconcile.Store) *Bridge {
	return &Bridge{store: store}
}

// Handle applies one frame and reports whether the state changed. Bad
// frames are logged and dropped.
func (b *Bridge) Handle(env domain.Envelope) bool {
	action, err := Translate(env)
	if err != nil {
		ev := log.Warn()
		if errors.Is(err, ErrUnrecognizedEvent) {
			ev = log.Debug()
		}
		ev.Err(err).Str("module", "client.bridge").Str("event", env.Type).Msg("frame dropped")
		return false
	}
	return b.store.Dispatch(action)
}

// Run consumes events until ctx is done or events is closed.
func (b *Bridge) Run(ctx context.Context, events <-chan domain.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			b.Handle(env)
		}
	}
}

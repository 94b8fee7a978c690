package events

import (
	"context"

	"github.com/rs/zerolog"
)

// Fanout publishes each event to every target in order. A failing target is
// logged and skipped; Publish itself never fails, since the state change that
// produced the event has already been committed.
type Fanout struct {
	targets []Publisher
	logger  zerolog.Logger
}

func NewFanout(logger zerolog.Logger, targets ...Publisher) *Fanout {
	out := make([]Publisher, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	return &Fanout{targets: out, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	for _, t := range f.targets {
		if err := t.Publish(ctx, ev); err != nil {
			f.logger.Error().Err(err).
				Str("event_type", string(ev.Type)).
				Str("appointment_id", ev.AppointmentID.String()).
				Msg("publish event failed")
		}
	}
	return nil
}

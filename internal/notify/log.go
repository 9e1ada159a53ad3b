package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes events to the structured log. It is the fallback when no
// broker is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	attrs := []slog.Attr{
		slog.String("event_id", ev.ID),
		slog.String("event_type", string(ev.Type)),
	}
	if ev.OccurrenceID != "" {
		attrs = append(attrs, slog.String("occurrence_id", ev.OccurrenceID))
	}
	if ev.ReservationID != "" {
		attrs = append(attrs, slog.String("reservation_id", ev.ReservationID))
	}
	if ev.ParticipantID != "" {
		attrs = append(attrs, slog.String("participant_id", ev.ParticipantID))
	}
	if len(ev.ParticipantIDs) > 0 {
		attrs = append(attrs, slog.Int("participants", len(ev.ParticipantIDs)))
	}
	if ev.Status != "" {
		attrs = append(attrs, slog.String("status", ev.Status))
	}
	n.log.LogAttrs(ctx, slog.LevelInfo, "booking event", attrs...)
	return nil
}

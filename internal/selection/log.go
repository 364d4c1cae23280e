package selection

import (
	"context"
	"log/slog"
)

// LogSelection logs a seat's selection change at INFO (seat, owner, MIME
// types) and each advertised type at DEBUG.
func LogSelection(event, seatName string, sel Selection, mimes []string) {
	ref, owned := sel.Source()
	if !owned {
		slog.Info(event, "seat", seatName, "selection", "empty")
		return
	}
	slog.Info(event, "seat", seatName, "client", ref.Client, "source", ref.ID, "types", mimes)

	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for i, m := range mimes {
		slog.Debug("selection type", "seat", seatName, "index", i, "mime", m)
	}
}

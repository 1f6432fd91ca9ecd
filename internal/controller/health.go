package controller

import (
	"log/slog"

	"github.com/meetkit/siege/internal/state"
)

// HealthSummary tallies connections by state category.
type HealthSummary struct {
	New          int
	Connected    int
	Disconnected int
	Failed       int
	Total        int
}

func (h *HealthSummary) add(s state.Extended) {
	h.Total++
	switch s {
	case state.New, state.Checking:
		h.New++
	case state.Connected, state.Completed:
		h.Connected++
	case state.Disconnected, state.DisconnectedLong:
		h.Disconnected++
	case state.Failed, state.FailedNoRestart, state.Closed:
		h.Failed++
	}
}

// LogAttrs returns the summary as structured logging attributes.
func (h HealthSummary) LogAttrs() []any {
	return []any{
		"total", h.Total,
		"new", h.New,
		"connected", h.Connected,
		"disconnected", h.Disconnected,
		"failed", h.Failed,
	}
}

// stateObservable is the slice of a connection the health watcher needs.
type stateObservable interface {
	OnExtendedStateChange(fn func(state.Extended)) (off func())
}

// watchConnection logs noteworthy state transitions of one connection and
// returns the unsubscribe function.
func watchConnection(logger *slog.Logger, kind, id string, conn stateObservable) (off func()) {
	return conn.OnExtendedStateChange(func(s state.Extended) {
		l := logger.With("kind", kind, "id", id, "state", string(s))
		switch s {
		case state.Connected, state.Completed:
			l.Info("connection established")
		case state.DisconnectedLong:
			l.Warn("connection disconnected for too long")
		case state.Failed:
			l.Warn("connection failed")
		case state.FailedNoRestart:
			l.Error("connection failed permanently")
		default:
			l.Debug("connection state changed")
		}
	})
}

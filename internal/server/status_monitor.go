package server

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/events"
	"github.com/aristath/deployer/internal/target"
)

// StatusMonitor periodically summarizes the targets and emits SYSTEM_STATUS_CHANGED
// when the summary differs from the previous one
type StatusMonitor struct {
	bus     *events.Bus
	targets *target.Service
	log     zerolog.Logger

	last *events.SystemStatusData
}

// NewStatusMonitor creates a new status monitor
func NewStatusMonitor(bus *events.Bus, targets *target.Service, log zerolog.Logger) *StatusMonitor {
	return &StatusMonitor{
		bus:     bus,
		targets: targets,
		log:     log.With().Str("component", "status_monitor").Logger(),
	}
}

// Start runs the monitoring loop until ctx is done
func (m *StatusMonitor) Start(ctx context.Context, interval time.Duration) {
	go m.monitor(ctx, interval)
}

func (m *StatusMonitor) monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check emits an event when the target summary changed; reports whether it did
func (m *StatusMonitor) check() bool {
	if m.bus == nil || m.targets == nil {
		return false
	}

	current := &events.SystemStatusData{ByStatus: make(map[string]int)}
	for _, t := range m.targets.List() {
		rec := t.Record()
		current.Targets++
		current.ByStatus[string(rec.Status)]++
		current.Pending += rec.Pending
		if rec.Busy {
			current.Busy++
		}
	}

	if m.last != nil && reflect.DeepEqual(m.last, current) {
		return false
	}
	m.last = current

	m.log.Debug().Int("targets", current.Targets).Int("busy", current.Busy).Msg("System status changed")
	m.bus.Emit("status_monitor", current)
	return true
}

package expiry

import (
	"context"
	"time"

	"github.com/adityaadpandey/echo-chamber/internals/metrics"
	"github.com/adityaadpandey/echo-chamber/internals/room"
	"go.uber.org/zap"
)

// Manager periodically drops expired sound waves from every room and
// collects rooms left without members.
type Manager struct {
	store    *room.Store
	interval time.Duration
	logger   *zap.Logger
}

func NewManager(store *room.Store, interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = time.Second
	}
	return &Manager{
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Sweep runs one pass and reports how many waves and rooms it removed.
func (m *Manager) Sweep() (waves, rooms int) {
	start := time.Now()

	waves = m.store.SweepExpiredWaves(m.store.Now())
	rooms = m.store.CollectEmpty()

	metrics.SweepDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	metrics.WavesExpiredTotal.Add(float64(waves))
	active, _ := m.store.Stats()
	metrics.ActiveRooms.Set(float64(active))

	if waves > 0 || rooms > 0 {
		m.logger.Debug("Expiry sweep",
			zap.Int("waves", waves),
			zap.Int("rooms", rooms),
		)
	}
	return waves, rooms
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Expiry manager started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Expiry manager stopped")
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

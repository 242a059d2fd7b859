package usage

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// maxRolloverWait bounds each wait so timezone changes are picked up.
const maxRolloverWait = 15 * time.Minute

// RolloverScheduler re-evaluates the store's date key at local midnight so
// totals reset even when no events arrive.
type RolloverScheduler struct {
	store    *Store
	clock    clockwork.Clock
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewRolloverScheduler creates a rollover scheduler
func NewRolloverScheduler(store *Store, clock clockwork.Clock, logger zerolog.Logger) *RolloverScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RolloverScheduler{
		store:    store,
		clock:    clock,
		logger:   logger.With().Str("component", "rollover-scheduler").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the scheduler
func (rs *RolloverScheduler) Start() {
	go rs.run()
	rs.logger.Debug().Msg("Rollover scheduler started")
}

// Stop stops the scheduler and waits for it to exit
func (rs *RolloverScheduler) Stop() {
	rs.once.Do(func() {
		close(rs.stopChan)
		<-rs.done
	})
}

func (rs *RolloverScheduler) run() {
	defer close(rs.done)

	for {
		wait := rs.calculateWait()

		select {
		case <-rs.clock.After(wait):
			if rs.store.CheckDate(rs.clock.Now().UnixMilli()) {
				rs.logger.Info().Str("date", rs.store.DateKey()).Msg("Daily usage totals reset")
			}
		case <-rs.stopChan:
			return
		}
	}
}

func (rs *RolloverScheduler) calculateWait() time.Duration {
	now := rs.clock.Now()
	wait := rs.store.NextMidnight(now).Sub(now)
	if wait > maxRolloverWait {
		wait = maxRolloverWait
	}
	if wait <= 0 {
		wait = time.Second
	}
	return wait
}

package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// DefaultPollInterval is how often the event source is polled
const DefaultPollInterval = 30 * time.Second

// PollerConfig holds poller configuration
type PollerConfig struct {
	Interval time.Duration
	Clock    clockwork.Clock
}

// Poller reads new events from an EventSource on a fixed interval and feeds
// them to a Builder. Overlapping polls are skipped, not queued.
type Poller struct {
	source   EventSource
	builder  *Builder
	store    *Store
	interval time.Duration
	clock    clockwork.Clock
	guard    *semaphore.Weighted
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewPoller creates a poller
func NewPoller(source EventSource, builder *Builder, store *Store, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Poller{
		source:   source,
		builder:  builder,
		store:    store,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		guard:    semaphore.NewWeighted(1),
		logger:   logger.With().Str("component", "usage-poller").Logger(),
	}
}

// Start seeds the active app, polls once and then polls on every tick until
// Stop is called or ctx is done.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.run(ctx)

	p.logger.Info().
		Dur("interval", p.interval).
		Msg("Usage poller started")
}

// Stop stops the poll loop and waits for it to exit
func (p *Poller) Stop() {
	p.once.Do(func() {
		if p.cancel == nil {
			return
		}
		p.cancel()
		<-p.done
		p.logger.Info().Msg("Usage poller stopped")
	})
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	p.RefreshForeground(ctx)
	p.Poll(ctx)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			p.Poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Poll fetches events newer than the watermark and processes them. It
// returns false when another poll was already running.
func (p *Poller) Poll(ctx context.Context) bool {
	if !p.guard.TryAcquire(1) {
		metrics.UsagePolls.WithLabelValues("skipped").Inc()
		p.logger.Debug().Msg("Poll already in progress, skipping")
		return false
	}
	defer p.guard.Release(1)

	if err := p.poll(ctx); err != nil {
		if errors.Is(err, ErrNoPermission) {
			metrics.UsagePolls.WithLabelValues("no_permission").Inc()
			p.logger.Warn().Msg("Usage access not granted, no events this cycle")
		} else {
			metrics.UsagePolls.WithLabelValues("error").Inc()
			p.logger.Error().Err(err).Msg("Failed to poll usage events")
		}
		return true
	}

	metrics.UsagePolls.WithLabelValues("ok").Inc()
	return true
}

func (p *Poller) poll(ctx context.Context) error {
	ok, err := p.source.HasPermission(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPermission
	}

	events, err := p.source.Events(ctx, p.builder.Watermark()+1)
	if err != nil {
		return err
	}

	if n := p.builder.ProcessEvents(ctx, events); n > 0 {
		p.logger.Debug().Int("events", n).Int64("watermark", p.builder.Watermark()).Msg("Processed usage events")
	}
	return nil
}

// RefreshForeground asks the source which app is visible and makes it the
// active app.
func (p *Poller) RefreshForeground(ctx context.Context) {
	app, err := p.source.CurrentForegroundApp(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to read current foreground app")
		return
	}
	if app == nil || app.PackageName == "" {
		return
	}

	name := app.AppName
	if name == "" {
		name = app.PackageName
	}
	p.store.SetActiveApp(&ActiveApp{
		PackageName: app.PackageName,
		AppName:     name,
		Since:       app.Since,
		Timestamp:   p.clock.Now().UnixMilli(),
	})
}

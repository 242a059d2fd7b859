package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/metrics"
)

const (
	// DefaultMinSessionDuration is the minimum duration to count a session
	DefaultMinSessionDuration = time.Second

	// DefaultLookback is how far before start the first poll window reaches
	DefaultLookback = 5 * time.Minute

	sinkTimeout = 10 * time.Second
)

// BuilderConfig holds session builder configuration
type BuilderConfig struct {
	MinSessionDuration time.Duration
	// InitialWatermark is the timestamp (ms) the first poll reads from.
	InitialWatermark int64
}

// Builder turns foreground/background events into sessions on a Store.
type Builder struct {
	store    *Store
	sink     Sink
	identity Identity

	minSessionDuration time.Duration
	watermark          int64

	mu      sync.Mutex
	pending sync.WaitGroup
	logger  zerolog.Logger
}

// NewBuilder creates a session builder. sink may be nil.
func NewBuilder(store *Store, sink Sink, identity Identity, cfg BuilderConfig, logger zerolog.Logger) *Builder {
	if cfg.MinSessionDuration == 0 {
		cfg.MinSessionDuration = DefaultMinSessionDuration
	}

	return &Builder{
		store:              store,
		sink:               sink,
		identity:           identity,
		minSessionDuration: cfg.MinSessionDuration,
		watermark:          cfg.InitialWatermark,
		logger:             logger.With().Str("component", "session-builder").Logger(),
	}
}

// Watermark returns the timestamp of the newest processed event
func (b *Builder) Watermark() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watermark
}

// ProcessEvents applies events in timestamp order and returns how many were
// consumed. Events at or before the watermark and malformed events are
// skipped.
func (b *Builder) ProcessEvents(ctx context.Context, events []Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.PackageName == "" || ev.TimestampMs <= 0 {
			continue
		}
		if ev.Type != EventForeground && ev.Type != EventBackground {
			continue
		}
		if ev.TimestampMs <= b.watermark {
			continue
		}
		ordered = append(ordered, ev)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TimestampMs < ordered[j].TimestampMs
	})

	for _, ev := range ordered {
		switch ev.Type {
		case EventForeground:
			b.foreground(ctx, ev)
		case EventBackground:
			b.background(ctx, ev)
		}
		if ev.TimestampMs > b.watermark {
			b.watermark = ev.TimestampMs
		}
	}

	metrics.UsageEventsConsumed.Add(float64(len(ordered)))
	return len(ordered)
}

func (b *Builder) foreground(ctx context.Context, ev Event) {
	app := b.store.Foreground(ev.PackageName, ev.AppName, ev.TimestampMs)

	b.logger.Debug().
		Str("package", ev.PackageName).
		Int64("since", ev.TimestampMs).
		Msg("App moved to foreground")

	b.reportCurrentApp(ctx, &app)
}

func (b *Builder) background(ctx context.Context, ev Event) {
	session, cleared := b.store.Background(ev.PackageName, ev.AppName, ev.TimestampMs, b.watermark, b.minSessionDuration)

	if cleared {
		b.reportCurrentApp(ctx, nil)
	}
	if session == nil {
		return
	}

	metrics.SessionsCompleted.WithLabelValues(session.PackageName).Inc()
	metrics.UsageSeconds.WithLabelValues(session.PackageName).Add(float64(session.DurationMs) / 1000)

	b.logger.Debug().
		Str("package", session.PackageName).
		Int64("duration_ms", session.DurationMs).
		Str("date", session.DateKey).
		Msg("Session completed")

	b.persist(ctx, *session)
}

// Wait blocks until every in-flight sink call has returned.
func (b *Builder) Wait() {
	b.pending.Wait()
}

func (b *Builder) reportCurrentApp(ctx context.Context, app *ActiveApp) {
	if b.sink == nil || b.identity.DeviceID == "" {
		return
	}

	b.async(ctx, func(ctx context.Context) {
		if err := b.sink.ReportCurrentApp(ctx, b.identity, app); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to report current app")
		}
	})
}

func (b *Builder) persist(ctx context.Context, session Session) {
	if b.sink == nil || b.identity.ChildID == "" {
		return
	}

	b.async(ctx, func(ctx context.Context) {
		if err := b.sink.RecordSession(ctx, b.identity, session); err != nil {
			metrics.SessionPersistErrors.Inc()
			b.logger.Error().
				Err(err).
				Str("package", session.PackageName).
				Msg("Failed to persist usage session")
		}
	})
}

func (b *Builder) async(ctx context.Context, fn func(ctx context.Context)) {
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		defer cancel()
		fn(ctx)
	}()
}

package usage

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/observable"
)

const (
	// DefaultRecentSessions is the size of the recent-session ring
	DefaultRecentSessions = 50

	dateKeyLayout = "2006-01-02"
)

type openSession struct {
	appName   string
	startTime int64
}

type total struct {
	appName    string
	durationMs int64
	sessions   int
	lastUsed   int64
}

// StoreConfig holds local usage store configuration
type StoreConfig struct {
	Timezone       string
	RecentSessions int
	Clock          clockwork.Clock
}

// Store holds today's per-app totals, the active app, the open sessions and
// a bounded ring of recent sessions. Every mutation broadcasts one Snapshot.
type Store struct {
	mu        sync.Mutex
	publishMu sync.Mutex

	location       *time.Location
	timezone       string
	dateKey        string
	totals         map[string]*total
	open           map[string]openSession
	recent         []Session
	activeApp      *ActiveApp
	recentCapacity int

	subject *observable.Subject[Snapshot]
	clock   clockwork.Clock
	logger  zerolog.Logger
}

// NewStore creates an empty local usage store
func NewStore(cfg StoreConfig, logger zerolog.Logger) *Store {
	if cfg.RecentSessions <= 0 {
		cfg.RecentSessions = DefaultRecentSessions
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &Store{
		location:       time.Local,
		totals:         make(map[string]*total),
		open:           make(map[string]openSession),
		recentCapacity: cfg.RecentSessions,
		clock:          cfg.Clock,
		logger:         logger.With().Str("component", "usage-store").Logger(),
	}

	if loc, ok := s.loadLocation(cfg.Timezone); ok {
		s.location = loc
		s.timezone = cfg.Timezone
	}
	s.dateKey = s.dateKeyFor(s.clock.Now().UnixMilli())
	s.subject = observable.NewBehaviorSubject(s.snapshotLocked())

	return s
}

// Subscribe calls observer with the current snapshot and then after every
// mutation. Observers run on the mutating goroutine and must not block.
func (s *Store) Subscribe(observer observable.Observer[Snapshot]) observable.Unsubscribe {
	return s.subject.Subscribe(observer)
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// DateKey returns the current local date key
func (s *Store) DateKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dateKey
}

// Location returns the timezone used for date keys and hour buckets
func (s *Store) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// SetTimezone switches the local-time zone and re-evaluates the date key.
// Open session start times are kept.
func (s *Store) SetTimezone(tz string) {
	s.mu.Lock()
	if tz == "" || tz == s.timezone {
		s.mu.Unlock()
		return
	}

	loc, ok := s.loadLocation(tz)
	if !ok {
		s.mu.Unlock()
		return
	}

	s.location = loc
	s.timezone = tz
	s.logger.Info().Str("timezone", tz).Msg("Usage timezone updated")

	now := s.clock.Now().UnixMilli()
	if key := s.dateKeyFor(now); key != s.dateKey {
		s.rolloverLocked(key, now, false)
		s.commitLocked()
		return
	}
	s.mu.Unlock()
}

// CheckDate rolls the day over if ts falls on a different local date.
// It reports whether a rollover happened.
func (s *Store) CheckDate(ts int64) bool {
	s.mu.Lock()
	key := s.dateKeyFor(ts)
	if key <= s.dateKey {
		s.mu.Unlock()
		return false
	}
	s.rolloverLocked(key, ts, true)
	s.commitLocked()
	return true
}

// Foreground records pkg as opened at ts and makes it the active app.
func (s *Store) Foreground(pkg, appName string, ts int64) ActiveApp {
	s.mu.Lock()
	if key := s.dateKeyFor(ts); key > s.dateKey {
		s.rolloverLocked(key, ts, true)
	}

	if appName == "" {
		appName = pkg
	}
	s.open[pkg] = openSession{appName: appName, startTime: ts}
	app := ActiveApp{
		PackageName: pkg,
		AppName:     appName,
		Since:       ts,
		Timestamp:   s.clock.Now().UnixMilli(),
	}
	s.activeApp = &app

	s.commitLocked()
	return app
}

// Background closes the open session for pkg at ts. When no session is open
// fallbackStart is used as its start. The completed session is returned if
// it lasted at least minDuration; cleared reports whether pkg was the
// active app.
func (s *Store) Background(pkg, appName string, ts, fallbackStart int64, minDuration time.Duration) (session *Session, cleared bool) {
	s.mu.Lock()

	start := fallbackStart
	if o, ok := s.open[pkg]; ok {
		start = o.startTime
		if o.appName != "" {
			appName = o.appName
		}
		delete(s.open, pkg)
	}
	if appName == "" {
		appName = pkg
	}

	if s.activeApp != nil && s.activeApp.PackageName == pkg {
		s.activeApp = nil
		cleared = true
	}

	rolled := false
	if key := s.dateKeyFor(ts); key > s.dateKey {
		s.rolloverLocked(key, ts, true)
		rolled = true
	}
	if dayStart := s.startOfDay(ts); start < dayStart {
		start = dayStart
	}

	if start < ts && ts-start >= minDuration.Milliseconds() {
		completed := s.newSessionLocked(pkg, appName, start, ts)
		s.addSessionLocked(completed)
		session = &completed
	}

	if session == nil && !cleared && !rolled {
		s.mu.Unlock()
		return nil, false
	}

	s.commitLocked()
	return session, cleared
}

// SetActiveApp replaces the active app without touching open sessions.
func (s *Store) SetActiveApp(app *ActiveApp) {
	s.mu.Lock()
	if app != nil {
		copied := *app
		app = &copied
	}
	s.activeApp = app
	s.commitLocked()
}

// Reset clears all state back to an empty day and notifies subscribers.
func (s *Store) Reset() {
	s.mu.Lock()
	s.totals = make(map[string]*total)
	s.open = make(map[string]openSession)
	s.recent = nil
	s.activeApp = nil
	s.dateKey = s.dateKeyFor(s.clock.Now().UnixMilli())
	s.commitLocked()
}

// NextMidnight returns the next local midnight after t.
func (s *Store) NextMidnight(t time.Time) time.Time {
	loc := s.Location()
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// DateKeyFor formats ts as a local YYYY-MM-DD key.
func (s *Store) DateKeyFor(ts int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dateKeyFor(ts)
}

func (s *Store) loadLocation(tz string) (*time.Location, bool) {
	if tz == "" {
		return nil, false
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.logger.Warn().Err(err).Str("timezone", tz).Msg("Ignoring unknown timezone")
		return nil, false
	}
	return loc, true
}

func (s *Store) dateKeyFor(ts int64) string {
	return time.UnixMilli(ts).In(s.location).Format(dateKeyLayout)
}

func (s *Store) hourBucketFor(ts int64) string {
	return time.UnixMilli(ts).In(s.location).Format("15") + ":00"
}

func (s *Store) startOfDay(ts int64) int64 {
	local := time.UnixMilli(ts).In(s.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location).UnixMilli()
}

// rolloverLocked clears completed-usage state for a new day. When
// resetOpen is set, open sessions restart at the beginning of the new day.
func (s *Store) rolloverLocked(key string, ts int64, resetOpen bool) {
	s.logger.Info().
		Str("from", s.dateKey).
		Str("to", key).
		Msg("Local usage day rolled over")

	s.dateKey = key
	s.totals = make(map[string]*total)
	s.recent = nil

	if !resetOpen {
		return
	}
	dayStart := s.startOfDay(ts)
	for pkg, o := range s.open {
		if o.startTime < dayStart {
			o.startTime = dayStart
			s.open[pkg] = o
		}
	}
}

func (s *Store) newSessionLocked(pkg, appName string, start, end int64) Session {
	return Session{
		PackageName: pkg,
		AppName:     appName,
		StartTimeMs: start,
		EndTimeMs:   end,
		DurationMs:  end - start,
		DateKey:     s.dateKeyFor(start),
		HourBucket:  s.hourBucketFor(start),
	}
}

func (s *Store) addSessionLocked(session Session) {
	t, ok := s.totals[session.PackageName]
	if !ok {
		t = &total{}
		s.totals[session.PackageName] = t
	}
	t.appName = session.AppName
	t.durationMs += session.DurationMs
	t.sessions++
	if session.EndTimeMs > t.lastUsed {
		t.lastUsed = session.EndTimeMs
	}

	s.recent = append(s.recent, session)
	if len(s.recent) > s.recentCapacity {
		s.recent = s.recent[len(s.recent)-s.recentCapacity:]
	}
}

// commitLocked builds a snapshot, releases s.mu and publishes it. Publishing
// is serialised so subscribers observe snapshots in mutation order.
func (s *Store) commitLocked() {
	snap := s.snapshotLocked()
	s.publishMu.Lock()
	s.mu.Unlock()
	defer s.publishMu.Unlock()
	s.subject.Publish(snap)
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		DateKey:        s.dateKey,
		Totals:         make([]Total, 0, len(s.totals)),
		RecentSessions: make([]Session, len(s.recent)),
		UpdatedAt:      s.clock.Now().UnixMilli(),
	}

	for pkg, t := range s.totals {
		snap.Totals = append(snap.Totals, Total{
			PackageName: pkg,
			AppName:     t.appName,
			DurationMs:  t.durationMs,
			Sessions:    t.sessions,
			LastUsed:    t.lastUsed,
		})
		snap.TotalDurationMs += t.durationMs
	}
	sort.Slice(snap.Totals, func(i, j int) bool {
		if snap.Totals[i].DurationMs != snap.Totals[j].DurationMs {
			return snap.Totals[i].DurationMs > snap.Totals[j].DurationMs
		}
		return snap.Totals[i].PackageName < snap.Totals[j].PackageName
	})

	copy(snap.RecentSessions, s.recent)
	sort.SliceStable(snap.RecentSessions, func(i, j int) bool {
		return snap.RecentSessions[i].StartTimeMs > snap.RecentSessions[j].StartTimeMs
	})

	if s.activeApp != nil {
		app := *s.activeApp
		snap.ActiveApp = &app
	}

	return snap
}

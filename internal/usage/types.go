package usage

import (
	"context"
	"errors"
)

// ErrNoPermission is returned by event sources that lack usage access.
var ErrNoPermission = errors.New("usage: usage access not granted")

// EventType is the kind of app transition reported by the platform.
type EventType string

const (
	EventForeground EventType = "FOREGROUND"
	EventBackground EventType = "BACKGROUND"
)

// Event is a single foreground or background transition.
type Event struct {
	PackageName string    `json:"packageName"`
	AppName     string    `json:"appName,omitempty"`
	Type        EventType `json:"eventType"`
	TimestampMs int64     `json:"timestampMs"`
}

// Session is a closed interval of continuous foreground use of one app.
type Session struct {
	PackageName string `json:"packageName"`
	AppName     string `json:"appName"`
	StartTimeMs int64  `json:"startTimeMs"`
	EndTimeMs   int64  `json:"endTimeMs"`
	DurationMs  int64  `json:"durationMs"`
	DateKey     string `json:"dateKey"`
	HourBucket  string `json:"hourBucket"`
}

// Total is one app's usage for the current local day.
type Total struct {
	PackageName string `json:"packageName"`
	AppName     string `json:"appName"`
	DurationMs  int64  `json:"durationMs"`
	Sessions    int    `json:"sessions"`
	LastUsed    int64  `json:"lastUsed"`
}

// ActiveApp is the app currently in the foreground.
type ActiveApp struct {
	PackageName string `json:"packageName"`
	AppName     string `json:"appName"`
	Since       int64  `json:"since"`
	Timestamp   int64  `json:"timestamp"`
}

// ForegroundApp is what the platform reports as visible right now.
type ForegroundApp struct {
	PackageName string
	AppName     string
	Since       int64
}

// Snapshot is an immutable copy of the local usage state.
type Snapshot struct {
	ActiveApp       *ActiveApp `json:"activeApp"`
	Totals          []Total    `json:"totals"`
	TotalDurationMs int64      `json:"totalDurationMs"`
	DateKey         string     `json:"dateKey"`
	RecentSessions  []Session  `json:"recentSessions"`
	UpdatedAt       int64      `json:"updatedAt"`
}

// UsageFor returns today's usage of pkg in milliseconds, 0 if unknown.
func (s Snapshot) UsageFor(pkg string) int64 {
	for _, t := range s.Totals {
		if t.PackageName == pkg {
			return t.DurationMs
		}
	}
	return 0
}

// UsageByPackage returns today's totals keyed by package name.
func (s Snapshot) UsageByPackage() map[string]int64 {
	out := make(map[string]int64, len(s.Totals))
	for _, t := range s.Totals {
		out[t.PackageName] = t.DurationMs
	}
	return out
}

// Identity scopes persisted usage to a child profile and device.
type Identity struct {
	ChildID  string
	FamilyID string
	DeviceID string
}

// EventSource is the platform usage-event provider.
type EventSource interface {
	HasPermission(ctx context.Context) (bool, error)
	Events(ctx context.Context, sinceMs int64) ([]Event, error)
	CurrentForegroundApp(ctx context.Context) (*ForegroundApp, error)
}

// Sink receives completed sessions and current-app reports.
type Sink interface {
	RecordSession(ctx context.Context, id Identity, session Session) error
	ReportCurrentApp(ctx context.Context, id Identity, app *ActiveApp) error
}

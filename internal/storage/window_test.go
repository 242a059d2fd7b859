package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoulfiq4r/FamilyGuardMobile/internal/usage"
)

type aggregateStub struct {
	aggregates map[string]*DailyAggregate
	err        error
}

func (s *aggregateStub) RecordSession(context.Context, usage.Identity, usage.Session) error {
	return nil
}

func (s *aggregateStub) ReportCurrentApp(context.Context, usage.Identity, *usage.ActiveApp) error {
	return nil
}

func (s *aggregateStub) ListSessions(context.Context, string, string) ([]usage.Session, error) {
	return nil, nil
}

func (s *aggregateStub) DailyAggregate(_ context.Context, childID, dateKey string) (*DailyAggregate, error) {
	if s.err != nil {
		return nil, s.err
	}
	agg, ok := s.aggregates[dateKey]
	if !ok {
		return nil, ErrNotFound
	}
	return agg, nil
}

func TestUsageWindow(t *testing.T) {
	stub := &aggregateStub{aggregates: map[string]*DailyAggregate{
		"2024-03-01": {
			ChildID: "kid", DateKey: "2024-03-01", TotalDurationMs: 60000, SessionCount: 2,
			Apps: []AppAggregate{
				{PackageName: "com.example.video", AppName: "Video", DurationMs: 40000, Sessions: 1, LastUsed: 100},
				{PackageName: "com.example.game", DurationMs: 20000, Sessions: 1, LastUsed: 50},
			},
		},
		"2024-03-03": {
			ChildID: "kid", DateKey: "2024-03-03", TotalDurationMs: 30000, SessionCount: 1,
			Apps: []AppAggregate{
				{PackageName: "com.example.game", AppName: "Game", DurationMs: 30000, Sessions: 1, LastUsed: 300},
			},
		},
	}}

	end := time.Date(2024, 3, 3, 18, 0, 0, 0, time.UTC)
	summary, err := UsageWindow(context.Background(), stub, "kid", 3, end)
	if err != nil {
		t.Fatalf("UsageWindow failed: %v", err)
	}

	if len(summary.Days) != 3 {
		t.Fatalf("Expected 3 days, got %d", len(summary.Days))
	}
	wantKeys := []string{"2024-03-01", "2024-03-02", "2024-03-03"}
	for i, key := range wantKeys {
		if summary.Days[i].DateKey != key {
			t.Errorf("Day %d: expected %s, got %s", i, key, summary.Days[i].DateKey)
		}
	}
	if summary.Days[1].TotalDurationMs != 0 {
		t.Errorf("Expected empty middle day, got %d", summary.Days[1].TotalDurationMs)
	}

	if summary.TotalDurationMs != 90000 || summary.SessionCount != 3 {
		t.Errorf("Expected 90000ms over 3 sessions, got %dms over %d", summary.TotalDurationMs, summary.SessionCount)
	}

	if len(summary.Apps) != 2 {
		t.Fatalf("Expected 2 apps, got %d", len(summary.Apps))
	}
	game := summary.Apps[0]
	if game.PackageName != "com.example.game" || game.DurationMs != 50000 || game.Sessions != 2 {
		t.Errorf("Unexpected top app: %+v", game)
	}
	if game.AppName != "Game" || game.LastUsed != 300 {
		t.Errorf("Expected latest name and last use, got %+v", game)
	}
}

func TestUsageWindow_Invalid(t *testing.T) {
	_, err := UsageWindow(context.Background(), &aggregateStub{}, "kid", 0, time.Now())
	if err == nil {
		t.Error("Expected error for empty window")
	}
}

func TestUsageWindow_StoreError(t *testing.T) {
	stub := &aggregateStub{err: errors.New("connection refused")}
	_, err := UsageWindow(context.Background(), stub, "kid", 2, time.Now())
	if err == nil {
		t.Error("Expected store error to be returned")
	}
}

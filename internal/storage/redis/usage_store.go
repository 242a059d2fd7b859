package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/usage"
)

// usageStore implements storage.UsageStore
type usageStore struct {
	client    *redis.Client
	documents *documentStore
}

func sessionKey(id string) string {
	return keyPrefix + "session:" + id
}

func sessionIndexKey(childID, dateKey string) string {
	return keyPrefix + "sessions:" + childID + ":" + dateKey
}

// RecordSession stores a completed session and updates the child's daily
// aggregate and app document in one script call
func (s *usageStore) RecordSession(ctx context.Context, id usage.Identity, session usage.Session) error {
	if id.ChildID == "" {
		return fmt.Errorf("child id is required")
	}

	sessionID := uuid.NewString()
	aggregateID := storage.AggregateID(id.ChildID, session.DateKey)
	appsCollection := storage.ChildAppsCollection(id.ChildID)

	keys := []string{
		sessionKey(sessionID),
		sessionIndexKey(id.ChildID, session.DateKey),
		docKey(storage.AggregatesCollection, aggregateID),
		collectionKey(storage.AggregatesCollection),
		docKey(appsCollection, session.PackageName),
		collectionKey(appsCollection),
	}
	args := []any{
		sessionID,
		id.ChildID,
		id.FamilyID,
		id.DeviceID,
		session.PackageName,
		session.AppName,
		session.StartTimeMs,
		session.EndTimeMs,
		session.DurationMs,
		session.DateKey,
		session.HourBucket,
		aggregateID,
		time.Now().UnixMilli(),
		retentionSeconds,
		fmt.Sprintf("%.4f", float64(session.DurationMs)/60000),
	}

	script := redis.NewScript(recordSessionScript)
	if err := script.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	// Aggregate watchers refresh; app usage counters are not published so
	// status watchers do not re-evaluate on every session
	return s.documents.notify(ctx, storage.AggregatesCollection, aggregateID)
}

// ReportCurrentApp records the foreground app on the device document. A nil
// app clears it.
func (s *usageStore) ReportCurrentApp(ctx context.Context, id usage.Identity, app *usage.ActiveApp) error {
	if id.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}

	now := time.Now().UnixMilli()
	fields := map[string]any{
		"childId":            id.ChildID,
		"lastUsageHeartbeat": now,
	}
	if app != nil {
		fields["currentApp.packageName"] = app.PackageName
		fields["currentApp.appName"] = app.AppName
		fields["currentApp.since"] = app.Since
		fields["currentApp.updatedAt"] = now
	} else {
		fields["currentApp.packageName"] = nil
		fields["currentApp.appName"] = nil
		fields["currentApp.since"] = nil
		fields["currentApp.updatedAt"] = nil
	}

	return s.documents.Merge(ctx, storage.DevicesCollection, id.DeviceID, fields)
}

// ListSessions returns a child's persisted sessions for a date, oldest first
func (s *usageStore) ListSessions(ctx context.Context, childID, dateKey string) ([]usage.Session, error) {
	ids, err := s.client.ZRange(ctx, sessionIndexKey(childID, dateKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []usage.Session{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]usage.Session, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		sessions = append(sessions, parseSession(fields))
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartTimeMs < sessions[j].StartTimeMs
	})

	return sessions, nil
}

// DailyAggregate returns a child's aggregate document for a date
func (s *usageStore) DailyAggregate(ctx context.Context, childID, dateKey string) (*storage.DailyAggregate, error) {
	doc, err := s.documents.Get(ctx, storage.AggregatesCollection, storage.AggregateID(childID, dateKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	return parseAggregate(childID, dateKey, *doc), nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/usage"
)

// eventRetention bounds how far back the feed is kept
const eventRetention = 24 * time.Hour

// eventStore implements storage.EventStore for one device
type eventStore struct {
	client   *redis.Client
	deviceID string
}

func (s *eventStore) eventsKey() string {
	return keyPrefix + "events:" + s.deviceID
}

func (s *eventStore) foregroundKey() string {
	return keyPrefix + "foreground:" + s.deviceID
}

func (s *eventStore) permissionKey() string {
	return keyPrefix + "usage_access:" + s.deviceID
}

// Append adds events to the feed and trims entries older than the retention
// window relative to the newest appended event
func (s *eventStore) Append(ctx context.Context, events ...usage.Event) error {
	if len(events) == 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(events))
	var newest int64
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		members = append(members, redis.Z{Score: float64(ev.TimestampMs), Member: string(data)})
		if ev.TimestampMs > newest {
			newest = ev.TimestampMs
		}
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.eventsKey(), members...)
	cutoff := newest - eventRetention.Milliseconds()
	pipe.ZRemRangeByScore(ctx, s.eventsKey(), "-inf", "("+strconv.FormatInt(cutoff, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}

	return nil
}

// Events returns events with a timestamp at or after sinceMs, oldest first
func (s *eventStore) Events(ctx context.Context, sinceMs int64) ([]usage.Event, error) {
	granted, err := s.HasPermission(ctx)
	if err != nil {
		return nil, err
	}
	if !granted {
		return nil, usage.ErrNoPermission
	}

	raw, err := s.client.ZRangeByScore(ctx, s.eventsKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(sinceMs, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	events := make([]usage.Event, 0, len(raw))
	for _, member := range raw {
		var ev usage.Event
		if err := json.Unmarshal([]byte(member), &ev); err != nil {
			// skip malformed entries written by an older shim
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

// HasPermission reports whether usage access is granted. A device that never
// reported its permission state counts as granted.
func (s *eventStore) HasPermission(ctx context.Context) (bool, error) {
	value, err := s.client.Get(ctx, s.permissionKey()).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read usage access: %w", err)
	}

	granted, err := cast.ToBoolE(value)
	if err != nil {
		return false, nil
	}
	return granted, nil
}

// SetPermission records the usage access state
func (s *eventStore) SetPermission(ctx context.Context, granted bool) error {
	if err := s.client.Set(ctx, s.permissionKey(), strconv.FormatBool(granted), 0).Err(); err != nil {
		return fmt.Errorf("failed to set usage access: %w", err)
	}
	return nil
}

// CurrentForegroundApp returns the visible app, or nil when none is known
func (s *eventStore) CurrentForegroundApp(ctx context.Context) (*usage.ForegroundApp, error) {
	fields, err := s.client.HGetAll(ctx, s.foregroundKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read foreground app: %w", err)
	}
	if fields["packageName"] == "" {
		return nil, nil
	}

	return &usage.ForegroundApp{
		PackageName: fields["packageName"],
		AppName:     fields["appName"],
		Since:       cast.ToInt64(fields["since"]),
	}, nil
}

// SetForeground records the visible app. nil clears it.
func (s *eventStore) SetForeground(ctx context.Context, app *usage.ForegroundApp) error {
	if app == nil {
		if err := s.client.Del(ctx, s.foregroundKey()).Err(); err != nil {
			return fmt.Errorf("failed to clear foreground app: %w", err)
		}
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.foregroundKey())
	pipe.HSet(ctx, s.foregroundKey(),
		"packageName", app.PackageName,
		"appName", app.AppName,
		"since", app.Since,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set foreground app: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// UsageSummary is a child's persisted usage over consecutive local days.
type UsageSummary struct {
	ChildID         string
	Days            []DailyAggregate
	TotalDurationMs int64
	SessionCount    int64
	Apps            []AppAggregate
}

// UsageWindow reads the daily aggregates of the days local days ending at
// end, oldest first. Days without an aggregate are reported as empty days.
func UsageWindow(ctx context.Context, store UsageStore, childID string, days int, end time.Time) (*UsageSummary, error) {
	if days <= 0 {
		return nil, fmt.Errorf("invalid usage window: %d days", days)
	}

	summary := &UsageSummary{
		ChildID: childID,
		Days:    make([]DailyAggregate, 0, days),
	}
	apps := make(map[string]*AppAggregate)

	for offset := days - 1; offset >= 0; offset-- {
		dateKey := end.AddDate(0, 0, -offset).Format("2006-01-02")

		agg, err := store.DailyAggregate(ctx, childID, dateKey)
		if errors.Is(err, ErrNotFound) {
			summary.Days = append(summary.Days, DailyAggregate{ChildID: childID, DateKey: dateKey})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read aggregate for %s: %w", dateKey, err)
		}

		summary.Days = append(summary.Days, *agg)
		summary.TotalDurationMs += agg.TotalDurationMs
		summary.SessionCount += agg.SessionCount

		for _, app := range agg.Apps {
			total, ok := apps[app.PackageName]
			if !ok {
				total = &AppAggregate{PackageName: app.PackageName}
				apps[app.PackageName] = total
			}
			if app.AppName != "" {
				total.AppName = app.AppName
			}
			total.DurationMs += app.DurationMs
			total.Sessions += app.Sessions
			if app.LastUsed > total.LastUsed {
				total.LastUsed = app.LastUsed
			}
		}
	}

	summary.Apps = make([]AppAggregate, 0, len(apps))
	for _, app := range apps {
		summary.Apps = append(summary.Apps, *app)
	}
	sort.Slice(summary.Apps, func(i, j int) bool {
		if summary.Apps[i].DurationMs != summary.Apps[j].DurationMs {
			return summary.Apps[i].DurationMs > summary.Apps[j].DurationMs
		}
		return summary.Apps[i].PackageName < summary.Apps[j].PackageName
	})

	return summary, nil
}

package redis

import (
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/usage"
)

func parseSession(fields map[string]string) usage.Session {
	return usage.Session{
		PackageName: fields["packageName"],
		AppName:     fields["appName"],
		StartTimeMs: cast.ToInt64(fields["startTimeMs"]),
		EndTimeMs:   cast.ToInt64(fields["endTimeMs"]),
		DurationMs:  cast.ToInt64(fields["durationMs"]),
		DateKey:     fields["dateKey"],
		HourBucket:  fields["hourBucket"],
	}
}

// parseAggregate unflattens "apps.<pkg>.<field>" and "hours.<HH:00>" fields.
// Package names contain dots, so the app field is split from the right.
func parseAggregate(childID, dateKey string, doc storage.Document) *storage.DailyAggregate {
	agg := &storage.DailyAggregate{
		ChildID:         childID,
		DateKey:         dateKey,
		TotalDurationMs: cast.ToInt64(doc.Fields["totalDurationMs"]),
		SessionCount:    cast.ToInt64(doc.Fields["sessionCount"]),
		Hours:           make(map[string]int64),
	}

	for hour, value := range doc.Sub("hours") {
		agg.Hours[hour] = cast.ToInt64(value)
	}

	apps := make(map[string]*storage.AppAggregate)
	for key, value := range doc.Sub("apps") {
		idx := strings.LastIndex(key, ".")
		if idx <= 0 {
			continue
		}
		pkg, field := key[:idx], key[idx+1:]
		app, ok := apps[pkg]
		if !ok {
			app = &storage.AppAggregate{PackageName: pkg}
			apps[pkg] = app
		}
		switch field {
		case "appName":
			app.AppName = value
		case "durationMs":
			app.DurationMs = cast.ToInt64(value)
		case "sessions":
			app.Sessions = cast.ToInt64(value)
		case "lastUsed":
			app.LastUsed = cast.ToInt64(value)
		}
	}

	agg.Apps = make([]storage.AppAggregate, 0, len(apps))
	for _, app := range apps {
		agg.Apps = append(agg.Apps, *app)
	}
	sort.Slice(agg.Apps, func(i, j int) bool {
		if agg.Apps[i].DurationMs != agg.Apps[j].DurationMs {
			return agg.Apps[i].DurationMs > agg.Apps[j].DurationMs
		}
		return agg.Apps[i].PackageName < agg.Apps[j].PackageName
	})

	return agg
}

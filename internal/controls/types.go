// Package controls mirrors the guardian's remote policy: per-app rules, the
// global meta document and per-app "block now" status flags.
package controls

// Meta holds the child-wide settings stored in the "meta" controls document.
type Meta struct {
	GlobalDailyLimitMillis *int64 `json:"globalDailyLimitMillis"`
	GraceMillis            int64  `json:"graceMillis"`
	Timezone               string `json:"timezone,omitempty"`
}

// Rule is the guardian's policy for one app.
type Rule struct {
	Blocked          bool   `json:"blocked"`
	DailyLimitMillis *int64 `json:"dailyLimitMillis"`
}

// State is the read-only mirror of the appControls collection.
type State struct {
	Meta Meta            `json:"meta"`
	Apps map[string]Rule `json:"apps"`
}

// DefaultState returns controls with no limits and no rules.
func DefaultState() State {
	return State{Apps: make(map[string]Rule)}
}

// RemoteBlock is an immediate guardian block for one app. Message and
// Reason are empty when the guardian did not set them.
type RemoteBlock struct {
	PackageName   string `json:"packageName"`
	Message       string `json:"message,omitempty"`
	Reason        string `json:"reason,omitempty"`
	StatusVersion string `json:"statusVersion"`
}

// Int64 returns a pointer to v, for optional limits.
func Int64(v int64) *int64 {
	return &v
}

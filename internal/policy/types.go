package policy

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/controls"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/usage"
)

// Reasons reported for an active entry
const (
	ReasonBlocked     = "blocked"
	ReasonDailyLimit  = "dailyLimit"
	ReasonRemoteBlock = controls.RemoteBlockReason
)

// Default messages shown on the block overlay
const (
	MessageBlocked    = "Blocked by Parent"
	MessageDailyLimit = "Daily Limit Reached"
)

// Entry is the decision for one app or for the whole device.
type Entry struct {
	Active  bool   `json:"active"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Payload is the full blocking decision handed to the enforcement bridge.
type Payload struct {
	Apps   map[string]Entry `json:"apps"`
	Global Entry            `json:"global"`
}

// InactiveGlobal is the global entry when no global limit applies.
func InactiveGlobal() Entry {
	return Entry{Active: false, Reason: ReasonDailyLimit, Message: MessageDailyLimit}
}

// AnyActive reports whether any app or the global slot is active.
func (p Payload) AnyActive() bool {
	if p.Global.Active {
		return true
	}
	for _, entry := range p.Apps {
		if entry.Active {
			return true
		}
	}
	return false
}

// ActiveApps counts active app entries.
func (p Payload) ActiveApps() int {
	n := 0
	for _, entry := range p.Apps {
		if entry.Active {
			n++
		}
	}
	return n
}

// Hash returns a stable digest of the payload. Map keys are encoded in
// sorted order, so equal payloads hash equally.
func (p Payload) Hash() string {
	if p.Apps == nil {
		p.Apps = map[string]Entry{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Facts are the inputs of one evaluation.
type Facts struct {
	Usage           map[string]int64
	TotalDurationMs int64
	Controls        controls.State
	RemoteBlocks    map[string]controls.RemoteBlock
}

// NewFacts gathers evaluation inputs from the local snapshot and the remote
// mirrors.
func NewFacts(snapshot usage.Snapshot, state controls.State, blocks map[string]controls.RemoteBlock) Facts {
	return Facts{
		Usage:           snapshot.UsageByPackage(),
		TotalDurationMs: snapshot.TotalDurationMs,
		Controls:        state,
		RemoteBlocks:    blocks,
	}
}

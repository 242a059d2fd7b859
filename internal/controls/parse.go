package controls

import (
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/spf13/cast"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
)

// ParseControls builds State from the appControls documents. The meta
// document is parsed into Meta and never becomes a rule.
func ParseControls(docs []storage.Document) State {
	state := DefaultState()

	for _, doc := range docs {
		if doc.ID == "" {
			continue
		}
		if doc.ID == storage.MetaDocumentID {
			state.Meta = parseMeta(doc)
			continue
		}
		state.Apps[doc.ID] = parseRule(doc)
	}

	return state
}

func parseMeta(doc storage.Document) Meta {
	meta := Meta{
		GlobalDailyLimitMillis: optionalMillis(doc, "globalDailyLimitMillis"),
		Timezone:               strings.TrimSpace(doc.Fields["timezone"]),
	}
	if grace := optionalMillis(doc, "graceMillis"); grace != nil {
		meta.GraceMillis = *grace
	}
	return meta
}

func parseRule(doc storage.Document) Rule {
	return Rule{
		Blocked:          flag(doc, "blocked"),
		DailyLimitMillis: optionalMillis(doc, "dailyLimitMillis"),
	}
}

// optionalMillis coerces a numeric field. Missing, non-numeric and
// non-finite values are nil.
func optionalMillis(doc storage.Document, field string) *int64 {
	raw, ok := doc.Value(field)
	if !ok {
		return nil
	}
	f, err := cast.ToFloat64E(strings.TrimSpace(raw))
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	if f < math.MinInt64 {
		return nil
	}
	// float64(MaxInt64) rounds up to 2^63, which int64 cannot hold
	if f >= math.MaxInt64 {
		return Int64(math.MaxInt64)
	}
	v := int64(f)
	return &v
}

func flag(doc storage.Document, field string) bool {
	b, _ := boolField(doc, field)
	return b
}

// boolField reports the field's boolean value and whether it held a
// recognisable boolean at all.
func boolField(doc storage.Document, field string) (value bool, ok bool) {
	raw, present := doc.Value(field)
	if !present {
		return false, false
	}
	b, err := cast.ToBoolE(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return b, true
}

// ParseRemoteBlocks returns the blocked apps among the child's app status
// documents, keyed by package name.
func ParseRemoteBlocks(docs []storage.Document) map[string]RemoteBlock {
	blocks := make(map[string]RemoteBlock)
	for _, doc := range docs {
		if block, ok := ParseRemoteBlock(doc); ok {
			blocks[block.PackageName] = block
		}
	}
	return blocks
}

// ParseRemoteBlock interprets one status document. status.isBlocked wins
// over the legacy top-level isBlocked when it holds a boolean.
func ParseRemoteBlock(doc storage.Document) (RemoteBlock, bool) {
	if doc.ID == "" {
		return RemoteBlock{}, false
	}

	blocked, ok := boolField(doc, "status.isBlocked")
	if !ok {
		blocked = flag(doc, "isBlocked")
	}
	if !blocked {
		return RemoteBlock{}, false
	}

	return RemoteBlock{
		PackageName:   doc.ID,
		Message:       firstNonEmpty(doc, "status.message", "blockMessage", "message"),
		Reason:        firstNonEmpty(doc, "status.reason", "blockReason"),
		StatusVersion: StatusVersion(doc),
	}, true
}

func firstNonEmpty(doc storage.Document, fields ...string) string {
	for _, field := range fields {
		if v := strings.TrimSpace(doc.Fields[field]); v != "" {
			return v
		}
	}
	return ""
}

// statusPayload is the part of a status document that identifies one
// logical block request. Field order is fixed so the encoding is stable.
type statusPayload struct {
	IsBlocked    *bool  `json:"isBlocked"`
	Reason       string `json:"reason"`
	Message      string `json:"message"`
	RequestID    string `json:"requestId"`
	RequestedBy  string `json:"requestedBy"`
	UpdatedAt    *int64 `json:"updatedAt"`
	FallbackSeed string `json:"fallbackSeed"`
}

// StatusVersion derives a version token from a status document. Writes
// that only touch enforcement receipts keep the same version.
func StatusVersion(doc storage.Document) string {
	payload := statusPayload{
		Reason:      doc.Fields["status.reason"],
		Message:     doc.Fields["status.message"],
		RequestID:   doc.Fields["status.requestId"],
		RequestedBy: doc.Fields["status.requestedBy"],
		UpdatedAt:   optionalMillis(doc, "status.updatedAt"),
	}
	if b, ok := boolField(doc, "status.isBlocked"); ok {
		payload.IsBlocked = &b
	}

	seed := payload.UpdatedAt
	if seed == nil {
		seed = optionalMillis(doc, "updatedAt")
	}
	payload.FallbackSeed = doc.ID + ":"
	if seed != nil {
		payload.FallbackSeed += strconv.FormatInt(*seed, 10)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return doc.ID
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

package storage

import (
	"fmt"
	"sort"
	"strings"
)

// Document is a flat field map identified within a collection.
type Document struct {
	ID     string
	Fields map[string]string
}

// Value returns a field and whether it is present.
func (d Document) Value(field string) (string, bool) {
	v, ok := d.Fields[field]
	return v, ok
}

// Sub returns the fields under prefix with the prefix removed.
func (d Document) Sub(prefix string) map[string]string {
	out := make(map[string]string)
	p := prefix + "."
	for k, v := range d.Fields {
		if strings.HasPrefix(k, p) {
			out[strings.TrimPrefix(k, p)] = v
		}
	}
	return out
}

// SortDocuments orders documents by ID.
func SortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}

// DailyAggregate summarises one child's persisted usage for a date.
type DailyAggregate struct {
	ChildID         string
	DateKey         string
	TotalDurationMs int64
	SessionCount    int64
	Apps            []AppAggregate
	Hours           map[string]int64
}

// AppAggregate is one app's share of a DailyAggregate.
type AppAggregate struct {
	PackageName string
	AppName     string
	DurationMs  int64
	Sessions    int64
	LastUsed    int64
}

const (
	// AggregatesCollection holds one document per child and date
	AggregatesCollection = "appUsageAggregates"

	// DevicesCollection holds one document per paired device
	DevicesCollection = "devices"

	// MetaDocumentID is the controls document holding ControlMeta
	MetaDocumentID = "meta"
)

// AppControlsCollection is the guardian's per-app rules for a child.
func AppControlsCollection(familyID, childID string) string {
	return fmt.Sprintf("families/%s/children/%s/appControls", familyID, childID)
}

// ChildAppsCollection holds the per-app status documents of a child.
func ChildAppsCollection(childID string) string {
	return fmt.Sprintf("children/%s/apps", childID)
}

// AggregateID names a child's aggregate document for a date.
func AggregateID(childID, dateKey string) string {
	return childID + "_" + dateKey
}

package controls

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
)

// RemoteBlockReason is the reason written for guardian "block now" requests
const RemoteBlockReason = "remoteBlock"

// Writer performs the guardian-side writes for one child.
type Writer struct {
	docs     storage.DocumentStore
	familyID string
	childID  string
	clock    clockwork.Clock
}

// NewWriter creates a guardian writer
func NewWriter(docs storage.DocumentStore, familyID, childID string) *Writer {
	return &Writer{
		docs:     docs,
		familyID: familyID,
		childID:  childID,
		clock:    clockwork.NewRealClock(),
	}
}

func (w *Writer) controlsCollection() string {
	return storage.AppControlsCollection(w.familyID, w.childID)
}

func (w *Writer) statusCollection() string {
	return storage.ChildAppsCollection(w.childID)
}

// GetControlsOnce reads the current controls without subscribing
func (w *Writer) GetControlsOnce(ctx context.Context) (State, error) {
	docs, err := w.docs.List(ctx, w.controlsCollection())
	if err != nil {
		return DefaultState(), fmt.Errorf("failed to read controls: %w", err)
	}
	return ParseControls(docs), nil
}

// RemoteBlocksOnce reads the current remote blocks without subscribing
func (w *Writer) RemoteBlocksOnce(ctx context.Context) (map[string]RemoteBlock, error) {
	docs, err := w.docs.List(ctx, w.statusCollection())
	if err != nil {
		return nil, fmt.Errorf("failed to read app status: %w", err)
	}
	return ParseRemoteBlocks(docs), nil
}

// SetAppBlocked sets or clears the hard block rule for an app
func (w *Writer) SetAppBlocked(ctx context.Context, pkg string, blocked bool) error {
	return w.mergeRule(ctx, pkg, map[string]any{"blocked": blocked})
}

// SetAppDailyLimit sets an app's daily limit. nil removes the limit.
func (w *Writer) SetAppDailyLimit(ctx context.Context, pkg string, limitMillis *int64) error {
	var value any
	if limitMillis != nil {
		value = *limitMillis
	}
	return w.mergeRule(ctx, pkg, map[string]any{"dailyLimitMillis": value})
}

// RemoveAppControl deletes an app's rule
func (w *Writer) RemoveAppControl(ctx context.Context, pkg string) error {
	if err := validPackage(pkg); err != nil {
		return err
	}
	if err := w.docs.Delete(ctx, w.controlsCollection(), pkg); err != nil {
		return fmt.Errorf("failed to remove control for %s: %w", pkg, err)
	}
	return nil
}

// SetGlobalLimit sets the child's total daily limit. nil removes it.
func (w *Writer) SetGlobalLimit(ctx context.Context, limitMillis *int64) error {
	var value any
	if limitMillis != nil {
		value = *limitMillis
	}
	return w.mergeMeta(ctx, map[string]any{"globalDailyLimitMillis": value})
}

// SetGrace sets the grace period added to every limit
func (w *Writer) SetGrace(ctx context.Context, graceMillis int64) error {
	if graceMillis < 0 {
		return fmt.Errorf("grace must not be negative: %d", graceMillis)
	}
	return w.mergeMeta(ctx, map[string]any{"graceMillis": graceMillis})
}

// SetTimezone sets the timezone used for the child's local day
func (w *Writer) SetTimezone(ctx context.Context, tz string) error {
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}
	var value any
	if tz != "" {
		value = tz
	}
	return w.mergeMeta(ctx, map[string]any{"timezone": value})
}

// SetRemoteBlock requests an immediate block of an app. Each request gets a
// new request id, so it is confirmed again by the device.
func (w *Writer) SetRemoteBlock(ctx context.Context, pkg, message, requestedBy string) error {
	if err := validPackage(pkg); err != nil {
		return err
	}

	fields := map[string]any{
		"status.isBlocked":   true,
		"status.reason":      RemoteBlockReason,
		"status.requestId":   uuid.NewString(),
		"status.updatedAt":   w.clock.Now().UnixMilli(),
		"status.enforced":    false,
		"status.message":     nilIfEmpty(message),
		"status.requestedBy": nilIfEmpty(requestedBy),
	}
	if err := w.docs.Merge(ctx, w.statusCollection(), pkg, fields); err != nil {
		return fmt.Errorf("failed to block %s: %w", pkg, err)
	}
	return nil
}

// ClearRemoteBlock lifts an immediate block
func (w *Writer) ClearRemoteBlock(ctx context.Context, pkg string) error {
	if err := validPackage(pkg); err != nil {
		return err
	}

	fields := map[string]any{
		"status.isBlocked": false,
		"status.updatedAt": w.clock.Now().UnixMilli(),
		"isBlocked":        nil,
	}
	if err := w.docs.Merge(ctx, w.statusCollection(), pkg, fields); err != nil {
		return fmt.Errorf("failed to unblock %s: %w", pkg, err)
	}
	return nil
}

func (w *Writer) mergeRule(ctx context.Context, pkg string, fields map[string]any) error {
	if err := validPackage(pkg); err != nil {
		return err
	}
	fields["updatedAt"] = w.clock.Now().UnixMilli()
	if err := w.docs.Merge(ctx, w.controlsCollection(), pkg, fields); err != nil {
		return fmt.Errorf("failed to update control for %s: %w", pkg, err)
	}
	return nil
}

func (w *Writer) mergeMeta(ctx context.Context, fields map[string]any) error {
	fields["updatedAt"] = w.clock.Now().UnixMilli()
	if err := w.docs.Merge(ctx, w.controlsCollection(), storage.MetaDocumentID, fields); err != nil {
		return fmt.Errorf("failed to update control meta: %w", err)
	}
	return nil
}

func validPackage(pkg string) error {
	if pkg == "" {
		return fmt.Errorf("package name is required")
	}
	if pkg == storage.MetaDocumentID {
		return fmt.Errorf("%q is reserved", pkg)
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

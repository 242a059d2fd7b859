package enforce

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/blocker"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/controls"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/metrics"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultConfirmationCacheSize bounds the confirmed-version record
	DefaultConfirmationCacheSize = 1024

	confirmationWorkers = 4
)

// confirmations records which remote block versions have been confirmed,
// keyed by package name
type confirmations struct {
	confirmed *lru.Cache[string, string]
	now       func() time.Time
	logger    zerolog.Logger
}

func newConfirmations(size int, logger zerolog.Logger) *confirmations {
	if size <= 0 {
		size = DefaultConfirmationCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &confirmations{confirmed: cache, now: time.Now, logger: logger}
}

// Confirmed returns the confirmed version for pkg
func (c *confirmations) Confirmed(pkg string) (string, bool) {
	return c.confirmed.Peek(pkg)
}

// run writes an enforcement receipt for every block whose version is not yet
// confirmed. Records of packages no longer blocked are evicted first.
func (c *confirmations) run(ctx context.Context, docs storage.DocumentStore, cfg EngineConfig, blocks map[string]controls.RemoteBlock, method blocker.Method) {
	for _, pkg := range c.confirmed.Keys() {
		if _, ok := blocks[pkg]; !ok {
			c.confirmed.Remove(pkg)
		}
	}

	if docs == nil || cfg.ChildID == "" {
		return
	}

	var pending []controls.RemoteBlock
	for pkg, block := range blocks {
		if version, ok := c.confirmed.Get(pkg); ok && version == block.StatusVersion {
			continue
		}
		pending = append(pending, block)
	}
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.NativeTimeout)
	defer cancel()

	collection := storage.ChildAppsCollection(cfg.ChildID)
	enforcedAt := c.now().UnixMilli()
	written := make([]bool, len(pending))

	var g errgroup.Group
	g.SetLimit(confirmationWorkers)
	for i, block := range pending {
		g.Go(func() error {
			err := docs.Merge(ctx, collection, block.PackageName, map[string]any{
				"status.enforced":       true,
				"status.enforcedAt":     enforcedAt,
				"status.enforcedMethod": string(method),
				"status.enforcedBy":     cfg.ChildID,
			})
			if err != nil {
				metrics.Confirmations.WithLabelValues("error").Inc()
				c.logger.Error().
					Err(err).
					Str("package", block.PackageName).
					Msg("Failed to record enforcement receipt")
				return nil
			}
			metrics.Confirmations.WithLabelValues("ok").Inc()
			written[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for i, block := range pending {
		if written[i] {
			c.confirmed.Add(block.PackageName, block.StatusVersion)
		}
	}
}

package controls

import (
	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/metrics"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/observable"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
)

// Handlers receive parsed remote state. They run on the feed goroutines and
// must return quickly.
type Handlers struct {
	OnControls func(State)
	OnBlocks   func(map[string]RemoteBlock)
}

// Synchronizer keeps a live view of one child's remote controls and remote
// blocks.
type Synchronizer struct {
	docs     storage.DocumentStore
	familyID string
	childID  string
	logger   zerolog.Logger
}

// NewSynchronizer creates a synchronizer scoped to a family and child
func NewSynchronizer(docs storage.DocumentStore, familyID, childID string, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		docs:     docs,
		familyID: familyID,
		childID:  childID,
		logger: logger.With().
			Str("component", "controls-sync").
			Str("child_id", childID).
			Logger(),
	}
}

// Subscribe watches both collections until the returned function is called.
func (s *Synchronizer) Subscribe(h Handlers) observable.Unsubscribe {
	controlsCollection := storage.AppControlsCollection(s.familyID, s.childID)
	statusCollection := storage.ChildAppsCollection(s.childID)

	stopControls := s.docs.Watch(controlsCollection).Subscribe(func(docs []storage.Document) {
		state := ParseControls(docs)
		metrics.RemoteUpdates.WithLabelValues("controls").Inc()

		s.logger.Debug().
			Int("rules", len(state.Apps)).
			Bool("global_limit", state.Meta.GlobalDailyLimitMillis != nil).
			Msg("Controls updated")

		if h.OnControls != nil {
			h.OnControls(state)
		}
	})

	stopBlocks := s.docs.Watch(statusCollection).Subscribe(func(docs []storage.Document) {
		blocks := ParseRemoteBlocks(docs)
		metrics.RemoteUpdates.WithLabelValues("blocks").Inc()

		s.logger.Debug().
			Int("blocks", len(blocks)).
			Msg("Remote blocks updated")

		if h.OnBlocks != nil {
			h.OnBlocks(blocks)
		}
	})

	return func() {
		stopControls()
		stopBlocks()
	}
}

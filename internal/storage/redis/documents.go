package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/observable"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
)

const (
	reloadAttempts    = 5
	reloadInterval    = 100 * time.Millisecond
	reloadMaxInterval = 2 * time.Second
)

// documentStore implements storage.DocumentStore using one hash per document,
// one set per collection and a pub/sub channel per collection.
type documentStore struct {
	client *redis.Client
	logger zerolog.Logger

	// retryInterval overrides reloadInterval when set
	retryInterval time.Duration
}

// Get retrieves a document
func (s *documentStore) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	fields, err := s.client.HGetAll(ctx, docKey(collection, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	return &storage.Document{ID: id, Fields: fields}, nil
}

// List retrieves every document in a collection, ordered by ID
func (s *documentStore) List(ctx context.Context, collection string) ([]storage.Document, error) {
	ids, err := s.client.SMembers(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list collection %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return []storage.Document{}, nil
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, docKey(collection, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load collection %s: %w", collection, err)
	}

	docs := make([]storage.Document, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// expired, index entry is stale
			continue
		}
		docs = append(docs, storage.Document{ID: ids[i], Fields: fields})
	}

	return docs, nil
}

// Merge sets and removes fields of a document and notifies watchers
func (s *documentStore) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	if id == "" {
		return fmt.Errorf("document id is required")
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var sets, dels []any
	for _, name := range names {
		value := fields[name]
		if value == nil {
			dels = append(dels, name)
			continue
		}
		str, err := cast.ToStringE(value)
		if err != nil {
			return fmt.Errorf("failed to encode field %s: %w", name, err)
		}
		sets = append(sets, name, str)
	}

	args := make([]any, 0, 2+len(sets)+len(dels))
	args = append(args, id, len(sets)/2)
	args = append(args, sets...)
	args = append(args, dels...)

	script := redis.NewScript(mergeDocumentScript)
	keys := []string{docKey(collection, id), collectionKey(collection)}
	if err := script.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to merge document %s/%s: %w", collection, id, err)
	}

	return s.notify(ctx, collection, id)
}

// Delete removes a document and notifies watchers
func (s *documentStore) Delete(ctx context.Context, collection, id string) error {
	script := redis.NewScript(deleteDocumentScript)
	keys := []string{docKey(collection, id), collectionKey(collection)}
	if err := script.Run(ctx, s.client, keys, id).Err(); err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}

	return s.notify(ctx, collection, id)
}

func (s *documentStore) notify(ctx context.Context, collection, id string) error {
	if err := s.client.Publish(ctx, changesChannel(collection), id).Err(); err != nil {
		return fmt.Errorf("failed to publish change for %s: %w", collection, err)
	}
	return nil
}

// Watch returns a feed that lists the collection once subscribed and again
// after every published change. Observers run on the feed goroutine.
func (s *documentStore) Watch(collection string) observable.Observable[[]storage.Document] {
	return observable.Func[[]storage.Document](func(observer observable.Observer[[]storage.Document]) observable.Unsubscribe {
		ctx, cancel := context.WithCancel(context.Background())
		pubsub := s.client.Subscribe(ctx, changesChannel(collection))
		done := make(chan struct{})

		go func() {
			defer close(done)
			s.runFeed(ctx, pubsub, collection, observer)
		}()

		var once sync.Once
		return func() {
			once.Do(func() {
				cancel()
				_ = pubsub.Close()
				<-done
			})
		}
	})
}

func (s *documentStore) runFeed(ctx context.Context, pubsub *redis.PubSub, collection string, observer observable.Observer[[]storage.Document]) {
	logger := s.logger.With().Str("collection", collection).Logger()

	// Wait for the subscription so no change between the first list and
	// the subscribe is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("Failed to subscribe to collection changes")
		}
		return
	}

	// The first snapshot is retried until the feed is cancelled; a watcher
	// must never be left without one
	if !s.reload(ctx, collection, observer, logger, true) {
		return
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				return
			}
			drain(messages)
			if !s.reload(ctx, collection, observer, logger, false) {
				return
			}
		}
	}
}

// reload lists the collection and delivers it. With untilCancelled set the
// listing is retried until ctx is done, otherwise at most reloadAttempts
// times. It returns false once the feed is cancelled.
func (s *documentStore) reload(ctx context.Context, collection string, observer observable.Observer[[]storage.Document], logger zerolog.Logger, untilCancelled bool) bool {
	var docs []storage.Document
	operation := func() error {
		var err error
		docs, err = s.List(ctx, collection)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reloadInterval
	if s.retryInterval > 0 {
		policy.InitialInterval = s.retryInterval
	}
	policy.MaxInterval = reloadMaxInterval
	var retry backoff.BackOff = policy
	if untilCancelled {
		policy.MaxElapsedTime = 0
	} else {
		retry = backoff.WithMaxRetries(policy, reloadAttempts)
	}
	retry = backoff.WithContext(retry, ctx)

	notify := func(err error, wait time.Duration) {
		if ctx.Err() == nil {
			logger.Warn().Err(err).Dur("retry_in", wait).Msg("Failed to list watched collection, retrying")
		}
	}

	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return false
		}
		logger.Error().Err(err).Msg("Failed to reload watched collection")
		return true
	}

	if ctx.Err() != nil {
		return false
	}
	observer(docs)
	return true
}

// drain discards queued notifications; one reload covers all of them.
func drain(messages <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-messages:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

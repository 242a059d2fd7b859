// Package observable provides push subscriptions with explicit unsubscribe
// handles, shared by the local usage store and the remote document feeds.
package observable

import "sync"

// Observer receives values pushed by an Observable.
type Observer[T any] func(T)

// Unsubscribe detaches an observer. It is safe to call more than once.
type Unsubscribe func()

// Observable is a source of values that observers can subscribe to.
type Observable[T any] interface {
	Subscribe(observer Observer[T]) Unsubscribe
}

// Subject is a synchronous hot Observable. Subscribers receive the latest
// value immediately (when one has been published) and then every value
// passed to Publish, on the publishing goroutine.
type Subject[T any] struct {
	mu        sync.Mutex
	observers map[uint64]Observer[T]
	nextID    uint64
	current   T
	hasValue  bool
}

// NewSubject creates a Subject with no current value.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{observers: make(map[uint64]Observer[T])}
}

// NewBehaviorSubject creates a Subject seeded with an initial value.
func NewBehaviorSubject[T any](initial T) *Subject[T] {
	s := NewSubject[T]()
	s.current = initial
	s.hasValue = true
	return s
}

// Subscribe registers observer and replays the current value to it.
func (s *Subject[T]) Subscribe(observer Observer[T]) Unsubscribe {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = observer
	current, hasValue := s.current, s.hasValue
	s.mu.Unlock()

	if hasValue {
		observer(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Publish stores value as current and delivers it to every observer.
func (s *Subject[T]) Publish(value T) {
	s.mu.Lock()
	s.current = value
	s.hasValue = true
	observers := make([]Observer[T], 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o(value)
	}
}

// Value returns the current value and whether one has been published.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasValue
}

// Len returns the number of attached observers.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// Func adapts a subscribe function to the Observable interface.
type Func[T any] func(observer Observer[T]) Unsubscribe

// Subscribe calls f.
func (f Func[T]) Subscribe(observer Observer[T]) Unsubscribe {
	return f(observer)
}

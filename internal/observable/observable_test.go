package observable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject_ReplaysCurrentValue(t *testing.T) {
	s := NewBehaviorSubject(1)

	var got []int
	unsubscribe := s.Subscribe(func(v int) { got = append(got, v) })
	defer unsubscribe()

	s.Publish(2)
	s.Publish(3)

	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestSubject_NoReplayWithoutValue(t *testing.T) {
	s := NewSubject[string]()

	var got []string
	s.Subscribe(func(v string) { got = append(got, v) })
	assert.Empty(t, got)

	s.Publish("a")
	assert.Equal(t, []string{"a"}, got)
}

func TestSubject_Unsubscribe(t *testing.T) {
	s := NewSubject[int]()

	calls := 0
	unsubscribe := s.Subscribe(func(int) { calls++ })
	require.Equal(t, 1, s.Len())

	s.Publish(1)
	unsubscribe()
	unsubscribe()
	s.Publish(2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.Len())
}

func TestFunc(t *testing.T) {
	var detached bool
	var src Observable[int] = Func[int](func(o Observer[int]) Unsubscribe {
		o(42)
		return func() { detached = true }
	})

	var got int
	src.Subscribe(func(v int) { got = v })()

	assert.Equal(t, 42, got)
	assert.True(t, detached)
}

package controls

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/config"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
	storageredis "github.com/zoulfiq4r/FamilyGuardMobile/internal/storage/redis"
)

func doc(id string, fields map[string]string) storage.Document {
	return storage.Document{ID: id, Fields: fields}
}

func TestParseControls(t *testing.T) {
	state := ParseControls([]storage.Document{
		doc("meta", map[string]string{
			"globalDailyLimitMillis": "3600000",
			"graceMillis":            "5000",
			"timezone":               "Europe/Paris",
		}),
		doc("com.example.game", map[string]string{"blocked": "true"}),
		doc("com.example.video", map[string]string{"dailyLimitMillis": "60000"}),
	})

	require.NotNil(t, state.Meta.GlobalDailyLimitMillis)
	assert.Equal(t, int64(3600000), *state.Meta.GlobalDailyLimitMillis)
	assert.Equal(t, int64(5000), state.Meta.GraceMillis)
	assert.Equal(t, "Europe/Paris", state.Meta.Timezone)

	assert.NotContains(t, state.Apps, "meta")
	assert.True(t, state.Apps["com.example.game"].Blocked)
	assert.Nil(t, state.Apps["com.example.game"].DailyLimitMillis)
	require.NotNil(t, state.Apps["com.example.video"].DailyLimitMillis)
	assert.Equal(t, int64(60000), *state.Apps["com.example.video"].DailyLimitMillis)
}

func TestParseControls_MalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"text", "lots"},
		{"nan", "NaN"},
		{"infinity", "+Inf"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := ParseControls([]storage.Document{
				doc("meta", map[string]string{"globalDailyLimitMillis": tt.value, "graceMillis": tt.value}),
				doc("app", map[string]string{"dailyLimitMillis": tt.value, "blocked": tt.value}),
			})

			assert.Nil(t, state.Meta.GlobalDailyLimitMillis)
			assert.Zero(t, state.Meta.GraceMillis)
			assert.Nil(t, state.Apps["app"].DailyLimitMillis)
			assert.False(t, state.Apps["app"].Blocked)
		})
	}
}

func TestParseControls_ClampsHugeLimits(t *testing.T) {
	state := ParseControls([]storage.Document{
		doc("pow63", map[string]string{"dailyLimitMillis": "9223372036854775808"}),
		doc("huge", map[string]string{"dailyLimitMillis": "1e30"}),
		doc("tiny", map[string]string{"dailyLimitMillis": "-1e30"}),
	})

	for _, pkg := range []string{"pow63", "huge"} {
		require.NotNil(t, state.Apps[pkg].DailyLimitMillis, pkg)
		assert.Equal(t, int64(math.MaxInt64), *state.Apps[pkg].DailyLimitMillis, pkg)
	}
	assert.Nil(t, state.Apps["tiny"].DailyLimitMillis)
}

func TestParseControls_KeepsZeroAndNegativeLimits(t *testing.T) {
	state := ParseControls([]storage.Document{
		doc("zero", map[string]string{"dailyLimitMillis": "0"}),
		doc("negative", map[string]string{"dailyLimitMillis": "-1"}),
		doc("fraction", map[string]string{"dailyLimitMillis": "1500.7"}),
	})

	require.NotNil(t, state.Apps["zero"].DailyLimitMillis)
	assert.Equal(t, int64(0), *state.Apps["zero"].DailyLimitMillis)
	require.NotNil(t, state.Apps["negative"].DailyLimitMillis)
	assert.Equal(t, int64(-1), *state.Apps["negative"].DailyLimitMillis)
	require.NotNil(t, state.Apps["fraction"].DailyLimitMillis)
	assert.Equal(t, int64(1500), *state.Apps["fraction"].DailyLimitMillis)
}

func TestParseRemoteBlock(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		blocked bool
		message string
		reason  string
	}{
		{
			name:    "status flag",
			fields:  map[string]string{"status.isBlocked": "true", "status.message": "Homework first", "status.reason": "remoteBlock"},
			blocked: true,
			message: "Homework first",
			reason:  "remoteBlock",
		},
		{
			name:    "legacy flag",
			fields:  map[string]string{"isBlocked": "true", "blockMessage": "Later", "blockReason": "bedtime"},
			blocked: true,
			message: "Later",
			reason:  "bedtime",
		},
		{
			name:    "status flag overrides legacy",
			fields:  map[string]string{"status.isBlocked": "false", "isBlocked": "true"},
			blocked: false,
		},
		{
			name:    "non boolean status falls back to legacy",
			fields:  map[string]string{"status.isBlocked": "maybe", "isBlocked": "true"},
			blocked: true,
		},
		{
			name:    "missing flags",
			fields:  map[string]string{"name": "Game"},
			blocked: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block, ok := ParseRemoteBlock(doc("com.example.game", tt.fields))
			assert.Equal(t, tt.blocked, ok)
			if !ok {
				return
			}
			assert.Equal(t, "com.example.game", block.PackageName)
			assert.Equal(t, tt.message, block.Message)
			assert.Equal(t, tt.reason, block.Reason)
			assert.NotEmpty(t, block.StatusVersion)
		})
	}
}

func TestStatusVersion(t *testing.T) {
	base := map[string]string{
		"status.isBlocked": "true",
		"status.requestId": "r1",
		"status.updatedAt": "1000",
	}
	v1 := StatusVersion(doc("a", base))

	// Receipt fields do not change the version
	withReceipt := map[string]string{"status.enforced": "true", "status.enforcedAt": "2000"}
	for k, v := range base {
		withReceipt[k] = v
	}
	assert.Equal(t, v1, StatusVersion(doc("a", withReceipt)))

	// A new request does
	changed := map[string]string{"status.isBlocked": "true", "status.requestId": "r2", "status.updatedAt": "1000"}
	assert.NotEqual(t, v1, StatusVersion(doc("a", changed)))

	// So does the package
	assert.NotEqual(t, v1, StatusVersion(doc("b", base)))
}

func setupDocuments(t *testing.T) storage.DocumentStore {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := storageredis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     4,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store.Documents()
}

func TestWriter_RoundTrip(t *testing.T) {
	docs := setupDocuments(t)
	ctx := context.Background()
	w := NewWriter(docs, "fam", "kid")
	w.clock = clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))

	require.NoError(t, w.SetAppBlocked(ctx, "com.example.game", true))
	require.NoError(t, w.SetAppDailyLimit(ctx, "com.example.video", Int64(60000)))
	require.NoError(t, w.SetGlobalLimit(ctx, Int64(7200000)))
	require.NoError(t, w.SetGrace(ctx, 5000))
	require.NoError(t, w.SetTimezone(ctx, "America/New_York"))

	state, err := w.GetControlsOnce(ctx)
	require.NoError(t, err)
	assert.True(t, state.Apps["com.example.game"].Blocked)
	assert.Equal(t, int64(60000), *state.Apps["com.example.video"].DailyLimitMillis)
	assert.Equal(t, int64(7200000), *state.Meta.GlobalDailyLimitMillis)
	assert.Equal(t, int64(5000), state.Meta.GraceMillis)
	assert.Equal(t, "America/New_York", state.Meta.Timezone)

	require.NoError(t, w.SetAppDailyLimit(ctx, "com.example.video", nil))
	require.NoError(t, w.RemoveAppControl(ctx, "com.example.game"))
	require.NoError(t, w.SetGlobalLimit(ctx, nil))

	state, err = w.GetControlsOnce(ctx)
	require.NoError(t, err)
	assert.NotContains(t, state.Apps, "com.example.game")
	assert.Nil(t, state.Apps["com.example.video"].DailyLimitMillis)
	assert.Nil(t, state.Meta.GlobalDailyLimitMillis)
}

func TestWriter_Validation(t *testing.T) {
	docs := setupDocuments(t)
	ctx := context.Background()
	w := NewWriter(docs, "fam", "kid")

	assert.Error(t, w.SetAppBlocked(ctx, "", true))
	assert.Error(t, w.SetAppBlocked(ctx, "meta", true))
	assert.Error(t, w.SetGrace(ctx, -1))
	assert.Error(t, w.SetTimezone(ctx, "Mars/Olympus"))
}

func TestWriter_RemoteBlocks(t *testing.T) {
	docs := setupDocuments(t)
	ctx := context.Background()
	w := NewWriter(docs, "fam", "kid")

	require.NoError(t, w.SetRemoteBlock(ctx, "com.example.game", "Dinner time", "parent-1"))

	blocks, err := w.RemoteBlocksOnce(ctx)
	require.NoError(t, err)
	require.Contains(t, blocks, "com.example.game")
	assert.Equal(t, "Dinner time", blocks["com.example.game"].Message)
	assert.Equal(t, RemoteBlockReason, blocks["com.example.game"].Reason)
	first := blocks["com.example.game"].StatusVersion

	require.NoError(t, w.SetRemoteBlock(ctx, "com.example.game", "Dinner time", "parent-1"))
	blocks, err = w.RemoteBlocksOnce(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, blocks["com.example.game"].StatusVersion)

	require.NoError(t, w.ClearRemoteBlock(ctx, "com.example.game"))
	blocks, err = w.RemoteBlocksOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestSynchronizer_PushesBothStreams(t *testing.T) {
	docs := setupDocuments(t)
	ctx := context.Background()
	w := NewWriter(docs, "fam", "kid")

	controlsCh := make(chan State, 16)
	blocksCh := make(chan map[string]RemoteBlock, 16)

	syncer := NewSynchronizer(docs, "fam", "kid", zerolog.Nop())
	unsubscribe := syncer.Subscribe(Handlers{
		OnControls: func(s State) { controlsCh <- s },
		OnBlocks:   func(b map[string]RemoteBlock) { blocksCh <- b },
	})
	defer unsubscribe()

	// Initial empty loads
	assert.Empty(t, receive(t, controlsCh).Apps)
	assert.Empty(t, receive(t, blocksCh))

	require.NoError(t, w.SetAppBlocked(ctx, "com.example.game", true))
	require.Eventually(t, func() bool {
		select {
		case s := <-controlsCh:
			return s.Apps["com.example.game"].Blocked
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.SetRemoteBlock(ctx, "com.example.chat", "", ""))
	require.Eventually(t, func() bool {
		select {
		case b := <-blocksCh:
			_, ok := b["com.example.chat"]
			return ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		var zero T
		return zero
	}
}

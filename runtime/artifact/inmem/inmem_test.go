package inmem

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/finsight-ai/finsight/runtime/artifact"
)

func TestPutGetRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()
	uid, err := store.Put(ctx, artifact.KindDocumentText, []byte("10-K excerpt"), "filing_adapter", "sec", "filing")
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	got, err := store.Get(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, uid, got.UID)
	require.Equal(t, artifact.KindDocumentText, got.Kind)
	require.Equal(t, []byte("10-K excerpt"), got.Payload)
	require.Equal(t, "filing_adapter", got.Producer)
	require.Equal(t, []string{"sec", "filing"}, got.Tags)
	require.False(t, got.CreatedAt.IsZero())
}

func TestGetUnknownUID(t *testing.T) {
	store := New()
	_, err := store.Get(context.Background(), "no-such-uid")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestPutRejectsInvalidKind(t *testing.T) {
	store := New()
	_, err := store.Put(context.Background(), artifact.Kind("spreadsheet"), []byte("x"), "test")
	require.ErrorIs(t, err, artifact.ErrInvalidKind)
}

func TestPutRejectsOversizedPayload(t *testing.T) {
	store := New(WithMaxPayloadBytes(8))
	_, err := store.Put(context.Background(), artifact.KindDocumentText, []byte("way past the limit"), "test")
	require.ErrorIs(t, err, artifact.ErrPayloadTooLarge)
}

func TestStoredArtifactIsImmutable(t *testing.T) {
	store := New()
	ctx := context.Background()
	payload := []byte("original")
	tags := []string{"a"}
	uid, err := store.Put(ctx, artifact.KindAnalysisNote, payload, "test", tags...)
	require.NoError(t, err)

	// Mutating caller-owned and returned slices must not affect the store.
	payload[0] = 'X'
	tags[0] = "b"
	got, err := store.Get(ctx, uid)
	require.NoError(t, err)
	got.Payload[0] = 'Y'
	got.Tags[0] = "c"

	again, err := store.Get(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again.Payload)
	require.Equal(t, []string{"a"}, again.Tags)
}

func TestQueryPreservesInsertionOrder(t *testing.T) {
	store := New()
	ctx := context.Background()
	var want []string
	for i := 0; i < 5; i++ {
		uid, err := store.Put(ctx, artifact.KindTimeSeries, []byte(fmt.Sprintf("series-%d", i)), "macro_adapter", "macro")
		require.NoError(t, err)
		want = append(want, uid)
	}
	_, err := store.Put(ctx, artifact.KindDocumentText, []byte("other"), "test")
	require.NoError(t, err)

	var got []string
	for a := range store.Query(ctx, artifact.Filter{Kind: artifact.KindTimeSeries}) {
		got = append(got, a.UID)
	}
	require.Equal(t, want, got)

	// Restartable: ranging again yields the same sequence.
	var again []string
	for a := range store.Query(ctx, artifact.Filter{Kind: artifact.KindTimeSeries}) {
		again = append(again, a.UID)
	}
	require.Equal(t, want, again)
}

func TestQueryByTags(t *testing.T) {
	store := New()
	ctx := context.Background()
	uid, err := store.Put(ctx, artifact.KindRawTable, []byte("prices"), "market_adapter", "market", "price")
	require.NoError(t, err)
	_, err = store.Put(ctx, artifact.KindRawTable, []byte("volumes"), "market_adapter", "market")
	require.NoError(t, err)

	var got []string
	for a := range store.Query(ctx, artifact.Filter{Tags: []string{"market", "price"}}) {
		got = append(got, a.UID)
	}
	require.Equal(t, []string{uid}, got)
}

func TestSnapshotIsPointInTime(t *testing.T) {
	store := New()
	ctx := context.Background()
	uid, err := store.Put(ctx, artifact.KindDocumentText, []byte("before"), "test")
	require.NoError(t, err)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)

	_, err = store.Put(ctx, artifact.KindDocumentText, []byte("after"), "test")
	require.NoError(t, err)

	require.Len(t, snap.Artifacts, 1)
	require.True(t, snap.Contains(uid))
	got, err := snap.Get(uid)
	require.NoError(t, err)
	require.Equal(t, []byte("before"), got.Payload)
	_, err = snap.Get("written-later")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestConcurrentPutsAssignUniqueUIDs(t *testing.T) {
	store := New()
	ctx := context.Background()
	const writers, perWriter = 8, 50

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				uid, err := store.Put(ctx, artifact.KindCodeResult, []byte("r"), fmt.Sprintf("writer-%d", w))
				require.NoError(t, err)
				mu.Lock()
				require.False(t, seen[uid], "uid reused: %s", uid)
				seen[uid] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, writers*perWriter, store.Len())
}

// TestUIDNeverReusedProperty checks that any interleaving of successful and
// failed puts never hands out a duplicate UID.
func TestUIDNeverReusedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	properties.Property("uids unique across mixed put outcomes", prop.ForAll(
		func(n int) bool {
			store := New(WithMaxPayloadBytes(4))
			ctx := context.Background()
			seen := make(map[string]bool)
			for i := 0; i < n; i++ {
				if i%3 == 2 {
					// Oversized payload: the put fails and must not burn a UID
					// that a later put could reuse.
					if _, err := store.Put(ctx, artifact.KindCodeResult, []byte("toolarge"), "p"); err == nil {
						return false
					}
					continue
				}
				uid, err := store.Put(ctx, artifact.KindCodeResult, []byte("ok"), "p")
				if err != nil || seen[uid] {
					return false
				}
				seen[uid] = true
			}
			return true
		},
		gen.IntRange(1, 60),
	))
	properties.TestingRun(t)
}

func TestClockOverride(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := New(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	uid, err := store.Put(ctx, artifact.KindAnalysisNote, []byte("n"), "test")
	require.NoError(t, err)
	got, err := store.Get(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, fixed, got.CreatedAt)
}

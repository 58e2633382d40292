package retryqueue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalcrm/synccore/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.store")
	store, err := Open(t.Context(), path, 2, 3, []time.Duration{time.Second, 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueUpsertsByExternalID(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	require.NoError(t, store.Enqueue(t.Context(), "F1_1", models.CanonicalRecord{ExternalID: "F1_1"}, now))
	require.NoError(t, store.Enqueue(t.Context(), "F1_1", models.CanonicalRecord{ExternalID: "F1_1", DoctorName: "Dr. Smith"}, now))

	size, err := store.Size(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	items, err := store.Due(t.Context(), now)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Dr. Smith", items[0].Canonical.DoctorName)
}

func TestQueueCapRejectsBeyondMaxSize(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	require.NoError(t, store.Enqueue(t.Context(), "F1_1", models.CanonicalRecord{ExternalID: "F1_1"}, now))
	require.NoError(t, store.Enqueue(t.Context(), "F1_2", models.CanonicalRecord{ExternalID: "F1_2"}, now))

	err := store.Enqueue(t.Context(), "F1_3", models.CanonicalRecord{ExternalID: "F1_3"}, now)
	require.Error(t, err)

	size, err := store.Size(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, size, "rejecting the new item must not evict an existing one")
}

func TestMarkFailureAdvancesNextAttemptByConfiguredDelay(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	require.NoError(t, store.Enqueue(t.Context(), "F1_1", models.CanonicalRecord{ExternalID: "F1_1"}, now))
	require.NoError(t, store.MarkFailure(t.Context(), "F1_1", assertErr{}, now))

	items, err := store.Due(t.Context(), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].AttemptCount)
	assert.WithinDuration(t, now.Add(time.Second), items[0].NextAttemptAt, time.Millisecond)
}

func TestSetDelaysAppliesToSubsequentFailures(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	store.SetDelays([]time.Duration{5 * time.Minute})

	require.NoError(t, store.Enqueue(t.Context(), "F1_1", models.CanonicalRecord{ExternalID: "F1_1"}, now))
	require.NoError(t, store.MarkFailure(t.Context(), "F1_1", assertErr{}, now))

	items, err := store.Due(t.Context(), now.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.WithinDuration(t, now.Add(5*time.Minute), items[0].NextAttemptAt, time.Millisecond)
}

func TestMarkSuccessRemovesItem(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	require.NoError(t, store.Enqueue(t.Context(), "F1_1", models.CanonicalRecord{ExternalID: "F1_1"}, now))
	require.NoError(t, store.MarkSuccess(t.Context(), "F1_1"))

	size, err := store.Size(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestPruneMovesExhaustedItemsToDeadLetters(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	require.NoError(t, store.Enqueue(t.Context(), "F1_1", models.CanonicalRecord{ExternalID: "F1_1"}, now))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.MarkFailure(t.Context(), "F1_1", assertErr{}, now))
	}

	n, err := store.Prune(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := store.Size(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	dead, err := store.DeadLetters(t.Context())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "F1_1", dead[0].ExternalID)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

// nolint:all // test package
package keystore

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("file:" + t.Name() + "?mode=memory&cache=shared&_busy_timeout=5000")
	require.NoError(t, err)

	return store
}

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 32)
}

func TestAddPendingAssignsNextVersion(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.AddPending(ctx, "TRM00001", "bank-001", KeyTypeTPK, testKey(0x01), "rot-1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, CheckValue(testKey(0x01)), first.CheckValue)

	require.NoError(t, store.Activate(ctx, "TRM00001", KeyTypeTPK, first.Version))

	second, err := store.AddPending(ctx, "TRM00001", "bank-001", KeyTypeTPK, testKey(0x02), "rot-2")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
}

func TestAddPendingConflict(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddPending(ctx, "TRM00001", "bank-001", KeyTypeTSK, testKey(0x01), "rot-1")
	require.NoError(t, err)

	_, err = store.AddPending(ctx, "TRM00001", "bank-001", KeyTypeTSK, testKey(0x02), "rot-2")
	require.ErrorIs(t, err, ErrRotationConflict)

	// A different slot is unaffected.
	_, err = store.AddPending(ctx, "TRM00001", "bank-001", KeyTypeTPK, testKey(0x03), "rot-3")
	require.NoError(t, err)
}

func TestActivateAtomicity(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	v1, err := store.Provision(ctx, "TRM00002", "bank-001", KeyTypeTPK, testKey(0x01))
	require.NoError(t, err)
	require.Equal(t, StatusActive, v1.Status)
	require.NotNil(t, v1.EffectiveFrom)

	pending, err := store.AddPending(ctx, "TRM00002", "bank-001", KeyTypeTPK, testKey(0x02), "rot-1")
	require.NoError(t, err)
	require.NoError(t, store.Activate(ctx, "TRM00002", KeyTypeTPK, pending.Version))

	active, err := store.GetActive(ctx, "TRM00002", KeyTypeTPK)
	require.NoError(t, err)
	assert.Equal(t, pending.Version, active.Version)
	require.NotNil(t, active.EffectiveFrom)

	expired, err := store.GetByVersion(ctx, "TRM00002", KeyTypeTPK, v1.Version)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)
	require.NotNil(t, expired.EffectiveUntil)
	assert.False(t, expired.EffectiveUntil.Before(*expired.EffectiveFrom))

	// Exactly one valid ACTIVE record remains.
	valid, err := store.GetValidKeys(ctx, "TRM00002", KeyTypeTPK)
	require.NoError(t, err)
	require.Len(t, valid, 1)
	assert.Equal(t, StatusActive, valid[0].Status)
}

func TestActivateMissingPending(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.Activate(context.Background(), "TRM00003", KeyTypeTSK, 7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetValidKeysOrder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Provision(ctx, "TRM00004", "bank-001", KeyTypeTSK, testKey(0x01))
	require.NoError(t, err)
	pending, err := store.AddPending(ctx, "TRM00004", "bank-001", KeyTypeTSK, testKey(0x02), "rot-1")
	require.NoError(t, err)

	valid, err := store.GetValidKeys(ctx, "TRM00004", KeyTypeTSK)
	require.NoError(t, err)
	require.Len(t, valid, 2)
	assert.Equal(t, StatusPending, valid[0].Status)
	assert.Equal(t, pending.Version, valid[0].Version)
	assert.Equal(t, StatusActive, valid[1].Status)
}

func TestRemovePending(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddPending(ctx, "TRM00005", "bank-001", KeyTypeTPK, testKey(0x01), "rot-1")
	require.NoError(t, err)
	require.NoError(t, store.RemovePending(ctx, "TRM00005", KeyTypeTPK))

	valid, err := store.GetValidKeys(ctx, "TRM00005", KeyTypeTPK)
	require.NoError(t, err)
	assert.Empty(t, valid)

	// Removing again is a no-op.
	require.NoError(t, store.RemovePending(ctx, "TRM00005", KeyTypeTPK))
}

func TestGetActiveNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, err := store.GetActive(context.Background(), "TRM09999", KeyTypeTPK)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentAddPendingSingleWinner(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.AddPending(ctx, "TRM00006", "bank-001", KeyTypeTSK,
				testKey(byte(i)), "rot-concurrent")
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrRotationConflict)
		}
	}
	assert.Equal(t, 1, succeeded)

	valid, err := store.GetValidKeys(ctx, "TRM00006", KeyTypeTSK)
	require.NoError(t, err)
	assert.Len(t, valid, 1)
}

func TestParseKeyType(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"TPK", "tsk", "Tmk"} {
		_, err := ParseKeyType(s)
		require.NoError(t, err)
	}

	_, err := ParseKeyType("ZMK")
	assert.Error(t, err)
}

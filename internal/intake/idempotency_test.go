package intake

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/taxintake/internal/answers"
	"github.com/pitabwire/taxintake/model"
)

func testUpdateResult() UpdateResult {
	return UpdateResult{
		CaseID:   "case-1",
		ClientID: "client-1",
		Answers:  model.AnswerMap{"hasW2": model.Bool(true), "w2Count": model.Number(2)},
		Changes:  []model.FieldDiff{{Field: "w2Count", OldValue: nil, NewValue: 2.0}},
	}
}

func newRedisStore(t *testing.T) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIdempotencyStore(client), mr
}

func TestIdempotencyStores(t *testing.T) {
	stores := map[string]func(t *testing.T) IdempotencyStore{
		"memory": func(*testing.T) IdempotencyStore { return NewMemoryIdempotencyStore() },
		"redis": func(t *testing.T) IdempotencyStore {
			s, _ := newRedisStore(t)
			return s
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FormatIdempotencyKey("case-1", "k1")

			t.Run("not found", func(t *testing.T) {
				result, found, err := newStore(t).Check(ctx, key, "hash-a")
				require.NoError(t, err)
				assert.False(t, found)
				assert.Nil(t, result)
			})

			t.Run("store and check", func(t *testing.T) {
				store := newStore(t)
				require.NoError(t, store.Store(ctx, key, "hash-a", testUpdateResult(), time.Minute))

				result, found, err := store.Check(ctx, key, "hash-a")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, "client-1", result.ClientID)
				assert.True(t, result.Answers["hasW2"].Equal(model.Bool(true)))
				assert.True(t, result.Answers["w2Count"].Equal(model.Number(2)))
				require.Len(t, result.Changes, 1)
				assert.Equal(t, "w2Count", result.Changes[0].Field)
			})

			t.Run("conflict on different input", func(t *testing.T) {
				store := newStore(t)
				require.NoError(t, store.Store(ctx, key, "hash-a", testUpdateResult(), time.Minute))

				_, found, err := store.Check(ctx, key, "hash-b")
				assert.True(t, found)
				require.Error(t, err)
				assert.Equal(t, model.ErrConflict, model.ErrorCode(err))
			})
		})
	}
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "k", "h", testUpdateResult(), time.Minute))
	now = now.Add(2 * time.Minute)

	_, found, err := store.Check(ctx, "k", "h")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, store.Len())
}

func TestMemoryIdempotencyStore_ReturnsCopy(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	require.NoError(t, store.Store(ctx, "k", "h", testUpdateResult(), time.Minute))

	first, _, _ := store.Check(ctx, "k", "h")
	first.Answers["hasW2"] = model.Bool(false)

	second, _, _ := store.Check(ctx, "k", "h")
	assert.True(t, second.Answers["hasW2"].Equal(model.Bool(true)))
}

func TestRedisIdempotencyStore_TTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "k", "h", testUpdateResult(), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	_, found, err := store.Check(ctx, "k", "h")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisIdempotencyStore_Errors(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("k", "not json"))
	_, _, err := store.Check(ctx, "k", "h")
	assert.ErrorContains(t, err, "unmarshal idempotency entry")

	require.NoError(t, store.HealthCheck(ctx))
	mr.Close()
	assert.Error(t, store.HealthCheck(ctx))
	_, _, err = store.Check(ctx, "k", "h")
	assert.ErrorContains(t, err, "redis get")
}

func TestHashPatch(t *testing.T) {
	a, err := HashPatch(answers.Patch{"hasW2": true, "w2Count": 2})
	require.NoError(t, err)
	b, err := HashPatch(answers.Patch{"w2Count": 2, "hasW2": true})
	require.NoError(t, err)
	c, err := HashPatch(answers.Patch{"hasW2": false, "w2Count": 2})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestFormatIdempotencyKey(t *testing.T) {
	assert.Equal(t, "idem:answers:case-9:abc", FormatIdempotencyKey("case-9", "abc"))
}

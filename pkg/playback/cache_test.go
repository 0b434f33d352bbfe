package playback

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/geochat/pkg/kv"
	"github.com/kabili207/geochat/pkg/models"
	"github.com/stretchr/testify/require"
)

type memMessages struct {
	mu      sync.Mutex
	rows    []models.Message
	queries int
}

func (m *memMessages) Append(ctx context.Context, msg *models.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, *msg)
	return msg.ID, nil
}

func (m *memMessages) QueryRecent(ctx context.Context, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	out := []models.Message{}
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.rows[i])
	}
	return out, nil
}

func (m *memMessages) DeleteBeyond(ctx context.Context, offset int) (int64, error) {
	return 0, nil
}

func post(t *testing.T, c *Cache, db *memMessages, i int) {
	t.Helper()
	msg := &models.Message{
		Author:    "u",
		Body:      fmt.Sprintf("m%d", i),
		CreatedAt: time.Unix(int64(1700000000+i), 0),
	}
	_, err := db.Append(context.Background(), msg)
	require.NoError(t, err)
	require.NoError(t, c.Append(context.Background(), msg.View()))
}

func newTestCache(t *testing.T) (*Cache, *memMessages, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore(0)
	t.Cleanup(store.Close)
	db := &memMessages{}
	return New(store, db, Options{}), db, store
}

func requireLastHundred(t *testing.T, views []models.MessageView, total int) {
	t.Helper()
	require.Len(t, views, 100)
	for i, v := range views {
		require.Equal(t, fmt.Sprintf("m%d", total-100+i), v.Msg)
	}
}

func TestPlaybackCapFromColdCache(t *testing.T) {
	c, db, _ := newTestCache(t)
	for i := 0; i < 150; i++ {
		post(t, c, db, i)
	}

	views, err := c.Get(context.Background())
	require.NoError(t, err)
	requireLastHundred(t, views, 150)
}

func TestPlaybackCapWithWarmCache(t *testing.T) {
	c, db, _ := newTestCache(t)
	ctx := context.Background()

	views, err := c.Get(ctx)
	require.NoError(t, err)
	require.Empty(t, views)

	for i := 0; i < 150; i++ {
		post(t, c, db, i)
	}

	views, err = c.Get(ctx)
	require.NoError(t, err)
	requireLastHundred(t, views, 150)
	// Served from cache after the initial rebuild.
	require.Equal(t, 1, db.queries)
}

func TestAppendWithoutCacheDoesNotCreateEntry(t *testing.T) {
	c, _, store := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Append(ctx, models.MessageView{Msg: "lost"}))
	_, err := store.Get(ctx, cacheKey)
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestGetRebuildsAfterEviction(t *testing.T) {
	c, db, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		post(t, c, db, i)
	}
	_, err := c.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx))
	post(t, c, db, 3)

	views, err := c.Get(ctx)
	require.NoError(t, err)
	require.Len(t, views, 4)
	require.Equal(t, "m0", views[0].Msg)
	require.Equal(t, "m3", views[3].Msg)
	require.Equal(t, 2, db.queries)
}

func TestCorruptCacheIsRebuilt(t *testing.T) {
	c, db, store := newTestCache(t)
	ctx := context.Background()
	post(t, c, db, 0)
	require.NoError(t, store.Set(ctx, cacheKey, []byte("{{"), 0))

	// Append discards the corrupt entry instead of extending it.
	require.NoError(t, c.Append(ctx, models.MessageView{Msg: "x"}))
	_, err := store.Get(ctx, cacheKey)
	require.ErrorIs(t, err, kv.ErrNotFound)

	views, err := c.Get(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, "m0", views[0].Msg)
}

func TestNullCacheIsRebuilt(t *testing.T) {
	c, db, store := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, cacheKey, []byte("null"), 0))

	views, err := c.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, views)
	require.Empty(t, views)

	post(t, c, db, 0)
	require.NoError(t, store.Set(ctx, cacheKey, []byte("null"), 0))
	views, err = c.Get(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, "m0", views[0].Msg)
}

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kabili207/geochat/pkg/models"
	"github.com/stretchr/testify/require"
)

func openTestStores(t *testing.T) *Stores {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendN(t *testing.T, ms MessageStore, n int, start time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		m := &models.Message{
			Author:    "u",
			Nick:      "nick",
			Body:      fmt.Sprintf("msg %d", i),
			OriginIP:  "8.8.8.8",
			Latitude:  1.5,
			Longitude: -2.5,
			CreatedAt: start.Add(time.Duration(i) * time.Second),
		}
		id, err := ms.Append(context.Background(), m)
		require.NoError(t, err)
		require.Equal(t, id, m.ID)
	}
}

func TestAppendAndQueryRecent(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	recent, err := s.Messages.QueryRecent(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, recent)

	appendN(t, s.Messages, 5, start)

	recent, err = s.Messages.QueryRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "msg 4", recent[0].Body)
	require.Equal(t, "msg 3", recent[1].Body)
	require.Equal(t, "msg 2", recent[2].Body)
	require.True(t, recent[0].CreatedAt.Equal(start.Add(4*time.Second)))
	require.Equal(t, 1.5, recent[0].Latitude)
	require.Equal(t, "8.8.8.8", recent[0].OriginIP)
}

func TestDeleteBeyondKeepsMostRecent(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()
	appendN(t, s.Messages, 120, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	deleted, err := s.Messages.DeleteBeyond(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(20), deleted)

	recent, err := s.Messages.QueryRecent(ctx, 500)
	require.NoError(t, err)
	require.Len(t, recent, 100)
	require.Equal(t, "msg 119", recent[0].Body)
	require.Equal(t, "msg 20", recent[99].Body)

	deleted, err = s.Messages.DeleteBeyond(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	require.Error(t, err)
}

package squelch

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kabili207/geochat/pkg/kv"
	"github.com/kabili207/geochat/pkg/models"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T) (*Limiter, *kv.MemoryStore, *fakeClock) {
	t.Helper()
	store := kv.NewMemoryStore(0)
	t.Cleanup(store.Close)
	clk := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(store, Options{Now: clk.Now}), store, clk
}

func seed(t *testing.T, store kv.Store, user string, score float64, at time.Time) {
	t.Helper()
	require.NoError(t, kv.SetJSON(context.Background(), store, keyPrefix+user, state{Score: score, UpdatedAt: at}, 0))
}

func TestUnknownUserScoresZeroWithoutState(t *testing.T) {
	l, store, _ := newTestLimiter(t)
	ctx := context.Background()

	score, err := l.Score(ctx, "nobody")
	require.NoError(t, err)
	require.Zero(t, score)

	_, err = store.Get(ctx, keyPrefix+"nobody")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestDecayFormula(t *testing.T) {
	l, store, clk := newTestLimiter(t)
	seed(t, store, "u", 2.0, clk.Now().Add(-600*time.Second))

	score, err := l.Score(context.Background(), "u")
	require.NoError(t, err)
	require.InDelta(t, 2.0*math.Exp(-1), score, 1e-9)
	require.InDelta(t, 0.7358, score, 1e-4)
}

func TestDecayIsMonotonic(t *testing.T) {
	l, store, clk := newTestLimiter(t)
	ctx := context.Background()
	seed(t, store, "u", 3.0, clk.Now())

	prev := math.Inf(1)
	for i := 0; i < 40; i++ {
		clk.Advance(90 * time.Second)
		score, err := l.Score(ctx, "u")
		require.NoError(t, err)
		require.GreaterOrEqual(t, score, 0.0)
		if prev > 0 {
			require.Less(t, score, prev)
		} else {
			require.Zero(t, score)
		}
		prev = score
	}
	require.Zero(t, prev)

	// Once the score falls under the floor the state is dropped.
	_, err := store.Get(ctx, keyPrefix+"u")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestThresholdGate(t *testing.T) {
	l, store, clk := newTestLimiter(t)
	ctx := context.Background()

	seed(t, store, "at", 1.8, clk.Now())
	err := l.Check(ctx, "at")
	var rl *models.RateLimitError
	require.True(t, errors.As(err, &rl))
	require.InDelta(t, 1.8, rl.Score, 1e-9)

	seed(t, store, "below", 1.7999, clk.Now())
	require.NoError(t, l.Check(ctx, "below"))
}

func TestViolationsAccumulateAndErode(t *testing.T) {
	l, _, clk := newTestLimiter(t)
	ctx := context.Background()

	score, err := l.RecordViolation(ctx, "spammer")
	require.NoError(t, err)
	require.InDelta(t, 1.0, score, 1e-9)
	require.NoError(t, l.Check(ctx, "spammer"))

	clk.Advance(5 * time.Second)
	score, err = l.RecordViolation(ctx, "spammer")
	require.NoError(t, err)
	require.Greater(t, score, 1.8)
	require.Error(t, l.Check(ctx, "spammer"))

	// Ten minutes of silence brings the score back under the threshold.
	clk.Advance(10 * time.Minute)
	require.NoError(t, l.Check(ctx, "spammer"))
}

func TestCheckDoesNotIncrement(t *testing.T) {
	l, store, clk := newTestLimiter(t)
	ctx := context.Background()
	seed(t, store, "u", 1.0, clk.Now())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(ctx, "u"))
	}
	score, err := l.Score(ctx, "u")
	require.NoError(t, err)
	require.InDelta(t, 1.0, score, 1e-9)
}

func TestCorruptStateIsTreatedAsAbsent(t *testing.T) {
	l, store, _ := newTestLimiter(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, keyPrefix+"u", []byte("garbage"), 0))

	score, err := l.Score(ctx, "u")
	require.NoError(t, err)
	require.Zero(t, score)

	score, err = l.RecordViolation(ctx, "u")
	require.NoError(t, err)
	require.InDelta(t, 1.0, score, 1e-9)
}

// Package squelch implements the time-decaying abuse score that gates
// posting. A user's score decays exponentially and is only recomputed when
// the user is touched; there is no background sweep.
package squelch

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/kabili207/geochat/pkg/kv"
	"github.com/kabili207/geochat/pkg/models"
)

const (
	// DefaultThreshold is the score at or above which posts are rejected.
	DefaultThreshold = 1.8
	// DefaultDecayWindow is the exponential decay time constant.
	DefaultDecayWindow = 600 * time.Second
	// retainFloor is the score at or below which state is dropped.
	retainFloor = 0.1

	keyPrefix = "squelch:"
)

// Options configures a Limiter. Zero values fall back to the defaults.
type Options struct {
	Threshold   float64
	DecayWindow time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Limiter tracks squelch scores in a shared kv.Store.
type Limiter struct {
	store     kv.Store
	threshold float64
	window    time.Duration
	now       func() time.Time
	log       *slog.Logger
}

type state struct {
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a Limiter backed by store.
func New(store kv.Store, opts Options) *Limiter {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.DecayWindow <= 0 {
		opts.DecayWindow = DefaultDecayWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Limiter{
		store:     store,
		threshold: opts.Threshold,
		window:    opts.DecayWindow,
		now:       opts.Now,
		log:       opts.Logger.WithGroup("squelch"),
	}
}

// Score applies decay to the user's state and returns the result.
func (l *Limiter) Score(ctx context.Context, userID string) (float64, error) {
	return l.applyDecayAndIncrement(ctx, userID, 0)
}

// RecordViolation adds one to the user's decayed score.
func (l *Limiter) RecordViolation(ctx context.Context, userID string) (float64, error) {
	score, err := l.applyDecayAndIncrement(ctx, userID, 1)
	if err == nil {
		l.log.Info("violation recorded", "user", userID, "score", score)
	}
	return score, err
}

// Check is the posting gate. It returns a *models.RateLimitError when the
// decayed score is at or above the threshold.
func (l *Limiter) Check(ctx context.Context, userID string) error {
	score, err := l.Score(ctx, userID)
	if err != nil {
		return err
	}
	if score >= l.threshold {
		l.log.Warn("post rejected", "user", userID, "score", score)
		return &models.RateLimitError{Score: score}
	}
	return nil
}

func (l *Limiter) applyDecayAndIncrement(ctx context.Context, userID string, incr float64) (float64, error) {
	var score float64
	now := l.now()

	err := l.store.Update(ctx, keyPrefix+userID, 0, func(cur []byte, found bool) ([]byte, error) {
		var prev state
		if found && json.Unmarshal(cur, &prev) != nil {
			found = false
		}

		if !found {
			if incr == 0 {
				score = 0
				return nil, kv.Skip
			}
			score = incr
		} else {
			score = decay(prev.Score, now.Sub(prev.UpdatedAt), l.window) + incr
		}

		if score <= retainFloor {
			return nil, nil
		}
		return json.Marshal(state{Score: score, UpdatedAt: now})
	})
	if err != nil {
		return 0, err
	}
	if score <= retainFloor {
		return 0, nil
	}
	return score, nil
}

// decay returns score * e^(-elapsed/window). Negative elapsed time (clock
// skew between handlers) is treated as zero.
func decay(score float64, elapsed, window time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	fraction := elapsed.Seconds() / window.Seconds()
	return score * math.Exp(-fraction)
}

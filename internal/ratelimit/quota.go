package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRateLimitExceeded is returned when an actor used up a daily quota.
var ErrRateLimitExceeded = errors.New("daily rate limit exceeded")

// Action is a rate-limited trade operation.
type Action uint8

const (
	ActionCreateTrade Action = iota
	ActionAcceptRequest
	ActionCancelRequest
	ActionInitiateDispute

	NumActions
)

func (a Action) String() string {
	switch a {
	case ActionCreateTrade:
		return "create_trade"
	case ActionAcceptRequest:
		return "accept_request"
	case ActionCancelRequest:
		return "cancel_request"
	case ActionInitiateDispute:
		return "initiate_dispute"
	case NumActions:
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Limits holds the per-day ceiling of each action. Zero means unlimited.
type Limits [NumActions]uint32

// Window is one actor's counters for one UTC day.
type Window struct {
	Actor  string             `json:"actor"`
	Day    time.Time          `json:"day"`
	Counts [NumActions]uint32 `json:"counts"`
}

// Day truncates t to the start of its UTC day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// apply resets the window on rollover, then counts the action if it is
// below its ceiling.
func (w *Window) apply(action Action, limits Limits, now time.Time) error {
	if action >= NumActions {
		return fmt.Errorf("unknown action %d", action)
	}
	if day := Day(now); !w.Day.Equal(day) {
		w.Day = day
		w.Counts = [NumActions]uint32{}
	}
	if ceiling := limits[action]; ceiling > 0 && w.Counts[action] >= ceiling {
		return fmt.Errorf("%w: %s (%d per day)", ErrRateLimitExceeded, action, ceiling)
	}
	w.Counts[action]++
	return nil
}

// refund takes back one count of action if the window is still on the day
// of now.
func (w *Window) refund(action Action, now time.Time) {
	if action < NumActions && w.Day.Equal(Day(now)) && w.Counts[action] > 0 {
		w.Counts[action]--
	}
}

// QuotaStore persists quota windows. Increment must be atomic per actor.
type QuotaStore interface {
	// Increment loads the actor's window, calls fn on it and saves the
	// result only if fn succeeds.
	Increment(ctx context.Context, actor string, fn func(*Window) error) error
	Get(ctx context.Context, actor string) (*Window, error)
}

// Quota enforces per-actor daily action limits.
type Quota struct {
	store QuotaStore
}

// NewQuota creates a daily quota limiter.
func NewQuota(store QuotaStore) *Quota {
	return &Quota{store: store}
}

// CheckAndIncrement counts action for actor, or fails with
// ErrRateLimitExceeded without counting.
func (q *Quota) CheckAndIncrement(ctx context.Context, actor string, action Action, limits Limits, now time.Time) error {
	actor = strings.ToLower(actor)
	return q.store.Increment(ctx, actor, func(w *Window) error {
		return w.apply(action, limits, now)
	})
}

// Refund takes back a count made by CheckAndIncrement at now when the
// operation it guarded did not complete. After a day rollover it does nothing.
func (q *Quota) Refund(ctx context.Context, actor string, action Action, now time.Time) error {
	actor = strings.ToLower(actor)
	return q.store.Increment(ctx, actor, func(w *Window) error {
		w.refund(action, now)
		return nil
	})
}

// Usage returns the actor's counters for the day containing now.
func (q *Quota) Usage(ctx context.Context, actor string, now time.Time) (Window, error) {
	actor = strings.ToLower(actor)
	w, err := q.store.Get(ctx, actor)
	if err != nil {
		return Window{}, err
	}
	if w == nil || !w.Day.Equal(Day(now)) {
		return Window{Actor: actor, Day: Day(now)}, nil
	}
	return *w, nil
}

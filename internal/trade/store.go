package trade

import (
	"context"
	"strconv"
	"time"

	"github.com/mbd888/tradeescrow/internal/pagination"
)

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor resumes a listing after the item c names. A nil cursor starts
// from the beginning.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) {
		o.cursor = c
	}
}

// afterSeq is the event sequence number the cursor names, or 0.
func (o listOpts) afterSeq() int64 {
	if o.cursor == nil {
		return 0
	}
	n, _ := strconv.ParseInt(o.cursor.ID, 10, 64)
	return n
}

// Store persists trades. Update succeeds only when the stored Version equals
// t.Version, and bumps t.Version on success.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Update(ctx context.Context, t *Trade) error
	Delete(ctx context.Context, id string) error
	// ListByParty returns trades where addr is buyer or seller, newest
	// first, ties broken by ID.
	ListByParty(ctx context.Context, addr string, limit int, opts ...ListOption) ([]*Trade, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Trade, error)
	// ListExpired returns open requests and funded trades whose deadline is
	// at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error)
	// ListClosedBefore returns terminal trades closed before cutoff.
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Trade, error)
}

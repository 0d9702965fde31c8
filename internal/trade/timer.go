package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradeescrow/internal/metrics"
)

// Keeper periodically closes trades whose deadlines passed, re-issues lapsed
// randomness requests, finalizes fallback rounds and purges old records.
type Keeper struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// KeeperAddress is the actor recorded in history for keeper transitions.
const KeeperAddress = "keeper"

// NewKeeper creates a new trade keeper.
func NewKeeper(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Keeper{
		service:  service,
		store:    store,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the keeper loop is actively running.
func (k *Keeper) Running() bool {
	return k.running.Load()
}

// Start begins the keeper loop. Call in a goroutine.
func (k *Keeper) Start(ctx context.Context) {
	k.running.Store(true)
	defer k.running.Store(false)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		case <-ticker.C:
			k.RunOnce(ctx)
		}
	}
}

// Stop signals the keeper to stop. It is safe to call more than once.
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
}

// RunOnce performs a single sweep of every keeper task.
func (k *Keeper) RunOnce(ctx context.Context) {
	k.safe(ctx, "expire", k.expire)
	k.safe(ctx, "disputes", k.disputes)
	k.safe(ctx, "purge", k.purge)
}

func (k *Keeper) safe(ctx context.Context, task string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.KeeperRunsTotal.WithLabelValues(task, "panic").Inc()
			k.logger.Error("panic in trade keeper", "task", task, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(ctx); err != nil {
		metrics.KeeperRunsTotal.WithLabelValues(task, "error").Inc()
		k.logger.Warn("trade keeper task failed", "task", task, "error", err)
		return
	}
	metrics.KeeperRunsTotal.WithLabelValues(task, "ok").Inc()
}

func (k *Keeper) expire(ctx context.Context) error {
	expired, err := k.store.ListExpired(ctx, k.service.now(), k.batch)
	if err != nil {
		return fmt.Errorf("list expired trades: %w", err)
	}
	for _, t := range expired {
		var err error
		switch t.State {
		case StateRequestCreated, StateRequestAccepted:
			_, err = k.service.CancelRequest(ctx, t.ID, KeeperAddress)
		case StateEscrowFunded:
			_, err = k.service.RefundExpired(ctx, t.ID, KeeperAddress)
		default:
			continue
		}
		if err != nil {
			k.logger.Warn("failed to close expired trade", "trade", t.ID, "state", string(t.State), "error", err)
			continue
		}
		k.logger.Info("closed expired trade", "trade", t.ID, "state", string(t.State), "seller", t.Seller, "amount", t.Amount)
	}
	return nil
}

func (k *Keeper) disputes(ctx context.Context) error {
	disputed, err := k.store.ListByState(ctx, StateEscrowDisputed, k.batch)
	if err != nil {
		return fmt.Errorf("list disputed trades: %w", err)
	}
	now := k.service.now()
	for _, t := range disputed {
		if t.Arbitrator != "" || t.Dispute == nil {
			continue
		}
		if r := t.Dispute.Round; r != nil {
			if r.Ready(now) {
				if _, err := k.service.FinalizeRound(ctx, t.ID, KeeperAddress); err != nil {
					k.logger.Warn("failed to finalize fallback round", "trade", t.ID, "error", err)
				}
				continue
			}
			if !r.Failed {
				continue
			}
		}

		_, err := k.service.ReissueRandomness(ctx, t.ID, KeeperAddress)
		switch {
		case err == nil, errors.Is(err, ErrRandomnessOutstanding):
		case errors.Is(err, ErrUseFallback):
			if _, err := k.service.OpenFallback(ctx, t.ID, KeeperAddress); err != nil {
				k.logger.Warn("failed to open fallback round", "trade", t.ID, "error", err)
			}
		default:
			k.logger.Warn("failed to reissue randomness", "trade", t.ID, "error", err)
		}
	}
	return nil
}

func (k *Keeper) purge(ctx context.Context) error {
	p, err := k.service.snapshot(ctx)
	if err != nil {
		return err
	}
	closed, err := k.store.ListClosedBefore(ctx, k.service.now().Add(-p.GracePeriod), k.batch)
	if err != nil {
		return fmt.Errorf("list closed trades: %w", err)
	}
	for _, t := range closed {
		if err := k.service.Purge(ctx, t.ID); err != nil {
			k.logger.Warn("failed to purge trade", "trade", t.ID, "error", err)
		}
	}
	return nil
}

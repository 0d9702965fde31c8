package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/validation"
)

// RegisterRequest adds or refreshes a pool entry.
type RegisterRequest struct {
	Address    string `json:"address" binding:"required"`
	Currency   string `json:"currency" binding:"required"`
	Reputation uint32 `json:"reputation"`
	MaxCases   uint32 `json:"maxCases" binding:"required"`
}

// Service owns the arbitrator pools and the randomness request lifecycle.
type Service struct {
	store    Store
	oracle   Oracle
	settings SettingsSource
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an arbitration service.
func NewService(store Store, oracle Oracle, settings SettingsSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		oracle:   oracle,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register adds an arbitrator to a currency pool, or updates and reactivates
// an existing entry. Case counters survive re-registration.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Arbitrator, error) {
	currency, addr := normalize(req.Currency, req.Address)
	if errs := validation.Validate(
		validation.Required("currency", currency),
		validation.ValidCode("currency", currency),
		validation.Required("address", addr),
		validation.ValidAddress("address", addr),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArbitrator, errs.Error())
	}
	if req.Reputation > MaxReputation {
		return nil, fmt.Errorf("%w: reputation above %d", ErrInvalidArbitrator, MaxReputation)
	}
	if req.MaxCases == 0 {
		return nil, fmt.Errorf("%w: maxCases must be positive", ErrInvalidArbitrator)
	}

	cfg, err := s.settings.ArbitrationSettings(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	existing, err := s.store.Get(ctx, currency, addr)
	switch {
	case errors.Is(err, ErrArbitratorNotFound):
		existing = nil
	case err != nil:
		return nil, err
	}

	if existing == nil || !existing.Active {
		if cfg.MaxPoolSize > 0 {
			n, err := s.store.CountActive(ctx, currency)
			if err != nil {
				return nil, err
			}
			if n >= cfg.MaxPoolSize {
				return nil, ErrPoolFull
			}
		}
	}

	a := existing
	if a == nil {
		a = &Arbitrator{Address: addr, Currency: currency, RegisteredAt: now}
	}
	a.Reputation = req.Reputation
	a.MaxCases = req.MaxCases
	a.Active = true
	a.UpdatedAt = now

	if err := s.store.Upsert(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to register arbitrator: %w", err)
	}
	s.logger.Info("arbitrator registered", "currency", currency, "address", addr,
		"reputation", a.Reputation, "maxCases", a.MaxCases)
	return a, nil
}

// Deactivate removes an arbitrator from future selection. Open cases stay
// assigned and can still be completed.
func (s *Service) Deactivate(ctx context.Context, currency, addr string) (*Arbitrator, error) {
	currency, addr = normalize(currency, addr)
	a, err := s.store.Get(ctx, currency, addr)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return a, nil
	}
	a.Active = false
	a.UpdatedAt = s.now()
	if err := s.store.Upsert(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to deactivate arbitrator: %w", err)
	}
	s.logger.Info("arbitrator deactivated", "currency", currency, "address", addr)
	return a, nil
}

// Get returns one pool entry.
func (s *Service) Get(ctx context.Context, currency, addr string) (*Arbitrator, error) {
	currency, addr = normalize(currency, addr)
	return s.store.Get(ctx, currency, addr)
}

// List returns the whole pool of a currency.
func (s *Service) List(ctx context.Context, currency string) ([]*Arbitrator, error) {
	currency, _ = normalize(currency, "")
	return s.store.List(ctx, currency)
}

// Eligible returns the pool entries that can take a new case.
func (s *Service) Eligible(ctx context.Context, currency string) ([]*Arbitrator, error) {
	pool, err := s.List(ctx, currency)
	if err != nil {
		return nil, err
	}
	out := pool[:0]
	for _, a := range pool {
		if a.Eligible() {
			out = append(out, a)
		}
	}
	return out, nil
}

// Select picks an arbitrator for currency from random, skipping exclude.
func (s *Service) Select(ctx context.Context, currency string, random *uint256.Int, exclude ...string) (*Arbitrator, error) {
	cfg, err := s.settings.ArbitrationSettings(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := s.List(ctx, currency)
	if err != nil {
		return nil, err
	}
	return Select(pool, random, cfg.SelectionRange, exclude...)
}

// AssignCase books a case on the arbitrator's capacity.
func (s *Service) AssignCase(ctx context.Context, currency, addr string) error {
	currency, addr = normalize(currency, addr)
	return s.store.AssignCase(ctx, currency, addr, s.now())
}

// CompleteCase releases a case slot; resolved cases count towards the
// arbitrator's track record.
func (s *Service) CompleteCase(ctx context.Context, currency, addr string, resolved bool) error {
	currency, addr = normalize(currency, addr)
	return s.store.CompleteCase(ctx, currency, addr, resolved, s.now())
}

// RequestRandomness records a new request valid for the configured window and
// forwards it to the oracle. When the oracle rejects the request it is marked
// failed so it can be re-issued immediately.
func (s *Service) RequestRandomness(ctx context.Context, tradeID, currency string) (*RandomnessRequest, error) {
	cfg, err := s.settings.ArbitrationSettings(ctx)
	if err != nil {
		return nil, err
	}
	validity := cfg.RandomnessValidity
	if validity <= 0 {
		validity = time.Hour
	}

	currency, _ = normalize(currency, "")
	now := s.now()
	req := &RandomnessRequest{
		ID:          idgen.WithPrefix("rnd_"),
		TradeID:     tradeID,
		Currency:    currency,
		Status:      RandomnessPending,
		RequestedAt: now,
		Deadline:    now.Add(validity),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to store randomness request: %w", err)
	}

	if err := s.oracle.RequestRandomness(ctx, req); err != nil {
		if ferr := s.store.FailRequest(ctx, req.ID); ferr != nil {
			s.logger.Error("failed to mark randomness request failed", "request", req.ID, "error", ferr)
		}
		req.Status = RandomnessFailed
		return req, fmt.Errorf("randomness oracle: %w", err)
	}
	s.logger.Info("randomness requested", "request", req.ID, "trade", tradeID, "deadline", req.Deadline)
	return req, nil
}

// GetRequest returns a randomness request.
func (s *Service) GetRequest(ctx context.Context, id string) (*RandomnessRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// ConsumeRandomness accepts the oracle's value for a pending request exactly
// once and before its deadline.
func (s *Service) ConsumeRandomness(ctx context.Context, id string, value *uint256.Int) (*RandomnessRequest, error) {
	if value == nil {
		return nil, ErrInvalidRandomness
	}
	now := s.now()
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case RandomnessConsumed:
		return nil, ErrRequestConsumed
	case RandomnessFailed:
		return nil, ErrRequestExpired
	case RandomnessPending:
		if req.Lapsed(now) {
			return nil, ErrRequestExpired
		}
	}
	return s.store.ConsumeRequest(ctx, id, value.Dec(), now)
}

// RestoreRandomness undoes ConsumeRandomness when the value could not be
// used. The request becomes consumable again until its deadline.
func (s *Service) RestoreRandomness(ctx context.Context, id string) error {
	if err := s.store.RestoreRequest(ctx, id); err != nil {
		return err
	}
	s.logger.Warn("randomness request restored", "request", id)
	return nil
}

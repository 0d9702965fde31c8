// Package server wires the trade escrow HTTP API together.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	_ "github.com/lib/pq"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/auth"
	"github.com/mbd888/tradeescrow/internal/circuitbreaker"
	"github.com/mbd888/tradeescrow/internal/config"
	"github.com/mbd888/tradeescrow/internal/extclient"
	"github.com/mbd888/tradeescrow/internal/health"
	"github.com/mbd888/tradeescrow/internal/ledger"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/ratelimit"
	"github.com/mbd888/tradeescrow/internal/realtime"
	"github.com/mbd888/tradeescrow/internal/reconciliation"
	"github.com/mbd888/tradeescrow/internal/security"
	"github.com/mbd888/tradeescrow/internal/trade"
	"github.com/mbd888/tradeescrow/internal/traces"
	"github.com/mbd888/tradeescrow/internal/validation"
	"github.com/mbd888/tradeescrow/internal/webhooks"
)

// replayCacheSize bounds the signed-request replay cache.
const replayCacheSize = 100_000

// Server wraps the HTTP server and every service behind it.
type Server struct {
	cfg     *config.Config
	db      *sql.DB
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	trades      *trade.Service
	tradeEvents trade.EventStore
	keeper      *trade.Keeper
	reconciler  *reconciliation.Timer
	arbitration *arbitration.Service
	ledger      *ledger.Ledger
	params      *extclient.ConfigParams
	hub         *realtime.Hub
	webhookSubs webhooks.Store
	webhooks    *webhooks.Dispatcher
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	// Development stand-ins, nil when the real collaborators are configured.
	devOffers   *extclient.MemoryOffers
	devPrices   *extclient.StaticPrices
	localOracle *extclient.LocalOracle

	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

type stores struct {
	trades      trade.Store
	events      trade.EventStore
	arbitration arbitration.Store
	ledger      ledger.Store
	quotas      ratelimit.QuotaStore
	webhooks    webhooks.Store
}

type collaborators struct {
	offers   trade.OfferService
	profiles trade.ProfileService
	prices   trade.PriceOracle
	oracle   arbitration.Oracle
}

// New creates a server with all dependencies.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	st, err := s.openStores()
	if err != nil {
		return nil, err
	}

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "dependency", key, "from", from.String(), "to", to.String())
	})
	collab, err := s.buildCollaborators(breaker)
	if err != nil {
		s.closeDB()
		return nil, err
	}

	s.params = extclient.NewConfigParams(cfg.TradeParams(), cfg.ArbitrationSettings())
	s.arbitration = arbitration.NewService(st.arbitration, collab.oracle, s.params, s.logger)
	s.ledger = ledger.New(st.ledger, s.logger)
	s.tradeEvents = st.events
	s.hub = realtime.NewHub(s.logger)
	s.webhookSubs = st.webhooks
	s.webhooks = webhooks.NewDispatcher(st.webhooks, webhooks.Config{ValidateURL: s.webhookURLValidator()}, s.logger)

	s.trades = trade.NewService(trade.Deps{
		Store:       st.trades,
		Ledger:      s.ledger,
		Params:      s.params,
		Offers:      collab.offers,
		Prices:      collab.prices,
		Arbitration: s.arbitration,
		Profiles:    collab.profiles,
		Quotas:      ratelimit.NewQuota(st.quotas),
	}).WithLogger(s.logger).WithPublisher(trade.Publishers{
		trade.LogPublisher{Logger: s.logger},
		trade.MetricsPublisher{},
		trade.StorePublisher{Store: st.events, Logger: s.logger},
		s.hub,
		s.webhooks,
	})

	if s.localOracle != nil {
		s.localOracle.SetDeliver(func(ctx context.Context, requestID string, value *uint256.Int) error {
			_, err := s.trades.ConsumeRandomness(ctx, requestID, value)
			return err
		})
	}

	s.keeper = trade.NewKeeper(s.trades, st.trades, cfg.KeeperInterval, s.logger)
	s.reconciler = reconciliation.NewTimer(
		reconciliation.NewService(st.trades, s.ledger, s.logger), cfg.ReconcileInterval, s.logger)

	s.health = health.NewRegistry(2 * time.Second)
	s.health.Register("keeper", health.Running(s.keeper.Running))
	s.health.Register("reconciliation", health.Running(s.reconciler.Running))
	if s.db != nil {
		s.health.Register("database", health.DB(s.db))
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openStores connects to Postgres when DATABASE_URL is set and falls back
// to in-memory stores otherwise.
func (s *Server) openStores() (stores, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		return stores{
			trades:      trade.NewMemoryStore(),
			events:      trade.NewMemoryEventStore(),
			arbitration: arbitration.NewMemoryStore(),
			ledger:      ledger.NewMemoryStore(),
			quotas:      ratelimit.NewMemoryQuotaStore(),
			webhooks:    webhooks.NewMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return stores{}, fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.Info("connected to postgres", "dsn", maskDSN(s.cfg.DatabaseURL))
	return stores{
		trades:      trade.NewPostgresStore(db),
		events:      trade.NewPostgresEventStore(db),
		arbitration: arbitration.NewPostgresStore(db),
		ledger:      ledger.NewPostgresStore(db),
		quotas:      ratelimit.NewPostgresQuotaStore(db),
		webhooks:    webhooks.NewPostgresStore(db),
	}, nil
}

// webhookURLValidator allows loopback and private webhook targets in
// development only.
func (s *Server) webhookURLValidator() func(string) error {
	if s.cfg.IsDevelopment() {
		return func(u string) error { return security.ValidateServiceURL(u, false) }
	}
	return security.ValidateEndpointURL
}

// buildCollaborators creates HTTP clients for every configured
// collaborator and development stand-ins for the rest. Config validation
// only allows stand-ins in development.
func (s *Server) buildCollaborators(breaker *circuitbreaker.Breaker) (collaborators, error) {
	cfg := s.cfg
	clientCfg := func(base string) extclient.Config {
		return extclient.Config{BaseURL: base, Token: cfg.ServiceToken, Timeout: 5 * time.Second}
	}
	var c collaborators

	if cfg.OfferServiceURL != "" {
		offers, err := extclient.NewOfferClient(clientCfg(cfg.OfferServiceURL), breaker)
		if err != nil {
			return c, fmt.Errorf("offer service: %w", err)
		}
		c.offers = offers
	} else {
		s.devOffers = extclient.NewMemoryOffers()
		c.offers = s.devOffers
		s.logger.Warn("offer service not configured, using in-memory offers")
	}

	if cfg.ProfileServiceURL != "" {
		profiles, err := extclient.NewProfileClient(clientCfg(cfg.ProfileServiceURL), breaker)
		if err != nil {
			return c, fmt.Errorf("profile service: %w", err)
		}
		c.profiles = profiles
	} else {
		c.profiles = extclient.NewMemoryProfiles()
		s.logger.Warn("profile service not configured, using in-memory profiles")
	}

	if cfg.PriceOracleURL != "" {
		prices, err := extclient.NewPriceClient(clientCfg(cfg.PriceOracleURL), breaker, cfg.PriceMaxAge)
		if err != nil {
			return c, fmt.Errorf("price oracle: %w", err)
		}
		c.prices = prices
	} else {
		s.devPrices = extclient.NewStaticPrices()
		s.devPrices.Set("USD", "USDC", trade.PriceScale)
		c.prices = s.devPrices
		s.logger.Warn("price oracle not configured, using static prices")
	}

	if cfg.RandomnessOracleURL != "" {
		callback := strings.TrimSuffix(cfg.PublicURL, "/") + "/v1/oracle/randomness"
		oracle, err := extclient.NewRandomnessClient(clientCfg(cfg.RandomnessOracleURL), breaker, callback)
		if err != nil {
			return c, fmt.Errorf("randomness oracle: %w", err)
		}
		c.oracle = oracle
	} else {
		s.localOracle = extclient.NewLocalOracle(cfg.DevRandomnessLatency, s.logger)
		c.oracle = s.localOracle
		s.logger.Warn("randomness oracle not configured, answering requests locally")
	}

	return c, nil
}

// maskDSN hides the password in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(traces.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())

	verifier := auth.NewVerifier(s.cfg.AuthSkew).WithReplayCache(replayCacheSize)
	s.router.Use(auth.Middleware(verifier))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router.Group("/health"))
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.PathParamMiddleware())

	tradeHandler := trade.NewHandler(s.trades, s.tradeEvents)
	arbHandler := arbitration.NewHandler(s.arbitration)
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)

	tradeHandler.RegisterRoutes(v1)
	arbHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)
	v1.GET("/params", s.getParamsHandler)

	protected := v1.Group("")
	protected.Use(auth.RequireTrader())
	tradeHandler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookSubs, s.webhookURLValidator()).RegisterProtectedRoutes(protected)

	oracle := v1.Group("/oracle")
	oracle.Use(auth.RequireOracle(s.cfg.OracleSecret))
	tradeHandler.RegisterOracleRoutes(oracle)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	tradeHandler.RegisterAdminRoutes(admin)
	arbHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	s.params.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	if s.devOffers != nil {
		admin.POST("/dev/offers", s.putOfferHandler)
	}
	if s.devPrices != nil {
		admin.POST("/dev/prices", s.setPriceHandler)
	}
}

// getParamsHandler serves the public part of the protocol configuration.
func (s *Server) getParamsHandler(c *gin.Context) {
	p, err := s.params.Params(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "params unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fees":             p.Fees,
		"requestExpiry":    p.RequestExpiry.String(),
		"fundedExpiry":     p.FundedExpiry.String(),
		"disputeDelay":     p.DisputeDelay.String(),
		"disputeWindow":    p.DisputeWindow.String(),
		"autoReleaseAfter": p.AutoReleaseAfter.String(),
		"maxActiveTrades":  p.MaxActiveTrades,
		"paused":           p.Paused,
		"pausedOps":        p.PausedOps,
	})
}

func (s *Server) putOfferHandler(c *gin.Context) {
	var o trade.Offer
	if err := c.ShouldBindJSON(&o); err != nil || o.ID == "" || !validation.IsValidEthAddress(o.Owner) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "offer needs an id and a valid owner"})
		return
	}
	o.Owner = strings.ToLower(o.Owner)
	s.devOffers.Put(o)
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

type priceBody struct {
	Currency string `json:"currency" binding:"required"`
	Asset    string `json:"asset" binding:"required"`
	Price    uint64 `json:"price,string" binding:"required"`
}

func (s *Server) setPriceHandler(c *gin.Context) {
	var req priceBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.ValidCode("currency", req.Currency),
		validation.ValidCode("asset", req.Asset),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error(), "details": errs})
		return
	}
	s.devPrices.Set(req.Currency, req.Asset, req.Price)
	c.JSON(http.StatusOK, gin.H{"currency": req.Currency, "asset": req.Asset, "price": fmt.Sprint(req.Price)})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	s.webhooks.Start(runCtx)
	go s.keeper.Start(runCtx)
	go s.reconciler.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.keeper.Stop()
	s.reconciler.Stop()
	s.webhooks.Stop()
	s.logger.Info("background workers stopped")

	if s.localOracle != nil {
		s.localOracle.Wait()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.closeDB()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ready reports whether the server has finished starting.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

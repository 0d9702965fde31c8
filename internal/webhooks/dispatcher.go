package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/retry"
	"github.com/mbd888/tradeescrow/internal/security"
	"github.com/mbd888/tradeescrow/internal/trade"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeescrow",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeescrow",
		Subsystem: "webhook",
		Name:      "dropped_events_total",
		Help:      "Trade events dropped because the delivery queue was full.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, droppedTotal)
}

// Config tunes a Dispatcher. Zero fields take defaults.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Retry     retry.Policy
	// ValidateURL is checked before every delivery. Defaults to
	// security.ValidateEndpointURL.
	ValidateURL func(string) error
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = retry.Policy{Attempts: 3, Base: time.Second, Max: 10 * time.Second}
	}
	if c.ValidateURL == nil {
		c.ValidateURL = security.ValidateEndpointURL
	}
	return c
}

// Dispatcher is a trade.Publisher that fans events out to the webhooks of
// every party of the trade. Publish only enqueues; workers started by Start
// do the lookups and HTTP calls.
type Dispatcher struct {
	store  Store
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	queue    chan trade.Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ trade.Publisher = (*Dispatcher)(nil)

func NewDispatcher(store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
		queue:  make(chan trade.Event, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
}

// WithClient replaces the HTTP client.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// Publish enqueues e. A full queue drops the event.
func (d *Dispatcher) Publish(_ context.Context, e trade.Event) {
	select {
	case d.queue <- e:
	default:
		droppedTotal.Inc()
		d.logger.Warn("webhook queue full, event dropped", "trade", e.TradeID, "kind", string(e.Kind))
	}
}

// Start launches the delivery workers. They exit when ctx ends or Stop is
// called.
func (d *Dispatcher) Start(ctx context.Context) {
	for range d.cfg.Workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.work(ctx)
		}()
	}
}

// Stop signals the workers and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case e := <-d.queue:
			d.dispatch(ctx, e)
		}
	}
}

// dispatch delivers e to each matching subscription of each party once.
func (d *Dispatcher) dispatch(ctx context.Context, e trade.Event) {
	seen := make(map[string]bool, len(e.Parties))
	for _, party := range e.Parties {
		if party == "" || seen[party] {
			continue
		}
		seen[party] = true

		subs, err := d.store.ListByTrader(ctx, party)
		if err != nil {
			d.logger.Warn("webhook lookup failed", "trader", party, "error", err)
			continue
		}
		for _, sub := range subs {
			if sub.Active && sub.Wants(e.Kind) {
				d.deliver(ctx, sub, e)
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, e trade.Event) {
	delivery := idgen.WithPrefix("whd_")
	body, err := json.Marshal(Payload{ID: delivery, Event: e})
	if err != nil {
		d.logger.Error("webhook payload encoding failed", "trade", e.TradeID, "error", err)
		return
	}

	err = d.cfg.Retry.Do(ctx, func(int) error { return d.post(ctx, sub, e.Kind, delivery, body) })
	now := d.now()
	if err != nil {
		deliveriesTotal.WithLabelValues("failed").Inc()
		sub.LastError = err.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
			sub.Active = false
			d.logger.Warn("webhook disabled after repeated failures", "webhook", sub.ID, "trader", sub.Trader)
		}
	} else {
		deliveriesTotal.WithLabelValues("delivered").Inc()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	}

	if err := d.store.Update(context.WithoutCancel(ctx), sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, kind trade.EventKind, delivery string, body []byte) error {
	if err := d.cfg.ValidateURL(sub.URL); err != nil {
		return retry.Permanent(fmt.Errorf("url rejected: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}

	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(kind))
	req.Header.Set(HeaderDelivery, delivery)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

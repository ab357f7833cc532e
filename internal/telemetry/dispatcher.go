// Package telemetry forwards request outcomes to a GA4 measurement protocol
// collector. Delivery is best effort and never blocks request handling.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/edgeproxy/config"
)

// Delivery results reported to an Observer.
const (
	ResultSent     = "sent"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
	ResultDropped  = "dropped"
	ResultShed     = "shed"
)

// Observer is notified of every delivery result.
type Observer interface {
	ObserveTelemetry(result string)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the collector HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithObserver registers a result observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithClientID replaces the client_id generator.
func WithClientID(fn func() string) Option {
	return func(d *Dispatcher) { d.clientID = fn }
}

// Dispatcher queues events and delivers them from a fixed worker pool.
type Dispatcher struct {
	enabled bool
	cfg     config.TelemetryConfig
	logger  *zap.Logger

	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[struct{}]
	observer    Observer
	clientID    func() string
	collectURL  string
	validateURL string

	mu     sync.RWMutex // guards queue close against Report
	closed bool
	queue  chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *Metrics
	dropLog rate.Sometimes
}

// New creates a dispatcher. When cfg.Enabled is false the dispatcher starts
// no workers and Report does nothing.
func New(cfg config.TelemetryConfig, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		enabled:  cfg.Enabled,
		cfg:      cfg,
		logger:   logger.Named("telemetry"),
		metrics:  &Metrics{},
		clientID: uuid.NewString,
		dropLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if !d.enabled {
		return d
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	d.client = &http.Client{Timeout: timeout}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan Event, queueSize)
	d.collectURL = endpointURL(cfg.Endpoint, collectPath, cfg.MeasurementID, cfg.APISecret)
	d.validateURL = endpointURL(cfg.Endpoint, validatePath, cfg.MeasurementID, cfg.APISecret)
	d.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:     "ga4",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("Collector circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// A permanent rejection means the collector is reachable.
		IsSuccessful: func(err error) bool {
			var se *statusError
			return err == nil || (errors.As(err, &se) && se.code < 500 && se.code != http.StatusTooManyRequests)
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})
	d.ctx, d.cancel = context.WithCancel(context.Background())

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enabled reports whether events are forwarded.
func (d *Dispatcher) Enabled() bool {
	return d != nil && d.enabled
}

// Report queues ev for delivery. It never blocks: when the queue is full the
// event is dropped.
func (d *Dispatcher) Report(ev Event) {
	if d == nil || !d.enabled {
		return
	}
	if d.cfg.DisableIPLogging {
		ev.ClientAddress = RedactedAddress
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	d.metrics.Reported.Add(1)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop()
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.drop()
	}
}

func (d *Dispatcher) drop() {
	d.metrics.Dropped.Add(1)
	d.observe(ResultDropped)
	d.dropLog.Do(func() {
		d.logger.Warn("Telemetry queue full, dropping events",
			zap.Int64("dropped_total", d.metrics.Dropped.Load()),
		)
	})
}

// Close stops accepting events and waits for queued events to be delivered.
// If ctx ends first, in-flight deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil || !d.enabled {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		if d.ctx.Err() != nil {
			d.metrics.Failed.Add(1)
			d.observe(ResultFailed)
			continue
		}
		d.dispatch(ev)
	}
}

// dispatch delivers one event. Failures are logged and counted, never
// propagated.
func (d *Dispatcher) dispatch(ev Event) {
	body, err := encode(d.cfg.EventName, d.clientID(), ev)
	if err != nil {
		d.fail(ev, err)
		return
	}

	if d.cfg.Validate {
		msgs, err := d.validate(d.ctx, body)
		if err != nil {
			d.fail(ev, err)
			return
		}
		if len(msgs) > 0 {
			d.metrics.Rejected.Add(1)
			d.observe(ResultRejected)
			d.logger.Warn("Telemetry event rejected by validation",
				zap.String("request_id", ev.RequestID),
				zap.Objects("messages", msgs),
			)
			return
		}
	}

	_, err = d.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, d.collect(d.ctx, body)
	})
	switch {
	case err == nil:
		d.metrics.Sent.Add(1)
		d.observe(ResultSent)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		d.metrics.Shed.Add(1)
		d.observe(ResultShed)
	default:
		d.fail(ev, err)
	}
}

func (d *Dispatcher) fail(ev Event, err error) {
	d.metrics.Failed.Add(1)
	d.observe(ResultFailed)
	d.logger.Warn("Telemetry delivery failed",
		zap.String("request_id", ev.RequestID),
		zap.String("outcome", string(ev.Outcome)),
		zap.Error(err),
	)
}

func (d *Dispatcher) observe(result string) {
	if d.observer != nil {
		d.observer.ObserveTelemetry(result)
	}
}

// Stats returns a snapshot of dispatcher state and metrics.
func (d *Dispatcher) Stats() DispatcherStats {
	if d == nil || !d.enabled {
		return DispatcherStats{}
	}
	return DispatcherStats{
		Enabled:   true,
		Validate:  d.cfg.Validate,
		Redacted:  d.cfg.DisableIPLogging,
		QueueSize: cap(d.queue),
		QueueUsed: len(d.queue),
		Breaker:   d.breaker.State().String(),
		Metrics:   d.metrics.Snapshot(),
	}
}

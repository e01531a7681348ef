// Package dispatch drains the priority queue, routes each envelope and
// forwards it to backend services in per-service batches. Failures re-enter
// the queue until the retry budget runs out.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mrkingu/knight-hero-server-sub001/internal/logging"
	"github.com/mrkingu/knight-hero-server-sub001/internal/metrics"
	"github.com/mrkingu/knight-hero-server-sub001/internal/queue"
	"github.com/mrkingu/knight-hero-server-sub001/internal/router"
	"github.com/mrkingu/knight-hero-server-sub001/internal/rpc"
)

// Rejection reasons surfaced in stats.
const (
	ReasonRouteFailed = "route_failed"
	ReasonNoClient    = "no_client"
	ReasonTransport   = "transport_error"
	ReasonTimeout     = "timeout"
	ReasonCircuitOpen = "circuit_open"
	ReasonMaxRetries  = "max_retries_exceeded"
)

// Options configures batching and the queue poll interval.
type Options struct {
	BatchSize      int           // flush when a batch reaches this size (default 100)
	BatchTimeout   time.Duration // flush a partial batch after this long (default 10ms)
	DequeueTimeout time.Duration // queue poll interval (default 100ms)
	RetryDelay     time.Duration // wait before a failed message re-enters the queue (0 = immediate)

	// Metrics is optional; nil disables Prometheus instrumentation.
	Metrics *metrics.Registry
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 10 * time.Millisecond
	}
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = 100 * time.Millisecond
	}
}

// routed pairs a dequeued message with its resolved destination.
type routed struct {
	qm    *queue.QueuedMessage
	route router.Route
}

// Dispatcher runs the pull loop and owns one BatchProcessor per service.
type Dispatcher struct {
	queue  *queue.Queue
	router *router.Router
	client *rpc.Client
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	processors map[string]*BatchProcessor

	cancel context.CancelFunc
	wg     sync.WaitGroup

	dispatched atomic.Int64
	dropped    atomic.Int64

	reasonMu sync.Mutex
	reasons  map[string]int64
}

// New builds a dispatcher; call Start to begin draining the queue.
func New(q *queue.Queue, r *router.Router, c *rpc.Client, opts Options, logger zerolog.Logger) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		queue:      q,
		router:     r,
		client:     c,
		opts:       opts,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		processors: make(map[string]*BatchProcessor),
		reasons:    make(map[string]int64),
	}
}

// Start launches the run loop.
func (d *Dispatcher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop halts the pull loop and drains every batch processor.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	procs := make([]*BatchProcessor, 0, len(d.processors))
	for _, p := range d.processors {
		procs = append(procs, p)
	}
	d.mu.Unlock()
	for _, p := range procs {
		p.stop()
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	defer logging.RecoverPanic(d.logger, "dispatcher")

	for {
		if ctx.Err() != nil {
			return
		}
		qm, ok := d.queue.Dequeue(d.opts.DequeueTimeout)
		if !ok {
			continue
		}

		route, err := d.router.Resolve(qm.Envelope)
		if err != nil {
			d.routeFailure(qm, err)
			continue
		}
		d.processor(route.Service).submit(routed{qm: qm, route: route})
	}
}

// routeFailure handles an unroutable envelope: unknown ids drop outright,
// missing instances burn a retry and come back later.
func (d *Dispatcher) routeFailure(qm *queue.QueuedMessage, err error) {
	if errors.Is(err, router.ErrUnknownMessageID) {
		d.drop(qm, ReasonRouteFailed, err)
		return
	}
	d.reject(ReasonRouteFailed)
	d.retryOrDrop(qm, err)
}

// retryOrDrop re-enqueues the message after the configured delay;
// exhausted budgets drop it, labeled by what originally failed.
func (d *Dispatcher) retryOrDrop(qm *queue.QueuedMessage, cause error) {
	retry := func() {
		if err := d.queue.Retry(qm); err != nil {
			if errors.Is(err, queue.ErrMaxRetries) {
				d.drop(qm, ReasonMaxRetries, cause)
				return
			}
			d.drop(qm, classify(cause), err)
		}
	}
	if d.opts.RetryDelay > 0 {
		time.AfterFunc(d.opts.RetryDelay, retry)
		return
	}
	retry()
}

func (d *Dispatcher) drop(qm *queue.QueuedMessage, reason string, err error) {
	d.dropped.Add(1)
	if m := d.opts.Metrics; m != nil {
		m.DispatchDropped.Inc()
	}
	d.reject(reason)
	d.logger.Warn().
		Int32("msg_id", qm.Envelope.MsgID).
		Str("player_id", qm.Envelope.PlayerID).
		Str("reason", reason).
		Int("retries", qm.RetryCount).
		Err(err).
		Msg("Message dropped")
}

func (d *Dispatcher) reject(reason string) {
	d.reasonMu.Lock()
	d.reasons[reason]++
	d.reasonMu.Unlock()
	if m := d.opts.Metrics; m != nil {
		m.DispatchFailed.WithLabelValues(reason).Inc()
	}
}

// processor returns the BatchProcessor for a service, starting it on first
// use.
func (d *Dispatcher) processor(service string) *BatchProcessor {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.processors[service]
	if !ok {
		p = newBatchProcessor(service, d, d.opts)
		d.processors[service] = p
	}
	return p
}

// Stats reports dispatch counters and rejection reasons.
func (d *Dispatcher) Stats() map[string]any {
	d.reasonMu.Lock()
	reasons := make(map[string]int64, len(d.reasons))
	for k, v := range d.reasons {
		reasons[k] = v
	}
	d.reasonMu.Unlock()
	return map[string]any{
		"dispatched": d.dispatched.Load(),
		"dropped":    d.dropped.Load(),
		"rejections": reasons,
	}
}

// BatchProcessor buffers routed messages for one service and flushes when
// the batch fills or the flush timer fires. The batch boundary amortizes
// wakeups only; delivery stays per-message.
type BatchProcessor struct {
	service string
	d       *Dispatcher
	opts    Options

	in   chan routed
	done chan struct{}
	once sync.Once
}

func newBatchProcessor(service string, d *Dispatcher, opts Options) *BatchProcessor {
	p := &BatchProcessor{
		service: service,
		d:       d,
		opts:    opts,
		in:      make(chan routed, opts.BatchSize*2),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *BatchProcessor) submit(item routed) {
	select {
	case p.in <- item:
	case <-p.done:
		// Shutting down; deliver inline so the message is not lost.
		p.sendOne(item)
	}
}

func (p *BatchProcessor) stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *BatchProcessor) run() {
	defer logging.RecoverPanic(p.d.logger, "batch_processor_"+p.service)

	batch := make([]routed, 0, p.opts.BatchSize)
	timer := time.NewTimer(p.opts.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.sendBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case item := <-p.in:
			batch = append(batch, item)
			if len(batch) == 1 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.opts.BatchTimeout)
			}
			if len(batch) >= p.opts.BatchSize {
				flush()
			}
		case <-timer.C:
			flush()
		case <-p.done:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case item := <-p.in:
					batch = append(batch, item)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (p *BatchProcessor) sendBatch(batch []routed) {
	if m := p.opts.Metrics; m != nil {
		m.BatchFlushSize.Observe(float64(len(batch)))
	}
	for _, item := range batch {
		p.sendOne(item)
	}
}

// sendOne forwards one envelope. Transport failures invalidate the cached
// route and re-enter the queue; application errors from the backend count
// as delivered (the backend answered).
func (p *BatchProcessor) sendOne(item routed) {
	d := p.d
	payload, err := json.Marshal(item.qm.Envelope)
	if err != nil {
		d.drop(item.qm, ReasonRouteFailed, err)
		return
	}

	req := &rpc.Request{
		ServiceName: item.route.Service,
		MethodName:  rpc.HandleMessage,
		Payload:     payload,
		Metadata: map[string]string{
			"player_id": item.qm.Envelope.PlayerID,
			"sequence":  item.qm.Envelope.Sequence,
		},
	}

	_, err = d.client.Call(context.Background(), item.route.Target, req)
	if err == nil {
		d.dispatched.Add(1)
		if m := d.opts.Metrics; m != nil {
			m.DispatchSent.WithLabelValues(item.route.Service).Inc()
		}
		return
	}

	var remote *rpc.RemoteError
	if errors.As(err, &remote) {
		// The service processed the message and returned an application
		// error; there is nothing the gateway can retry.
		d.dispatched.Add(1)
		if m := d.opts.Metrics; m != nil {
			m.DispatchSent.WithLabelValues(item.route.Service).Inc()
		}
		d.logger.Debug().
			Int32("msg_id", item.qm.Envelope.MsgID).
			Int32("code", remote.Code).
			Str("service", item.route.Service).
			Msg("Backend returned application error")
		return
	}

	d.reject(classify(err))
	d.router.Invalidate(item.qm.Envelope)
	d.retryOrDrop(item.qm, err)
}

func classify(err error) string {
	switch {
	case errors.Is(err, router.ErrUnknownMessageID), errors.Is(err, router.ErrNoHealthyInstance):
		return ReasonRouteFailed
	case errors.Is(err, rpc.ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(err, rpc.ErrNoChannel):
		return ReasonNoClient
	case errors.Is(err, rpc.ErrTimeout), status.Code(err) == codes.DeadlineExceeded:
		return ReasonTimeout
	default:
		return ReasonTransport
	}
}

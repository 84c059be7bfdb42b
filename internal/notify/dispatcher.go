package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coldeye/internal/clock"
	"github.com/coldeye/internal/events"
	"github.com/coldeye/internal/metrics"
	"github.com/coldeye/internal/models"
	"go.uber.org/zap"
)

// DefaultBackoff is the wait before each retry of a failed send.
var DefaultBackoff = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}

// Job is one send on one channel.
type Job struct {
	Channel    models.Channel
	PolicyKey  string
	Recipients []models.Contact
	Message    Message
	// Guard runs before every attempt. Returning false drops the job as stale.
	Guard func(ctx context.Context) bool
	// Done receives the final outcome. It is not called for stale jobs.
	Done func(res DeliveryResult, err error)

	attempt int
}

type ChannelDisabler interface {
	DisableChannel(ctx context.Context, policyKey string, ch models.Channel, reason string) error
}

type Recorder interface {
	RecordDelivery(ctx context.Context, d *models.Delivery) error
	CreateNotice(ctx context.Context, n *models.Notice) error
}

// Dispatcher runs sends on a fixed pool of workers fed by a bounded queue.
// Failed sends are retried after each DefaultBackoff delay via clock timers,
// so workers never sleep. When retries run out the channel is disabled for
// the job's policy and a notice is raised.
type Dispatcher struct {
	senders     map[models.Channel]Sender
	queue       chan *Job
	workers     int
	backoff     []time.Duration
	sendTimeout time.Duration
	clock       clock.Clock
	recorder    Recorder
	disabler    ChannelDisabler
	bus         events.Publisher
	logger      *zap.Logger

	mu      sync.Mutex
	closed  bool
	started bool
	retries map[*Job]clock.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan *Job, n)
		}
	}
}

func WithBackoff(b []time.Duration) Option {
	return func(d *Dispatcher) {
		if b != nil {
			d.backoff = append([]time.Duration(nil), b...)
		}
	}
}

func WithSendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.sendTimeout = t
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithDisabler(c ChannelDisabler) Option {
	return func(d *Dispatcher) { d.disabler = c }
}

func WithBus(b events.Publisher) Option {
	return func(d *Dispatcher) { d.bus = b }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(senders []Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		senders:     make(map[models.Channel]Sender, len(senders)),
		queue:       make(chan *Job, 1024),
		workers:     8,
		backoff:     DefaultBackoff,
		sendTimeout: 30 * time.Second,
		clock:       clock.Real{},
		bus:         events.Discard{},
		logger:      zap.NewNop(),
		retries:     make(map[*Job]clock.Timer),
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "dispatcher"))
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Channels lists the channels that have a sender.
func (d *Dispatcher) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(d.senders))
	for ch := range d.senders {
		out = append(out, ch)
	}
	return out
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.workers), zap.Int("queue_size", cap(d.queue)))
}

// Stop cancels pending retries, drains nothing further and waits for
// in-flight sends to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for job, t := range d.retries {
		t.Stop()
		delete(d.retries, job)
	}
	close(d.queue)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// Enqueue queues a job without blocking. It fails with ErrQueueFull when the
// queue is at capacity.
func (d *Dispatcher) Enqueue(job Job) error {
	j := job
	return d.enqueue(&j)
}

func (d *Dispatcher) enqueue(j *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- j:
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		if d.ctx.Err() != nil {
			return
		}
		d.process(job)
	}
}

func (d *Dispatcher) process(job *Job) {
	ctx, cancel := context.WithTimeout(d.ctx, d.sendTimeout)
	defer cancel()

	if job.Guard != nil && !job.Guard(ctx) {
		metrics.RecordEscalation("stale")
		d.logger.Debug("dropping stale notification",
			zap.Uint("alert_id", job.Message.AlertID),
			zap.String("channel", string(job.Channel)))
		return
	}

	sender, ok := d.senders[job.Channel]
	if !ok {
		res := skipped(job.Channel, "no sender configured")
		d.record(ctx, job, models.DeliverySkipped, res, ErrNoSender)
		d.finish(job, res, nil)
		return
	}

	res, err := sender.Send(ctx, job.Recipients, job.Message)
	res.Channel = job.Channel
	if err == nil {
		status := models.DeliveryDelivered
		if res.Skipped {
			status = models.DeliverySkipped
		}
		d.record(ctx, job, status, res, nil)
		d.finish(job, res, nil)
		return
	}
	d.failed(job, res, err)
}

// failed either schedules the next retry or gives up on the channel.
func (d *Dispatcher) failed(job *Job, res DeliveryResult, err error) {
	ctx := d.ctx
	if job.attempt < len(d.backoff) {
		delay := d.backoff[job.attempt]
		d.record(ctx, job, models.DeliveryRetrying, res, err)
		d.logger.Warn("notification failed, will retry",
			zap.Uint("alert_id", job.Message.AlertID),
			zap.String("channel", string(job.Channel)),
			zap.Int("attempt", job.attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		job.attempt++
		d.scheduleRetry(job, delay)
		return
	}

	d.record(ctx, job, models.DeliveryFailed, res, err)
	d.logger.Error("notification retries exhausted",
		zap.Uint("alert_id", job.Message.AlertID),
		zap.String("channel", string(job.Channel)),
		zap.String("policy", job.PolicyKey),
		zap.Error(err))
	d.disable(ctx, job, err)
	d.finish(job, res, err)
}

func (d *Dispatcher) scheduleRetry(job *Job, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.retries[job] = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.retries, job)
		d.mu.Unlock()

		err := d.enqueue(job)
		switch {
		case err == nil:
		case errors.Is(err, ErrDispatcherClosed):
		default:
			d.failed(job, DeliveryResult{Channel: job.Channel}, err)
		}
	})
}

func (d *Dispatcher) disable(ctx context.Context, job *Job, cause error) {
	attempts := job.attempt + 1
	reason := fmt.Sprintf("%d delivery attempts failed: %v", attempts, cause)
	if d.disabler != nil && job.PolicyKey != "" {
		if err := d.disabler.DisableChannel(ctx, job.PolicyKey, job.Channel, reason); err != nil {
			d.logger.Error("failed to disable channel", zap.String("channel", string(job.Channel)), zap.Error(err))
		}
	}
	metrics.RecordChannelDisabled(string(job.Channel))

	notice := &models.Notice{
		Level:     models.SeverityWarning,
		Title:     fmt.Sprintf("%s notifications disabled", job.Channel),
		Message:   fmt.Sprintf("Alert %d on %s could not be delivered over %s. The channel is disabled for policy %s until re-enabled. Last error: %v", job.Message.AlertID, job.Message.UnitName, job.Channel, job.PolicyKey, cause),
		PolicyKey: job.PolicyKey,
		Channel:   job.Channel,
		CreatedAt: d.clock.Now(),
	}
	if d.recorder != nil {
		if err := d.recorder.CreateNotice(ctx, notice); err != nil {
			d.logger.Error("failed to store notice", zap.Error(err))
		}
	}
	d.bus.Publish(events.Event{
		Type:    events.ChannelDisabled,
		UnitID:  job.Message.UnitID,
		AlertID: job.Message.AlertID,
		Summary: notice.Title,
		Detail:  notice,
	})
}

func (d *Dispatcher) record(ctx context.Context, job *Job, status models.DeliveryStatus, res DeliveryResult, err error) {
	metrics.RecordNotification(string(job.Channel), string(status))
	if d.recorder == nil {
		return
	}
	del := &models.Delivery{
		AlertID:    job.Message.AlertID,
		Channel:    job.Channel,
		Kind:       string(job.Message.Kind),
		Attempt:    job.attempt + 1,
		Status:     status,
		Recipients: res.Delivered,
		ProviderID: res.ProviderID,
		CreatedAt:  d.clock.Now(),
	}
	if err != nil {
		del.Error = err.Error()
	} else if res.Reason != "" {
		del.Error = res.Reason
	}
	if rerr := d.recorder.RecordDelivery(ctx, del); rerr != nil {
		d.logger.Error("failed to record delivery", zap.Error(rerr))
	}
}

func (d *Dispatcher) finish(job *Job, res DeliveryResult, err error) {
	if job.Done != nil {
		job.Done(res, err)
	}
}

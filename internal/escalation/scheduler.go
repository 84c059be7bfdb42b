// Package escalation drives the notification protocol of each open alert:
// the initial dispatch, timed escalation steps, reminders and the resolution
// notice.
//
// Every alert instance carries a generation that the alert store bumps on
// acknowledgment and resolution. Timers and queued dispatch jobs capture the
// generation they were created for and re-check it before acting, so a timer
// that fires after an acknowledgment does nothing even if stopping it lost
// the race.
package escalation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coldeye/internal/alert"
	"github.com/coldeye/internal/clock"
	"github.com/coldeye/internal/metrics"
	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/notify"
	"github.com/coldeye/internal/rules"
	"go.uber.org/zap"
)

// AlertStore is the persisted side of the alert lifecycle.
type AlertStore interface {
	Get(ctx context.Context, id uint) (*models.Alert, error)
	Current(ctx context.Context, id uint, generation uint64) (bool, error)
	MarkNotified(ctx context.Context, id uint, generation uint64, status models.AlertStatus, level int) (bool, error)
	ClaimNotification(ctx context.Context, id uint, generation uint64, level int, repeatAfter time.Duration) (bool, error)
	Acknowledge(ctx context.Context, id uint, by string) (*models.Alert, error)
	Resolve(ctx context.Context, id uint, by string) (*models.Alert, error)
}

type Dispatcher interface {
	Enqueue(job notify.Job) error
}

// PolicySource resolves the policy of an alert the scheduler no longer
// tracks, e.g. one acknowledged before its condition cleared.
type PolicySource interface {
	AlertPolicy(ctx context.Context, a models.Alert) (rules.EffectivePolicy, []models.Contact, error)
}

type instance struct {
	alert      models.Alert
	policy     rules.EffectivePolicy
	recipients []models.Contact
	generation uint64
	timers     []clock.Timer
	armed      bool
	notified   bool
	level      int
	delivered  bool
}

type Scheduler struct {
	store    AlertStore
	dispatch Dispatcher
	policies PolicySource
	clock    clock.Clock
	logger   *zap.Logger
	timeout  time.Duration

	mu        sync.Mutex
	instances map[uint]*instance
}

type Option func(*Scheduler)

// WithPolicySource lets resolution notices go out for alerts whose
// escalation state is gone.
func WithPolicySource(p PolicySource) Option {
	return func(s *Scheduler) { s.policies = p }
}

func NewScheduler(store AlertStore, dispatch Dispatcher, clk clock.Clock, logger *zap.Logger, opts ...Option) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		store:     store,
		dispatch:  dispatch,
		clock:     clk,
		logger:    logger.With(zap.String("component", "escalation")),
		timeout:   30 * time.Second,
		instances: make(map[uint]*instance),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms escalation for an alert. It is idempotent for an alert already
// armed at its current generation, and a no-op for alerts that are
// acknowledged, resolved or suppressed in the store. An alert tracked below
// the policy's severity threshold is armed as soon as its severity reaches it.
//
// The schedule is anchored at the alert's trigger time, so re-arming after a
// restart skips steps already recorded on the alert and fires overdue ones
// immediately. An alert armed before anyone was notified is anchored at the
// arming time instead.
func (s *Scheduler) Start(ctx context.Context, a models.Alert, policy rules.EffectivePolicy, recipients []models.Contact) error {
	s.mu.Lock()
	if inst, ok := s.instances[a.ID]; ok && inst.generation == a.Generation &&
		(inst.armed || !a.Severity.AtLeast(policy.SeverityThreshold)) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	stored, err := s.store.Get(ctx, a.ID)
	if err != nil {
		return err
	}
	if !stored.Status.Open() || stored.Suppressed {
		s.cancel(a.ID)
		return nil
	}

	now := s.clock.Now()
	inst := &instance{
		alert:      *stored,
		policy:     policy,
		recipients: recipients,
		generation: stored.Generation,
		armed:      stored.Severity.AtLeast(policy.SeverityThreshold),
		notified:   stored.LastNotifiedAt != nil,
		level:      stored.EscalationLevel,
	}

	s.mu.Lock()
	if old, ok := s.instances[a.ID]; ok {
		if old.generation == inst.generation && (old.armed || !inst.armed) {
			s.mu.Unlock()
			return nil
		}
		stopAll(old)
	}
	s.instances[a.ID] = inst
	s.mu.Unlock()

	if !inst.armed {
		s.logger.Debug("alert below policy severity threshold",
			zap.Uint("alert_id", a.ID),
			zap.String("severity", string(stored.Severity)),
			zap.String("threshold", string(policy.SeverityThreshold)))
		return nil
	}

	anchor := stored.TriggeredAt
	if !inst.notified {
		if anchor.Before(now) {
			anchor = now
		}
		if stored.Severity != models.SeverityCritical && policy.QuietHours.Contains(now) {
			end := policy.QuietHours.NextEnd(now)
			s.logger.Info("initial notification deferred by quiet hours",
				zap.Uint("alert_id", a.ID), zap.Time("until", end))
			s.after(inst, end.Sub(now), func(ctx context.Context, inst *instance) {
				metrics.RecordEscalation("deferred")
				s.sendInitial(ctx, inst)
			})
		} else {
			s.sendInitial(ctx, inst)
		}
	}

	if !policy.RequiresAck {
		return nil
	}
	deadline := anchor.Add(policy.AckDeadline)
	for i, step := range policy.Steps {
		level := i + 1
		if level <= stored.EscalationLevel {
			continue
		}
		at := deadline.Add(time.Duration(step.DelayMinutes) * time.Minute)
		var until time.Time
		if i+1 < len(policy.Steps) {
			until = deadline.Add(time.Duration(policy.Steps[i+1].DelayMinutes) * time.Minute)
		}
		step := step
		s.after(inst, at.Sub(now), func(ctx context.Context, inst *instance) {
			s.fireStep(ctx, inst, level, step, until)
		})
	}
	return nil
}

// Acknowledge records the acknowledgment and cancels every pending action
// for the alert.
func (s *Scheduler) Acknowledge(ctx context.Context, id uint, by string) (*models.Alert, error) {
	a, err := s.store.Acknowledge(ctx, id, by)
	if err != nil {
		return nil, err
	}
	s.cancel(id)
	return a, nil
}

// Resolve closes the alert, cancels pending actions and sends the resolution
// notice when the policy asks for one.
func (s *Scheduler) Resolve(ctx context.Context, id uint, by string) (*models.Alert, error) {
	a, err := s.store.Resolve(ctx, id, by)
	if err != nil {
		return nil, err
	}
	s.Cleared(ctx, *a)
	return a, nil
}

// Pause cancels pending actions of an alert whose condition is suppressed.
// The next Start after the suppression lifts re-arms it.
func (s *Scheduler) Pause(id uint) {
	if s.cancel(id) != nil {
		metrics.RecordEscalation("paused")
	}
}

// Cleared handles an alert the store already resolved, e.g. because its
// condition went away. The resolution notice goes out when anyone was
// notified about the alert, whether or not it is still tracked here.
func (s *Scheduler) Cleared(ctx context.Context, a models.Alert) {
	inst := s.cancel(a.ID)
	notified := a.LastNotifiedAt != nil || (inst != nil && inst.notified)
	if !notified {
		return
	}
	if inst == nil {
		if s.policies == nil {
			return
		}
		inst = &instance{alert: a, generation: a.Generation}
		policy, recipients, err := s.policies.AlertPolicy(ctx, a)
		if err != nil {
			s.logger.Warn("failed to resolve policy for resolution notice",
				zap.Uint("alert_id", a.ID), zap.Error(err))
			return
		}
		inst.policy, inst.recipients = policy, recipients
	}
	if !inst.policy.SendResolved {
		return
	}
	metrics.RecordEscalation("resolved")
	msg := s.message(inst, notify.KindResolved, 0)
	msg.Generation = a.Generation
	s.enqueue(inst, inst.policy.InitialChannels, inst.recipients, msg, nil, nil)
}

// Tracking reports whether the alert has armed escalation state.
func (s *Scheduler) Tracking(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instances[id]
	return ok
}

// Stop cancels every pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, inst := range s.instances {
		stopAll(inst)
		delete(s.instances, id)
	}
}

func (s *Scheduler) cancel(id uint) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil
	}
	stopAll(inst)
	delete(s.instances, id)
	return inst
}

func stopAll(inst *instance) {
	for _, t := range inst.timers {
		t.Stop()
	}
	inst.timers = nil
}

// after schedules fn for inst. The callback runs only if inst is still the
// tracked instance and the store still holds its generation open.
func (s *Scheduler) after(inst *instance, d time.Duration, fn func(ctx context.Context, inst *instance)) {
	if d < 0 {
		d = 0
	}
	id, gen := inst.alert.ID, inst.generation
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instances[id] != inst {
		return
	}
	inst.timers = append(inst.timers, s.clock.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if !s.live(ctx, id, gen) {
			metrics.RecordEscalation("stale")
			return
		}
		fn(ctx, inst)
	}))
}

func (s *Scheduler) live(ctx context.Context, id uint, gen uint64) bool {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()
	if !ok || inst.generation != gen {
		return false
	}
	current, err := s.store.Current(ctx, id, gen)
	if err != nil {
		if !errors.Is(err, alert.ErrAlertNotFound) {
			s.logger.Warn("generation check failed", zap.Uint("alert_id", id), zap.Error(err))
		}
		return false
	}
	return current
}

func (s *Scheduler) sendInitial(ctx context.Context, inst *instance) {
	id, gen := inst.alert.ID, inst.generation
	if !s.claim(ctx, inst, 0, 0) {
		return
	}
	metrics.RecordEscalation("initial")
	s.markNotified(ctx, inst, models.AlertStatusSent, 0)

	msg := s.message(inst, notify.KindInitial, 0)
	done := func(res notify.DeliveryResult, err error) {
		status, ok := s.initialOutcome(inst, err)
		if !ok {
			return
		}
		if _, merr := s.store.MarkNotified(context.Background(), id, gen, status, 0); merr != nil {
			s.logger.Warn("failed to record delivery state", zap.Uint("alert_id", id), zap.Error(merr))
		}
	}
	if s.enqueue(inst, inst.policy.InitialChannels, inst.recipients, msg, s.guard(id, gen), done) == 0 {
		s.markNotified(ctx, inst, models.AlertStatusFailed, 0)
	}
}

// claim reserves a notification in the store so that it is sent once even
// when several processes track the alert.
func (s *Scheduler) claim(ctx context.Context, inst *instance, level int, repeatAfter time.Duration) bool {
	ok, err := s.store.ClaimNotification(ctx, inst.alert.ID, inst.generation, level, repeatAfter)
	if err != nil {
		s.logger.Warn("failed to claim notification",
			zap.Uint("alert_id", inst.alert.ID), zap.Int("level", level), zap.Error(err))
		return false
	}
	if !ok {
		metrics.RecordEscalation("claimed_elsewhere")
		s.mu.Lock()
		inst.notified = true
		s.mu.Unlock()
	}
	return ok
}

// initialOutcome folds per-channel results of the initial dispatch into the
// alert status. One delivered channel is enough, and nothing is written once
// the alert has escalated past the initial notification.
func (s *Scheduler) initialOutcome(inst *instance, err error) (models.AlertStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.level > 0 {
		return "", false
	}
	if err == nil {
		inst.delivered = true
		return models.AlertStatusDelivered, true
	}
	if inst.delivered {
		return "", false
	}
	return models.AlertStatusFailed, true
}

func (s *Scheduler) fireStep(ctx context.Context, inst *instance, level int, step models.EscalationStep, until time.Time) {
	recipients := filterPriority(inst.recipients, step.ContactPriority)
	if s.claim(ctx, inst, level, 0) {
		metrics.RecordEscalation("step")
		msg := s.message(inst, notify.KindEscalation, level)
		s.logger.Info("escalating alert",
			zap.Uint("alert_id", inst.alert.ID),
			zap.Int("level", level),
			zap.Int("recipients", len(recipients)))
		s.enqueue(inst, step.Channels, recipients, msg, s.guard(inst.alert.ID, inst.generation), nil)
		s.markNotified(ctx, inst, models.AlertStatusEscalated, level)
	}

	if step.Repeat && inst.policy.ReminderInterval > 0 {
		s.scheduleReminder(inst, level, step, recipients, until)
	}
}

func (s *Scheduler) scheduleReminder(inst *instance, level int, step models.EscalationStep, recipients []models.Contact, until time.Time) {
	interval := inst.policy.ReminderInterval
	next := s.clock.Now().Add(interval)
	if !until.IsZero() && !next.Before(until) {
		return
	}
	s.after(inst, interval, func(ctx context.Context, inst *instance) {
		if s.claim(ctx, inst, level, interval/2) {
			metrics.RecordEscalation("reminder")
			msg := s.message(inst, notify.KindReminder, level)
			s.enqueue(inst, step.Channels, recipients, msg, s.guard(inst.alert.ID, inst.generation), nil)
			s.markNotified(ctx, inst, models.AlertStatusEscalated, level)
		}
		s.scheduleReminder(inst, level, step, recipients, until)
	})
}

func (s *Scheduler) markNotified(ctx context.Context, inst *instance, status models.AlertStatus, level int) {
	s.mu.Lock()
	inst.notified = true
	if level > inst.level {
		inst.level = level
	}
	s.mu.Unlock()
	if _, err := s.store.MarkNotified(ctx, inst.alert.ID, inst.generation, status, level); err != nil {
		s.logger.Warn("failed to update alert after dispatch", zap.Uint("alert_id", inst.alert.ID), zap.Error(err))
	}
}

// guard is re-evaluated by the dispatcher right before each send attempt.
func (s *Scheduler) guard(id uint, gen uint64) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		return s.live(ctx, id, gen)
	}
}

func (s *Scheduler) enqueue(inst *instance, channels []models.Channel, recipients []models.Contact, msg notify.Message, guard func(context.Context) bool, done func(notify.DeliveryResult, error)) int {
	queued := 0
	for _, ch := range channels {
		err := s.dispatch.Enqueue(notify.Job{
			Channel:    ch,
			PolicyKey:  inst.policy.Key,
			Recipients: recipients,
			Message:    msg,
			Guard:      guard,
			Done:       done,
		})
		if err != nil {
			s.logger.Error("failed to queue notification",
				zap.Uint("alert_id", inst.alert.ID),
				zap.String("channel", string(ch)),
				zap.Error(err))
			continue
		}
		queued++
	}
	return queued
}

func (s *Scheduler) message(inst *instance, kind notify.Kind, level int) notify.Message {
	a := inst.alert
	return notify.Message{
		AlertID:    a.ID,
		Generation: inst.generation,
		Kind:       kind,
		Level:      level,
		PolicyKey:  inst.policy.Key,
		UnitID:     a.UnitID,
		UnitName:   a.UnitName,
		SiteID:     a.SiteID,
		AlertType:  a.Type,
		Severity:   a.Severity,
		Title:      a.Title,
		Body:       a.Message,
		Metric:     a.Metric,
		Value:      a.Value,
		Threshold:  a.Threshold,
		Condition:  a.Condition,
		Timestamp:  s.clock.Now(),
	}
}

// filterPriority keeps contacts whose priority is at or above (numerically
// at or below) max. A nil max keeps everyone.
func filterPriority(in []models.Contact, max *int) []models.Contact {
	if max == nil {
		return in
	}
	out := make([]models.Contact, 0, len(in))
	for _, c := range in {
		if c.Priority <= *max {
			out = append(out, c)
		}
	}
	return out
}

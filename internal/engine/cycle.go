// Package engine runs the recurring evaluation cycle: derive every unit's
// signals, reconcile persisted alerts and drive escalation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coldeye/internal/alert"
	"github.com/coldeye/internal/clock"
	"github.com/coldeye/internal/events"
	"github.com/coldeye/internal/lock"
	"github.com/coldeye/internal/metrics"
	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/monitor"
	"github.com/coldeye/internal/rules"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

const (
	defaultMaxConcurrentUnits = 16
	defaultLockTTL            = 2 * time.Minute
	defaultMaskRetentionDays  = 30
)

// Escalator is the part of the escalation scheduler the cycle drives.
type Escalator interface {
	Start(ctx context.Context, a models.Alert, policy rules.EffectivePolicy, recipients []models.Contact) error
	Pause(id uint)
	Cleared(ctx context.Context, a models.Alert)
}

type Options struct {
	Interval          time.Duration
	MaxConcurrent     int
	LockTTL           time.Duration
	MaskRetentionDays int
}

// CycleReport summarizes one pass over all units.
type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Units     int
	Evaluated int
	Skipped   int
	Failed    int
	Summary   models.AlertSummary
}

type Engine struct {
	db         *gorm.DB
	rules      *rules.Store
	excursions *monitor.ExcursionEvaluator
	ledger     monitor.MaskLedger
	alerts     *alert.Handler
	escalation Escalator
	locker     lock.Locker
	bus        events.Publisher
	clock      clock.Clock
	logger     *zap.Logger
	opts       Options

	sem  *semaphore.Weighted
	cron *cron.Cron

	mu        sync.RWMutex
	signals   map[uint]alert.Signals
	computed  []models.ComputedAlert
	summary   models.AlertSummary
	evaluated time.Time
}

type Deps struct {
	DB         *gorm.DB
	Rules      *rules.Store
	Excursions *monitor.ExcursionEvaluator
	Ledger     monitor.MaskLedger
	Alerts     *alert.Handler
	Escalation Escalator
	Locker     lock.Locker
	Bus        events.Publisher
	Clock      clock.Clock
	Logger     *zap.Logger
}

func New(d Deps, opts Options) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrentUnits
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.MaskRetentionDays <= 0 {
		opts.MaskRetentionDays = defaultMaskRetentionDays
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = events.Discard{}
	}
	if d.Locker == nil {
		d.Locker = lock.NewMemoryLocker()
	}
	return &Engine{
		db:         d.DB,
		rules:      d.Rules,
		excursions: d.Excursions,
		ledger:     d.Ledger,
		alerts:     d.Alerts,
		escalation: d.Escalation,
		locker:     d.Locker,
		bus:        d.Bus,
		clock:      d.Clock,
		logger:     d.Logger.With(zap.String("component", "engine")),
		opts:       opts,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		signals:    make(map[uint]alert.Signals),
	}
}

// Start schedules the evaluation cycle and the daily ledger prune, and runs
// a first cycle right away.
func (e *Engine) Start(ctx context.Context) error {
	if e.opts.Interval <= 0 {
		return errors.New("engine: cycle interval must be positive")
	}
	e.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{e.logger.Sugar()})),
	)
	if _, err := e.cron.AddFunc("@every "+e.opts.Interval.String(), func() { e.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule evaluation cycle: %w", err)
	}
	if _, err := e.cron.AddFunc("@daily", func() {
		if _, err := e.PruneLedger(ctx); err != nil {
			e.logger.Error("mask ledger prune failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule ledger prune: %w", err)
	}

	e.runScheduled(ctx)
	e.cron.Start()
	e.logger.Info("evaluation engine started",
		zap.Duration("interval", e.opts.Interval),
		zap.Int("max_concurrent_units", e.opts.MaxConcurrent))
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish.
func (e *Engine) Stop() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
}

func (e *Engine) runScheduled(ctx context.Context) {
	if _, err := e.RunCycle(ctx); err != nil {
		e.logger.Error("evaluation cycle failed", zap.Error(err))
	}
}

// RunCycle evaluates every unit once. Per-unit failures are logged and
// counted; only failing to load the configuration snapshot or the unit list
// fails the cycle.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{StartedAt: e.clock.Now()}
	started := time.Now()

	snap, err := e.rules.Snapshot(ctx)
	if err != nil {
		metrics.RecordCycle("error", time.Since(started))
		return report, fmt.Errorf("failed to load configuration snapshot: %w", err)
	}
	var units []models.Unit
	if err := e.db.WithContext(ctx).Order("id").Find(&units).Error; err != nil {
		metrics.RecordCycle("error", time.Since(started))
		return report, fmt.Errorf("failed to load units: %w", err)
	}
	report.Units = len(units)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[uint]alert.Signals, len(units))
	)
	for i := range units {
		u := &units[i]
		if err := e.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.sem.Release(1)

			sig, err := e.evaluateLocked(ctx, snap, u)
			if errors.Is(err, lock.ErrLockHeld) {
				// Another process owns the unit this cycle; derive its view
				// without acting on it.
				sig = e.derive(ctx, snap, u, e.clock.Now())
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, lock.ErrLockHeld):
				report.Skipped++
				results[u.ID] = sig
				metrics.RecordUnitEvaluation("skipped")
			case err != nil:
				report.Failed++
				metrics.RecordUnitEvaluation("error")
				e.logger.Error("unit evaluation failed", zap.Uint("unit_id", u.ID), zap.Error(err))
			default:
				report.Evaluated++
				results[u.ID] = sig
				metrics.RecordUnitEvaluation("ok")
			}
		}()
	}
	wg.Wait()

	report.Summary = e.publish(units, results)
	report.Duration = time.Since(started)

	outcome := "ok"
	if report.Failed > 0 {
		outcome = "partial"
	}
	metrics.RecordCycle(outcome, report.Duration)
	e.logger.Debug("evaluation cycle finished",
		zap.Int("units", report.Units),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
	return report, ctx.Err()
}

func (e *Engine) evaluateLocked(ctx context.Context, snap *rules.Snapshot, u *models.Unit) (alert.Signals, error) {
	release, err := e.locker.TryLock(ctx, fmt.Sprintf("unit:%d", u.ID), e.opts.LockTTL)
	if err != nil {
		return alert.Signals{}, err
	}
	defer release()
	return e.EvaluateUnit(ctx, snap, u)
}

// derive computes a unit's alert inputs at now. It changes nothing.
func (e *Engine) derive(ctx context.Context, snap *rules.Snapshot, u *models.Unit, now time.Time) alert.Signals {
	r := snap.ResolveRules(u)
	missed := monitor.MissedCheckins(u.LastReadingAt, r.CheckinInterval(), now)
	sig := alert.Signals{
		Unit:    u,
		Rules:   r,
		Missed:  missed,
		Offline: monitor.OfflineSeverity(missed, r),
		Manual:  monitor.ManualCompliance(u, missed, r, now),
	}
	ex, err := e.excursions.Evaluate(ctx, u, r, now)
	if err != nil {
		e.logger.Warn("mask ledger unavailable, treating budget as spent",
			zap.Uint("unit_id", u.ID), zap.Error(err))
	}
	sig.Excursion = ex
	return sig
}

// EvaluateUnit derives one unit's signals, reconciles its persisted alerts,
// hands open, suppressed and cleared alerts to escalation and writes back the
// unit status and excursion tracking. The caller must own the unit's lock.
func (e *Engine) EvaluateUnit(ctx context.Context, snap *rules.Snapshot, u *models.Unit) (alert.Signals, error) {
	now := e.clock.Now()
	sig := e.derive(ctx, snap, u, now)

	inRangeSince := u.InRangeSince
	changed, err := e.excursions.Commit(ctx, u, sig.Excursion)
	if err != nil {
		e.logger.Warn("failed to charge mask ledger", zap.Uint("unit_id", u.ID), zap.Error(err))
	}
	if changed {
		if err := e.saveExcursion(ctx, u, inRangeSince); err != nil {
			return sig, err
		}
	}

	res, err := e.alerts.Sync(ctx, u.ID, alert.ComputeUnit(sig))
	if err != nil {
		return sig, err
	}
	for _, a := range res.Open {
		policy := snap.ResolvePolicy(u, a.Type)
		if err := e.escalation.Start(ctx, a, policy, snap.Recipients(u, policy)); err != nil {
			e.logger.Error("failed to start escalation",
				zap.Uint("alert_id", a.ID), zap.Uint("unit_id", u.ID), zap.Error(err))
		}
	}
	for _, a := range res.Suppressed {
		e.escalation.Pause(a.ID)
	}
	for _, a := range res.Cleared {
		e.escalation.Cleared(ctx, a)
	}

	if err := e.writeStatus(ctx, u, alert.UnitStatus(sig), now); err != nil {
		return sig, err
	}
	return sig, nil
}

// saveExcursion stores the tracking fields Commit changed. Ending a breach
// only applies while the in-range run it was based on is unchanged, since
// ingestion may have seen a new out-of-range reading in the meantime.
func (e *Engine) saveExcursion(ctx context.Context, u *models.Unit, inRangeSince *time.Time) error {
	db := e.db.WithContext(ctx).Model(&models.Unit{})
	if u.BreachStartedAt == nil && inRangeSince != nil {
		err := db.Where("id = ? AND in_range_since = ?", u.ID, *inRangeSince).
			Updates(map[string]interface{}{"breach_started_at": nil, "in_range_since": nil}).Error
		if err != nil {
			return fmt.Errorf("failed to end excursion of unit %d: %w", u.ID, err)
		}
		return nil
	}
	if err := db.Where("id = ?", u.ID).Update("mask_charged_until", u.MaskChargedUntil).Error; err != nil {
		return fmt.Errorf("failed to record mask charge of unit %d: %w", u.ID, err)
	}
	return nil
}

func (e *Engine) writeStatus(ctx context.Context, u *models.Unit, status models.UnitStatus, now time.Time) error {
	if u.Status == status {
		return nil
	}
	err := e.db.WithContext(ctx).Model(&models.Unit{}).Where("id = ?", u.ID).
		Updates(map[string]interface{}{"status": status, "status_changed_at": now}).Error
	if err != nil {
		return fmt.Errorf("failed to update status of unit %d: %w", u.ID, err)
	}
	previous := u.Status
	u.Status = status
	u.StatusChangedAt = &now
	e.bus.Publish(events.Event{
		Type:    events.UnitStatusChanged,
		UnitID:  u.ID,
		Summary: fmt.Sprintf("%s is now %s", u.Name, status),
		Detail:  map[string]interface{}{"from": previous, "to": status},
	})
	return nil
}

// publish rebuilds the aggregate view. Units that failed this cycle keep
// their previous signals; units that no longer exist drop out.
func (e *Engine) publish(units []models.Unit, fresh map[uint]alert.Signals) models.AlertSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[uint]alert.Signals, len(units))
	all := make([]alert.Signals, 0, len(units))
	statuses := make(map[string]int)
	for _, u := range units {
		sig, ok := fresh[u.ID]
		if !ok {
			if sig, ok = e.signals[u.ID]; !ok {
				continue
			}
		}
		next[u.ID] = sig
		all = append(all, sig)
		statuses[string(alert.UnitStatus(sig))]++
	}
	e.signals = next
	e.computed, e.summary = alert.Aggregate(all)
	e.evaluated = e.clock.Now()

	metrics.SetComputed(e.summary.Critical, e.summary.Warning)
	metrics.SetUnitStatuses(statuses)
	return e.summary
}

// Computed returns the alerts and summary of the most recent cycle.
func (e *Engine) Computed() ([]models.ComputedAlert, models.AlertSummary, time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ComputedAlert, len(e.computed))
	copy(out, e.computed)
	return out, e.summary, e.evaluated
}

// PruneLedger drops mask-ledger days older than the retention window.
func (e *Engine) PruneLedger(ctx context.Context) (int64, error) {
	if e.ledger == nil {
		return 0, nil
	}
	cutoff := monitor.DayKey(e.clock.Now().AddDate(0, 0, -e.opts.MaskRetentionDays), time.UTC)
	n, err := e.ledger.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("pruned mask ledger", zap.Int64("rows", n), zap.String("before", cutoff))
	}
	return n, nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

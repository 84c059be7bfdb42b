package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coldeye/internal/alert"
	"github.com/coldeye/internal/clock"
	"github.com/coldeye/internal/database"
	"github.com/coldeye/internal/events"
	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/notify"
	"github.com/coldeye/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

type captureDispatcher struct {
	mu   sync.Mutex
	jobs []notify.Job
}

func (d *captureDispatcher) Enqueue(job notify.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *captureDispatcher) byKind(k notify.Kind) []notify.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []notify.Job
	for _, j := range d.jobs {
		if j.Message.Kind == k {
			out = append(out, j)
		}
	}
	return out
}

type fixture struct {
	sched *Scheduler
	store *alert.Handler
	clk   *clock.Fake
	disp  *captureDispatcher
}

// deliveringDispatcher completes every job before Enqueue returns, like a
// worker that wins the race against the caller.
type deliveringDispatcher struct {
	captureDispatcher
}

func (d *deliveringDispatcher) Enqueue(job notify.Job) error {
	if err := d.captureDispatcher.Enqueue(job); err != nil {
		return err
	}
	if job.Done != nil {
		job.Done(notify.DeliveryResult{Delivered: len(job.Recipients)}, nil)
	}
	return nil
}

type staticPolicies struct {
	policy     rules.EffectivePolicy
	recipients []models.Contact
}

func (p staticPolicies) AlertPolicy(context.Context, models.Alert) (rules.EffectivePolicy, []models.Contact, error) {
	return p.policy, p.recipients, nil
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	clk := clock.NewFake(t0)
	store := alert.NewHandler(db, events.Discard{}, zap.NewNop(), clk.Now)
	disp := &captureDispatcher{}
	sched := NewScheduler(store, disp, clk, zap.NewNop(), opts...)
	t.Cleanup(sched.Stop)
	return &fixture{sched: sched, store: store, clk: clk, disp: disp}
}

func (f *fixture) sync(t *testing.T, sev models.Severity, suppressed bool) alert.SyncResult {
	t.Helper()
	res, err := f.store.Sync(context.Background(), 1, []models.ComputedAlert{{
		ID:         models.AlertKey(1, models.AlertTypeExcursion),
		UnitID:     1,
		UnitName:   "Walk-in",
		Type:       models.AlertTypeExcursion,
		Severity:   sev,
		Title:      "Temperature excursion",
		Message:    "45.0°F outside 33.0-41.0°F",
		Suppressed: suppressed,
	}})
	require.NoError(t, err)
	return res
}

func (f *fixture) open(t *testing.T, sev models.Severity) models.Alert {
	t.Helper()
	res, err := f.store.Sync(context.Background(), 1, []models.ComputedAlert{{
		ID:       models.AlertKey(1, models.AlertTypeExcursion),
		UnitID:   1,
		UnitName: "Walk-in",
		Type:     models.AlertTypeExcursion,
		Severity: sev,
		Title:    "Temperature excursion",
		Message:  "45.0°F outside 33.0-41.0°F for 12m",
	}})
	require.NoError(t, err)
	require.Len(t, res.Opened, 1)
	return res.Opened[0]
}

func (f *fixture) reload(t *testing.T, id uint) *models.Alert {
	t.Helper()
	a, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func intp(v int) *int { return &v }

func policy(mut func(p *rules.EffectivePolicy)) rules.EffectivePolicy {
	p := rules.EffectivePolicy{
		Key:               "unit:1:excursion",
		AlertType:         models.AlertTypeExcursion,
		InitialChannels:   []models.Channel{models.ChannelEmail, models.ChannelInApp},
		SeverityThreshold: models.SeverityWarning,
		SendResolved:      true,
	}
	if mut != nil {
		mut(&p)
	}
	return p
}

func escalating(p *rules.EffectivePolicy) {
	p.RequiresAck = true
	p.AckDeadline = 15 * time.Minute
	p.Steps = []models.EscalationStep{
		{DelayMinutes: 0, Channels: []models.Channel{models.ChannelSMS}, ContactPriority: intp(1)},
		{DelayMinutes: 10, Channels: []models.Channel{models.ChannelSMS, models.ChannelEmail}},
	}
}

var contacts = []models.Contact{
	{Name: "Primary", Phone: "+15550001", Priority: 1},
	{Name: "Backup", Phone: "+15550002", Priority: 2},
}

func TestInitialDispatchOnEveryChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, models.SeverityWarning)

	require.NoError(t, f.sched.Start(ctx, a, policy(nil), contacts))

	initial := f.disp.byKind(notify.KindInitial)
	require.Len(t, initial, 2)
	assert.Equal(t, models.ChannelEmail, initial[0].Channel)
	assert.Equal(t, models.ChannelInApp, initial[1].Channel)
	assert.Equal(t, "unit:1:excursion", initial[0].PolicyKey)
	assert.Len(t, initial[0].Recipients, 2)
	assert.Equal(t, models.AlertStatusSent, f.reload(t, a.ID).Status)

	initial[0].Done(notify.DeliveryResult{Delivered: 1}, nil)
	initial[1].Done(notify.DeliveryResult{}, assert.AnError)
	assert.Equal(t, models.AlertStatusDelivered, f.reload(t, a.ID).Status)

	// Starting again for the same generation does not notify twice.
	require.NoError(t, f.sched.Start(ctx, a, policy(nil), contacts))
	assert.Len(t, f.disp.byKind(notify.KindInitial), 2)
}

func TestFailedInitialDelivery(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, models.SeverityWarning)
	require.NoError(t, f.sched.Start(context.Background(), a, policy(func(p *rules.EffectivePolicy) {
		p.InitialChannels = []models.Channel{models.ChannelSMS}
	}), contacts))

	job := f.disp.byKind(notify.KindInitial)[0]
	job.Done(notify.DeliveryResult{}, assert.AnError)
	assert.Equal(t, models.AlertStatusFailed, f.reload(t, a.ID).Status)
}

func TestBelowSeverityThresholdIsNotDispatched(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, models.SeverityWarning)

	require.NoError(t, f.sched.Start(context.Background(), a, policy(func(p *rules.EffectivePolicy) {
		escalating(p)
		p.SeverityThreshold = models.SeverityCritical
	}), contacts))
	f.clk.Advance(time.Hour)

	assert.Empty(t, f.disp.jobs)
	assert.Equal(t, models.AlertStatusTriggered, f.reload(t, a.ID).Status)
}

func TestEscalationStepsInOrder(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, models.SeverityCritical)
	require.NoError(t, f.sched.Start(context.Background(), a, policy(escalating), contacts))

	f.clk.Advance(14 * time.Minute)
	assert.Empty(t, f.disp.byKind(notify.KindEscalation))

	f.clk.Advance(time.Minute)
	steps := f.disp.byKind(notify.KindEscalation)
	require.Len(t, steps, 1)
	assert.Equal(t, models.ChannelSMS, steps[0].Channel)
	assert.Equal(t, 1, steps[0].Message.Level)
	require.Len(t, steps[0].Recipients, 1)
	assert.Equal(t, "Primary", steps[0].Recipients[0].Name)

	stored := f.reload(t, a.ID)
	assert.Equal(t, models.AlertStatusEscalated, stored.Status)
	assert.Equal(t, 1, stored.EscalationLevel)

	f.clk.Advance(10 * time.Minute)
	steps = f.disp.byKind(notify.KindEscalation)
	require.Len(t, steps, 3)
	assert.Equal(t, 2, steps[1].Message.Level)
	assert.Len(t, steps[1].Recipients, 2)
	assert.Equal(t, 2, f.reload(t, a.ID).EscalationLevel)
	assert.Zero(t, f.clk.Pending())
}

func TestAcknowledgeBeforeDeadlineStopsEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, models.SeverityCritical)
	require.NoError(t, f.sched.Start(ctx, a, policy(escalating), contacts))

	f.clk.Advance(10 * time.Minute)
	acked, err := f.sched.Acknowledge(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusAcknowledged, acked.Status)
	assert.False(t, f.sched.Tracking(a.ID))

	// A later evaluation cycle re-offering the alert must not re-arm it.
	require.NoError(t, f.sched.Start(ctx, a, policy(escalating), contacts))
	f.clk.Advance(time.Hour)

	assert.Empty(t, f.disp.byKind(notify.KindEscalation))
	assert.False(t, f.sched.Tracking(a.ID))
}

func TestQueuedJobGoesStaleAfterAcknowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, models.SeverityCritical)
	require.NoError(t, f.sched.Start(ctx, a, policy(escalating), contacts))
	f.clk.Advance(15 * time.Minute)

	step := f.disp.byKind(notify.KindEscalation)[0]
	assert.True(t, step.Guard(ctx))

	_, err := f.sched.Acknowledge(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.False(t, step.Guard(ctx))
}

func TestQuietHoursDeferInitialNotification(t *testing.T) {
	quiet := func(p *rules.EffectivePolicy) {
		p.QuietHours = rules.ParseQuietHours(true, "22:00", "06:00", "UTC")
	}

	t.Run("warning waits for the window to end", func(t *testing.T) {
		f := newFixture(t)
		a := f.open(t, models.SeverityWarning)
		require.NoError(t, f.sched.Start(context.Background(), a, policy(quiet), contacts))
		assert.Empty(t, f.disp.jobs)

		f.clk.Advance(7*time.Hour - time.Minute)
		assert.Empty(t, f.disp.jobs)
		f.clk.Advance(time.Minute)
		assert.Len(t, f.disp.byKind(notify.KindInitial), 2)
	})

	t.Run("critical bypasses quiet hours", func(t *testing.T) {
		f := newFixture(t)
		a := f.open(t, models.SeverityCritical)
		require.NoError(t, f.sched.Start(context.Background(), a, policy(quiet), contacts))
		assert.Len(t, f.disp.byKind(notify.KindInitial), 2)
	})
}

func TestRemindersRepeatUntilNextStep(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, models.SeverityCritical)
	require.NoError(t, f.sched.Start(context.Background(), a, policy(func(p *rules.EffectivePolicy) {
		p.RequiresAck = true
		p.AckDeadline = 15 * time.Minute
		p.ReminderInterval = 5 * time.Minute
		p.Steps = []models.EscalationStep{
			{DelayMinutes: 0, Channels: []models.Channel{models.ChannelSMS}, Repeat: true},
			{DelayMinutes: 12, Channels: []models.Channel{models.ChannelEmail}},
		}
	}), contacts))

	f.clk.Advance(35 * time.Minute)

	reminders := f.disp.byKind(notify.KindReminder)
	require.Len(t, reminders, 2)
	assert.Equal(t, 1, reminders[0].Message.Level)
	assert.Equal(t, models.ChannelSMS, reminders[0].Channel)
	assert.Len(t, f.disp.byKind(notify.KindEscalation), 2)
	assert.Zero(t, f.clk.Pending())
}

func TestResolveSendsResolvedNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, models.SeverityCritical)
	require.NoError(t, f.sched.Start(ctx, a, policy(escalating), contacts))

	resolved, err := f.sched.Resolve(ctx, a.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, resolved.Status)
	assert.False(t, f.sched.Tracking(a.ID))

	done := f.disp.byKind(notify.KindResolved)
	require.Len(t, done, 2)
	assert.Equal(t, resolved.Generation, done[0].Message.Generation)

	f.clk.Advance(time.Hour)
	assert.Empty(t, f.disp.byKind(notify.KindEscalation))
}

func TestClearedWithoutPriorNotificationIsSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, models.SeverityWarning)
	require.NoError(t, f.sched.Start(ctx, a, policy(func(p *rules.EffectivePolicy) {
		p.SeverityThreshold = models.SeverityCritical
	}), contacts))

	res, err := f.store.Sync(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Cleared, 1)
	f.sched.Cleared(ctx, res.Cleared[0])

	assert.Empty(t, f.disp.jobs)
	assert.False(t, f.sched.Tracking(a.ID))
}

func TestRestartResumesFromRecordedLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, models.SeverityCritical)
	require.NoError(t, f.sched.Start(ctx, a, policy(escalating), contacts))
	f.clk.Advance(16 * time.Minute)
	f.sched.Stop()

	restarted := &captureDispatcher{}
	next := NewScheduler(f.store, restarted, f.clk, zap.NewNop())
	defer next.Stop()
	require.NoError(t, next.Start(ctx, *f.reload(t, a.ID), policy(escalating), contacts))
	assert.Empty(t, restarted.jobs)

	f.clk.Advance(9 * time.Minute)
	steps := restarted.byKind(notify.KindEscalation)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[0].Message.Level)
}

func TestResolutionNoticeAfterAcknowledge(t *testing.T) {
	p := policy(escalating)
	f := newFixture(t, WithPolicySource(staticPolicies{policy: p, recipients: contacts}))
	ctx := context.Background()
	a := f.open(t, models.SeverityCritical)
	require.NoError(t, f.sched.Start(ctx, a, p, contacts))
	require.Len(t, f.disp.byKind(notify.KindInitial), 2)

	_, err := f.sched.Acknowledge(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.False(t, f.sched.Tracking(a.ID))

	res, err := f.store.Sync(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Cleared, 1)
	f.sched.Cleared(ctx, res.Cleared[0])

	done := f.disp.byKind(notify.KindResolved)
	require.Len(t, done, 2)
	assert.Equal(t, models.ChannelEmail, done[0].Channel)
	assert.Len(t, done[0].Recipients, 2)
	assert.Equal(t, res.Cleared[0].Generation, done[0].Message.Generation)
}

func TestManualResolveAfterAcknowledgeNotifies(t *testing.T) {
	p := policy(nil)
	f := newFixture(t, WithPolicySource(staticPolicies{policy: p, recipients: contacts}))
	ctx := context.Background()
	a := f.open(t, models.SeverityWarning)
	require.NoError(t, f.sched.Start(ctx, a, p, contacts))

	_, err := f.sched.Acknowledge(ctx, a.ID, "alice")
	require.NoError(t, err)
	_, err = f.sched.Resolve(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, f.disp.byKind(notify.KindResolved), 2)
}

func TestMaskedExcursionDoesNotEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, models.SeverityWarning)
	require.NoError(t, f.sched.Start(ctx, a, policy(escalating), contacts))
	require.Len(t, f.disp.byKind(notify.KindInitial), 2)

	f.clk.Advance(5 * time.Minute)
	res := f.sync(t, models.SeverityWarning, true)
	assert.Empty(t, res.Open)
	require.Len(t, res.Suppressed, 1)
	f.sched.Pause(a.ID)
	assert.False(t, f.sched.Tracking(a.ID))

	f.clk.Advance(15 * time.Minute)
	assert.Empty(t, f.disp.byKind(notify.KindEscalation))

	// The door closes with the excursion still running: escalation resumes
	// without repeating the initial notification.
	res = f.sync(t, models.SeverityWarning, false)
	require.Len(t, res.Open, 1)
	require.NoError(t, f.sched.Start(ctx, res.Open[0], policy(escalating), contacts))
	f.clk.Advance(0)

	assert.Len(t, f.disp.byKind(notify.KindInitial), 2)
	steps := f.disp.byKind(notify.KindEscalation)
	require.Len(t, steps, 1)
	assert.Equal(t, res.Open[0].Generation, steps[0].Message.Generation)
}

func TestMaskedExcursionTimersGoStaleWithoutPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, models.SeverityWarning)
	require.NoError(t, f.sched.Start(ctx, a, policy(escalating), contacts))

	f.sync(t, models.SeverityWarning, true)
	f.clk.Advance(30 * time.Minute)
	assert.Empty(t, f.disp.byKind(notify.KindEscalation))
}

func TestSeverityRisingPastThresholdDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	critical := policy(func(p *rules.EffectivePolicy) {
		escalating(p)
		p.SeverityThreshold = models.SeverityCritical
	})
	a := f.open(t, models.SeverityWarning)
	require.NoError(t, f.sched.Start(ctx, a, critical, contacts))
	assert.Empty(t, f.disp.jobs)

	f.clk.Advance(30 * time.Minute)
	res := f.sync(t, models.SeverityCritical, false)
	require.Len(t, res.Open, 1)
	assert.Equal(t, a.Generation, res.Open[0].Generation)
	require.NoError(t, f.sched.Start(ctx, res.Open[0], critical, contacts))

	initial := f.disp.byKind(notify.KindInitial)
	require.Len(t, initial, 2)
	assert.Equal(t, models.SeverityCritical, initial[0].Message.Severity)
	assert.Empty(t, f.disp.byKind(notify.KindEscalation), "the ack deadline runs from the first notification")

	f.clk.Advance(15 * time.Minute)
	assert.Len(t, f.disp.byKind(notify.KindEscalation), 1)

	// Once armed, another severity change in the same generation is quiet.
	require.NoError(t, f.sched.Start(ctx, res.Open[0], critical, contacts))
	assert.Len(t, f.disp.byKind(notify.KindInitial), 2)
}

func TestFastDeliveryIsNotOverwrittenBySent(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	clk := clock.NewFake(t0)
	store := alert.NewHandler(db, events.Discard{}, zap.NewNop(), clk.Now)
	disp := &deliveringDispatcher{}
	sched := NewScheduler(store, disp, clk, zap.NewNop())
	defer sched.Stop()
	f := &fixture{sched: sched, store: store, clk: clk}

	a := f.open(t, models.SeverityWarning)
	require.NoError(t, sched.Start(context.Background(), a, policy(nil), contacts))
	require.Len(t, disp.byKind(notify.KindInitial), 2)
	assert.Equal(t, models.AlertStatusDelivered, f.reload(t, a.ID).Status)
}

func TestSchedulersSharingAStoreNotifyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := &captureDispatcher{}
	replica := NewScheduler(f.store, other, f.clk, zap.NewNop())
	defer replica.Stop()

	a := f.open(t, models.SeverityCritical)
	require.NoError(t, f.sched.Start(ctx, a, policy(escalating), contacts))
	require.NoError(t, replica.Start(ctx, a, policy(escalating), contacts))
	assert.Len(t, f.disp.byKind(notify.KindInitial), 2)
	assert.Empty(t, other.byKind(notify.KindInitial))

	f.clk.Advance(25 * time.Minute)
	steps := len(f.disp.byKind(notify.KindEscalation)) + len(other.byKind(notify.KindEscalation))
	assert.Equal(t, 3, steps, "each step is dispatched by one scheduler")
	assert.Equal(t, 2, f.reload(t, a.ID).EscalationLevel)
}

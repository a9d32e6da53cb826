package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexamarkco/kifersaude-sub001/internal/config"
	"github.com/hexamarkco/kifersaude-sub001/internal/flow"
	"github.com/hexamarkco/kifersaude-sub001/internal/messaging"
	"github.com/hexamarkco/kifersaude-sub001/internal/models"
	"github.com/hexamarkco/kifersaude-sub001/internal/scheduler"
	"github.com/hexamarkco/kifersaude-sub001/internal/store"
)

// immediateWaiter never blocks.
type immediateWaiter struct{}

func (immediateWaiter) WaitUntil(ctx context.Context, id string, when time.Time, description string) error {
	return ctx.Err()
}

// blockingWaiter blocks until the run is canceled.
type blockingWaiter struct{}

func (blockingWaiter) WaitUntil(ctx context.Context, id string, when time.Time, description string) error {
	<-ctx.Done()
	return ctx.Err()
}

func welcomeFlow() models.Flow {
	return models.Flow{
		ID:            "boas-vindas",
		Name:          "Boas-vindas",
		TriggerStatus: "Novo",
		Steps: []models.Step{
			{
				ID:            "ola",
				ActionType:    models.ActionSendMessage,
				MessageSource: models.MessageSourceCustom,
				Message:       models.MessageContent{Type: models.MessageTypeText, Text: "Olá {{primeiro_nome}}!"},
			},
			{ID: "aguardar", DelayValue: 1, DelayUnit: models.DelayDays, ActionType: models.ActionUpdateStatus, Status: "Aguardando retorno"},
		},
	}
}

func testSettings(t *testing.T, flows ...models.Flow) *config.Settings {
	t.Helper()
	entries := make([]config.FlowEntry, len(flows))
	for i, f := range flows {
		entries[i] = config.FlowEntry{Flow: f}
	}
	s, err := config.File{
		Scheduling: scheduler.PolicySpec{
			Timezone:        "UTC",
			DailyStart:      "00:00",
			DailyEnd:        "23:59",
			AllowedWeekdays: []int{1, 2, 3, 4, 5, 6, 7},
		},
		Flows: entries,
	}.Settings()
	require.NoError(t, err)
	return s
}

type harness struct {
	engine  *Engine
	store   *store.InMemoryStore
	gateway *messaging.MockGateway
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, settings *config.Settings, waiter flow.Waiter) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewInMemoryStore(),
		gateway: messaging.NewMockGateway(),
		reg:     prometheus.NewRegistry(),
	}
	h.engine = NewEngine(h.store, h.gateway, settings, WithWaiter(waiter), WithMetrics(h.reg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
	})
	return h
}

func (h *harness) addLead(t *testing.T, l models.Lead) {
	t.Helper()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	require.NoError(t, h.store.UpsertLead(context.Background(), l))
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.engine.ActiveRuns()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) onlyRun(t *testing.T) store.RunRecord {
	t.Helper()
	runs, err := h.engine.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestTriggerRunsFlowToCompletion(t *testing.T) {
	h := newHarness(t, testSettings(t, welcomeFlow()), immediateWaiter{})
	h.addLead(t, models.Lead{ID: "l1", FullName: "Ana Souza", Phone: "(11) 99999-0000", Status: "Novo"})

	res, err := h.engine.Trigger(context.Background(), "l1")
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.Equal(t, "boas-vindas", res.FlowID)
	assert.NotEmpty(t, res.RunID)
	h.waitIdle(t)

	sent := h.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "5511999990000", sent[0].To)
	assert.Equal(t, "Olá Ana!", sent[0].Text)

	lead, err := h.store.GetLead(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "Aguardando retorno", lead.Status)
	assert.False(t, lead.LastContactAt.IsZero(), "first dispatch touches last contact")

	run := h.onlyRun(t)
	assert.Equal(t, res.RunID, run.ID)
	assert.Equal(t, store.RunStatusFinished, run.Status)
	assert.Equal(t, models.RunCompleted, run.Outcome)
	assert.Equal(t, 1, run.StepIndex)
	assert.Equal(t, "aguardar", run.StepID)

	log, err := h.store.ListOutbound(context.Background(), "l1", 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, res.RunID, log[0].RunID)
	assert.Equal(t, models.MessageStatusSent, log[0].Status)
	assert.Equal(t, sent[0].ID, log[0].ProviderID)

	m := h.engine.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsStarted.WithLabelValues("boas-vindas")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("boas-vindas", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("text", "sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepsExecuted.WithLabelValues("send_message", "completed"))+
		testutil.ToFloat64(m.stepsExecuted.WithLabelValues("update_status", "completed")))
}

func TestTriggerWithoutStarting(t *testing.T) {
	h := newHarness(t, testSettings(t, welcomeFlow()), immediateWaiter{})
	h.addLead(t, models.Lead{ID: "other", Phone: "11999990000", Status: "Fechado"})
	h.addLead(t, models.Lead{ID: "archived", Phone: "11999990000", Status: "Novo", Archived: true})

	res, err := h.engine.Trigger(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, res.Started)
	assert.Equal(t, ReasonNoMatch, res.Reason)

	res, err = h.engine.Trigger(context.Background(), "archived")
	require.NoError(t, err)
	assert.Equal(t, ReasonArchived, res.Reason)

	_, err = h.engine.Trigger(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrLeadNotFound)

	off := testSettings(t, welcomeFlow())
	off.Enabled = false
	h.engine.Reload(off)
	h.addLead(t, models.Lead{ID: "novo", Phone: "11999990000", Status: "Novo"})
	res, err = h.engine.Trigger(context.Background(), "novo")
	require.NoError(t, err)
	assert.Equal(t, ReasonDisabled, res.Reason)

	assert.Empty(t, h.gateway.Sent())
}

func TestSingleRunPerLeadAndCancel(t *testing.T) {
	h := newHarness(t, testSettings(t, welcomeFlow()), blockingWaiter{})
	h.addLead(t, models.Lead{ID: "l1", Phone: "11999990000", Status: "Novo"})

	first, err := h.engine.Trigger(context.Background(), "l1")
	require.NoError(t, err)
	require.True(t, first.Started)

	_, err = h.engine.Trigger(context.Background(), "l1")
	assert.ErrorIs(t, err, store.ErrRunActive)

	active := h.engine.ActiveRuns()
	require.Len(t, active, 1)
	assert.Equal(t, first.RunID, active[0].RunID)

	found, err := h.engine.Cancel(context.Background(), "l1")
	require.NoError(t, err)
	assert.True(t, found)
	h.waitIdle(t)

	run := h.onlyRun(t)
	assert.Equal(t, models.RunCanceled, run.Outcome)
	assert.Empty(t, h.gateway.Sent())

	found, err = h.engine.Cancel(context.Background(), "l1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDisableFlow(t *testing.T) {
	fallback := welcomeFlow()
	fallback.ID = "fallback"
	fallback.TriggerStatus = ""
	h := newHarness(t, testSettings(t, welcomeFlow(), fallback), blockingWaiter{})
	h.addLead(t, models.Lead{ID: "l1", Phone: "11999990000", Status: "Novo"})

	res, err := h.engine.Trigger(context.Background(), "l1")
	require.NoError(t, err)
	require.Equal(t, "boas-vindas", res.FlowID)

	n, err := h.engine.DisableFlow("boas-vindas")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.waitIdle(t)
	assert.Equal(t, models.RunCanceled, h.onlyRun(t).Outcome)

	f, ok := h.engine.Match(models.Lead{Status: "Novo"})
	require.True(t, ok)
	assert.Equal(t, "fallback", f.ID, "disabled flow is skipped by the matcher")

	_, err = h.engine.DisableFlow("nope")
	assert.ErrorIs(t, err, ErrUnknownFlow)

	was, err := h.engine.EnableFlow("boas-vindas")
	require.NoError(t, err)
	assert.True(t, was)
	f, _ = h.engine.Match(models.Lead{Status: "Novo"})
	assert.Equal(t, "boas-vindas", f.ID)

	was, err = h.engine.EnableFlow("boas-vindas")
	require.NoError(t, err)
	assert.False(t, was, "already enabled")
	_, err = h.engine.EnableFlow("nope")
	assert.ErrorIs(t, err, ErrUnknownFlow)
}

func TestActiveRunsListsPendingWaits(t *testing.T) {
	h := newHarness(t, testSettings(t, welcomeFlow()), flow.NewTimer())
	h.addLead(t, models.Lead{ID: "l1", Phone: "11999990000", Status: "Novo"})

	_, err := h.engine.Trigger(context.Background(), "l1")
	require.NoError(t, err)

	// The first message goes out right away; the run then waits a day for step 2.
	require.Eventually(t, func() bool {
		runs := h.engine.ActiveRuns()
		return len(runs) == 1 && len(runs[0].Pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ar := h.engine.ActiveRuns()[0]
	assert.Equal(t, "l1/boas-vindas/1", ar.Pending[0].ID)
	assert.Equal(t, "ola", ar.StepID)
	assert.Len(t, h.gateway.Sent(), 1)

	run, ok := h.engine.LookupRun("l1")
	require.True(t, ok)
	require.Len(t, run.Pending, 1)
	assert.Equal(t, "l1/boas-vindas/1", run.Pending[0].ID)
	assert.Equal(t, ar.RunID, run.RunID)
	_, ok = h.engine.LookupRun("l2")
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))
	assert.Equal(t, models.RunCanceled, h.onlyRun(t).Outcome)

	_, err = h.engine.Trigger(context.Background(), "l1")
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestRunFailureIsRecorded(t *testing.T) {
	h := newHarness(t, testSettings(t, welcomeFlow()), immediateWaiter{})
	h.gateway.Err = errors.New("provider down")
	h.addLead(t, models.Lead{ID: "l1", Phone: "11999990000", Status: "Novo"})

	_, err := h.engine.Trigger(context.Background(), "l1")
	require.NoError(t, err)
	h.waitIdle(t)

	run := h.onlyRun(t)
	assert.Equal(t, models.RunFailed, run.Outcome)
	assert.Contains(t, run.Error, "provider down")

	log, err := h.store.ListOutbound(context.Background(), "l1", 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, models.MessageStatusFailed, log[0].Status)

	lead, _ := h.store.GetLead(context.Background(), "l1")
	assert.Equal(t, "Novo", lead.Status, "status on send only applies after a successful dispatch")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.metrics.stepsExecuted.WithLabelValues("send_message", "failed")))
}

func TestSweep(t *testing.T) {
	h := newHarness(t, testSettings(t, welcomeFlow()), blockingWaiter{})
	h.addLead(t, models.Lead{ID: "pending", Phone: "11999990000", Status: "Novo"})
	h.addLead(t, models.Lead{ID: "contacted", Phone: "11999990001", Status: "Novo", LastContactAt: time.Now()})
	h.addLead(t, models.Lead{ID: "no-phone", Status: "Novo"})
	h.addLead(t, models.Lead{ID: "archived", Phone: "11999990002", Status: "Novo", Archived: true})
	h.addLead(t, models.Lead{ID: "closed", Phone: "11999990003", Status: "Fechado"})

	started, err := h.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	active := h.engine.ActiveRuns()
	require.Len(t, active, 1)
	assert.Equal(t, "pending", active[0].LeadID)

	// A second sweep leaves the running lead alone.
	started, err = h.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.metrics.sweeps.WithLabelValues("busy")))
}

func TestStartAbandonsStaleRunsAndRegistersJobs(t *testing.T) {
	s := testSettings(t, welcomeFlow())
	s.SweepSchedule = "*/5 * * * *"
	h := newHarness(t, s, immediateWaiter{})

	_, err := h.store.StartRun(context.Background(), "l1", "boas-vindas")
	require.NoError(t, err)

	require.NoError(t, h.engine.Start(context.Background()))
	assert.Equal(t, 2, h.engine.cron.Jobs())

	run := h.onlyRun(t)
	assert.Equal(t, store.RunStatusFinished, run.Status)
	assert.Equal(t, models.RunCanceled, run.Outcome)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := testSettings(t)
	s.SweepSchedule = "not a schedule"
	h := newHarness(t, s, immediateWaiter{})
	assert.Error(t, h.engine.Start(context.Background()))
}

func TestPurge(t *testing.T) {
	h := newHarness(t, testSettings(t), immediateWaiter{})
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.store.RecordOutbound(ctx, store.OutboundMessage{LeadID: "a", Status: models.MessageStatusSent, SentAt: now.Add(-60 * 24 * time.Hour)}))
	require.NoError(t, h.store.RecordOutbound(ctx, store.OutboundMessage{LeadID: "b", Status: models.MessageStatusSent, SentAt: now}))

	runs, msgs, err := h.engine.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, runs)
	assert.Equal(t, int64(1), msgs)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.metrics.purged.WithLabelValues("messages")))

	keep := testSettings(t)
	keep.Retention = 0
	h.engine.Reload(keep)
	_, msgs, err = h.engine.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, msgs)
}

func TestPreview(t *testing.T) {
	h := newHarness(t, testSettings(t, welcomeFlow()), immediateWaiter{})
	start := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

	entries, err := h.engine.Preview("boas-vindas", start)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, start, entries[0].ScheduledAt)
	assert.Equal(t, start.Add(24*time.Hour), entries[1].ScheduledAt)

	_, err = h.engine.Preview("nope", start)
	assert.ErrorIs(t, err, ErrUnknownFlow)
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.runStarted("f")
		m.runFinished("f", "completed")
		m.message("text", "sent")
		m.step("send_message", "completed")
		m.sweep("started")
		m.purge(1, 2)
	})
	assert.Nil(t, NewMetrics(nil))
}

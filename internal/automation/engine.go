// Package automation runs flows for leads: it matches a lead against the configured
// flows, keeps at most one run per lead, records runs and outbound messages, and
// drives the periodic sweep and retention jobs.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hexamarkco/kifersaude-sub001/internal/config"
	"github.com/hexamarkco/kifersaude-sub001/internal/flow"
	"github.com/hexamarkco/kifersaude-sub001/internal/messaging"
	"github.com/hexamarkco/kifersaude-sub001/internal/models"
	"github.com/hexamarkco/kifersaude-sub001/internal/scheduler"
	"github.com/hexamarkco/kifersaude-sub001/internal/store"
)

// DefaultJobTimeout bounds one sweep or purge execution.
const DefaultJobTimeout = 5 * time.Minute

var (
	// ErrEngineStopped is returned by Trigger after Shutdown.
	ErrEngineStopped = errors.New("automation engine stopped")
	// ErrUnknownFlow is returned for a flow id that is not configured.
	ErrUnknownFlow = errors.New("unknown flow")
)

// Reasons reported when Trigger does not start a run.
const (
	ReasonDisabled = "automation disabled"
	ReasonArchived = "lead archived"
	ReasonNoMatch  = "no matching flow"
)

// Opts holds optional engine collaborators.
type Opts struct {
	Composer   flow.Composer
	Registerer prometheus.Registerer
	Waiter     flow.Waiter
	Clock      func() time.Time
}

// Option configures an Engine.
type Option func(*Opts)

// WithComposer sets the composer used by ai-sourced steps.
func WithComposer(c flow.Composer) Option {
	return func(o *Opts) { o.Composer = c }
}

// WithMetrics registers the engine metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Opts) { o.Registerer = reg }
}

// WithWaiter replaces the engine's step timer.
func WithWaiter(w flow.Waiter) Option {
	return func(o *Opts) { o.Waiter = w }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// TriggerResult reports what Trigger did.
type TriggerResult struct {
	Started bool   `json:"started"`
	RunID   string `json:"run_id,omitempty"`
	FlowID  string `json:"flow_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ActiveRun describes a run in progress.
type ActiveRun struct {
	RunID     string             `json:"run_id"`
	LeadID    string             `json:"lead_id"`
	FlowID    string             `json:"flow_id"`
	StartedAt time.Time          `json:"started_at"`
	StepIndex int                `json:"step_index"`
	StepID    string             `json:"step_id,omitempty"`
	Pending   []models.TimerInfo `json:"pending,omitempty"`
}

// timerLister is implemented by waiters that can list their pending waits.
type timerLister interface {
	ListActive() []models.TimerInfo
}

// timerGetter is implemented by waiters that can look up a single pending wait.
type timerGetter interface {
	GetTimer(id string) (*models.TimerInfo, bool)
}

type slot struct {
	runID     string
	leadID    string
	flowID    string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	stepIndex int
	stepID    string
	waiting   int // step being waited on, or -1
}

// view must be called with the engine lock held.
func (sl *slot) view() ActiveRun {
	return ActiveRun{
		RunID:     sl.runID,
		LeadID:    sl.leadID,
		FlowID:    sl.flowID,
		StartedAt: sl.startedAt,
		StepIndex: sl.stepIndex,
		StepID:    sl.stepID,
	}
}

// Engine owns every flow run of the process.
type Engine struct {
	store    store.Store
	gateway  messaging.Gateway
	opts     Opts
	metrics  *Metrics
	settings atomic.Pointer[config.Settings]

	mu       sync.Mutex
	slots    map[string]*slot // by lead id
	disabled map[string]bool  // flows disabled at runtime
	stopped  bool

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	cron      *scheduler.Scheduler
}

// NewEngine creates an engine. Runs only start through Trigger or Sweep; call Start
// to clean up after a previous process and register the periodic jobs.
func NewEngine(st store.Store, gateway messaging.Gateway, settings *config.Settings, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Waiter == nil {
		cfg.Waiter = flow.NewTimer()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     st,
		gateway:   gateway,
		opts:      cfg,
		metrics:   NewMetrics(cfg.Registerer),
		slots:     make(map[string]*slot),
		disabled:  make(map[string]bool),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
	e.settings.Store(settings)
	return e
}

// Settings returns the current settings snapshot.
func (e *Engine) Settings() *config.Settings {
	return e.settings.Load()
}

// Reload swaps the settings snapshot. Running flows keep the flow definition they
// started with but observe the new enabled switch. Cron schedules are read at Start.
func (e *Engine) Reload(s *config.Settings) {
	e.settings.Store(s)
	slog.Info("Engine.Reload: settings replaced", "flows", len(s.Flows), "enabled", s.Enabled)
}

// Start finishes runs left active by a previous process and registers the sweep and
// purge jobs.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.store.AbandonStaleRuns(ctx)
	if err != nil {
		return fmt.Errorf("abandon stale runs: %w", err)
	}
	if n > 0 {
		slog.Warn("Engine.Start: abandoned runs of a previous process", "count", n)
	}

	s := e.Settings()
	e.cron = scheduler.NewScheduler(s.Policy.Location)
	if s.SweepSchedule != "" {
		if err := e.cron.AddJob("sweep", s.SweepSchedule, e.sweepJob); err != nil {
			e.cron.Stop()
			return err
		}
	}
	if s.Retention > 0 && s.PurgeSchedule != "" {
		if err := e.cron.AddJob("purge", s.PurgeSchedule, e.purgeJob); err != nil {
			e.cron.Stop()
			return err
		}
	}
	slog.Info("Engine.Start: automation engine started", "jobs", e.cron.Jobs(), "enabled", s.Enabled)
	return nil
}

func (e *Engine) sweepJob() {
	ctx, cancel := context.WithTimeout(e.baseCtx, DefaultJobTimeout)
	defer cancel()
	if _, err := e.Sweep(ctx); err != nil {
		slog.Error("Engine.sweepJob: sweep failed", "error", err)
	}
}

func (e *Engine) purgeJob() {
	ctx, cancel := context.WithTimeout(e.baseCtx, DefaultJobTimeout)
	defer cancel()
	if _, _, err := e.Purge(ctx); err != nil {
		slog.Error("Engine.purgeJob: purge failed", "error", err)
	}
}

// SaveLead stores the current state of a lead, as pushed by the CRM.
func (e *Engine) SaveLead(ctx context.Context, lead models.Lead) error {
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = e.opts.Clock()
	}
	return e.store.UpsertLead(ctx, lead)
}

// Trigger loads the lead and starts a run of the first matching flow. It returns
// store.ErrRunActive when the lead already has a run.
func (e *Engine) Trigger(ctx context.Context, leadID string) (*TriggerResult, error) {
	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	return e.trigger(ctx, lead)
}

func (e *Engine) trigger(ctx context.Context, lead models.Lead) (*TriggerResult, error) {
	if e.isStopped() {
		return nil, ErrEngineStopped
	}
	s := e.Settings()
	if !s.Enabled {
		return &TriggerResult{Reason: ReasonDisabled}, nil
	}
	if lead.Archived {
		return &TriggerResult{Reason: ReasonArchived}, nil
	}
	f, ok := flow.Match(lead, e.selectable(s.Flows))
	if !ok {
		slog.Debug("Engine.Trigger: no flow matched", "lead_id", lead.ID, "status", lead.Status)
		return &TriggerResult{Reason: ReasonNoMatch}, nil
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	if _, busy := e.slots[lead.ID]; busy {
		e.mu.Unlock()
		return nil, store.ErrRunActive
	}
	runID, err := e.store.StartRun(ctx, lead.ID, f.ID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	runCtx, cancel := context.WithCancel(e.baseCtx)
	sl := &slot{
		runID:     runID,
		leadID:    lead.ID,
		flowID:    f.ID,
		startedAt: e.opts.Clock(),
		cancel:    cancel,
		done:      make(chan struct{}),
		waiting:   -1,
	}
	e.slots[lead.ID] = sl
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.runStarted(f.ID)
	slog.Info("Engine.Trigger: run started", "run_id", runID, "lead_id", lead.ID, "flow_id", f.ID)
	go e.execute(runCtx, sl, lead, f, s)
	return &TriggerResult{Started: true, RunID: runID, FlowID: f.ID}, nil
}

// selectable marks runtime-disabled flows as disabled so the matcher skips them.
func (e *Engine) selectable(flows []models.Flow) []models.Flow {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.disabled) == 0 {
		return flows
	}
	out := make([]models.Flow, len(flows))
	copy(out, flows)
	for i := range out {
		if e.disabled[out[i].ID] {
			out[i].Disabled = true
		}
	}
	return out
}

func (e *Engine) proceed(flowID string) bool {
	if !e.Settings().Enabled {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.disabled[flowID]
}

func (e *Engine) execute(ctx context.Context, sl *slot, lead models.Lead, f models.Flow, s *config.Settings) {
	defer e.wg.Done()
	defer close(sl.done)
	defer sl.cancel()

	gw := &recordingGateway{
		Gateway: e.gateway,
		log:     e.store,
		metrics: e.metrics,
		now:     e.opts.Clock,
		runID:   sl.runID,
		leadID:  lead.ID,
		flowID:  f.ID,
	}
	ex := flow.NewExecutor(e.store, gw,
		flow.WithTemplates(s.Templates),
		flow.WithComposer(e.opts.Composer),
		flow.WithClock(e.opts.Clock),
		flow.WithWaiter(e.opts.Waiter),
		flow.WithSendCounter(sendCounter{log: e.store}),
		flow.WithObserver(e.observer(sl, f)),
	)

	onFirstDispatch := func(ctx context.Context) error {
		status := e.Settings().StatusOnSend
		if status != "" {
			if err := e.store.UpdateStatus(ctx, lead.ID, status); err != nil {
				return err
			}
		}
		return e.store.TouchLastContact(ctx, lead.ID, e.opts.Clock())
	}

	res, err := ex.Run(ctx, lead, f, s.Policy, func() bool { return e.proceed(f.ID) }, onFirstDispatch)

	var errMsg string
	if err != nil {
		errMsg = err.Error()
		slog.Error("Engine.execute: run failed", "run_id", sl.runID, "lead_id", lead.ID, "flow_id", f.ID, "error", err)
	} else {
		slog.Info("Engine.execute: run finished", "run_id", sl.runID, "lead_id", lead.ID, "flow_id", f.ID,
			"outcome", res.Outcome, "steps", res.StepsCompleted, "messages", res.MessagesSent)
	}
	if ferr := e.store.FinishRun(context.WithoutCancel(ctx), sl.runID, res.Outcome, errMsg); ferr != nil {
		slog.Error("Engine.execute: failed to record run outcome", "run_id", sl.runID, "error", ferr)
	}

	e.metrics.runFinished(f.ID, string(res.Outcome))

	e.mu.Lock()
	if e.slots[lead.ID] == sl {
		delete(e.slots, lead.ID)
	}
	e.mu.Unlock()
}

// observer persists step progress and feeds step metrics.
func (e *Engine) observer(sl *slot, f models.Flow) func(flow.Event) {
	return func(ev flow.Event) {
		var action string
		if ev.StepIndex < len(f.Steps) {
			action = string(f.Steps[ev.StepIndex].ActionType)
		}
		switch ev.State {
		case flow.StateScheduled:
			slog.Debug("Engine.observer: step scheduled", "run_id", sl.runID, "step_index", ev.StepIndex, "scheduled_at", ev.ScheduledAt)
		case flow.StateWaiting:
			e.mu.Lock()
			sl.waiting = ev.StepIndex
			e.mu.Unlock()
		case flow.StateDispatching:
			e.mu.Lock()
			sl.stepIndex, sl.stepID, sl.waiting = ev.StepIndex, ev.StepID, -1
			e.mu.Unlock()
			if err := e.store.UpdateRunStep(e.baseCtx, sl.runID, ev.StepIndex, ev.StepID); err != nil {
				slog.Warn("Engine.observer: failed to record step", "run_id", sl.runID, "error", err)
			}
		case flow.StateStepCompleted:
			e.metrics.step(action, "completed")
		case flow.StateDeleted:
			e.metrics.step(action, "completed")
		case flow.StateStepFailed:
			e.metrics.step(action, "failed")
		}
	}
}

// Cancel stops the lead's run and waits until it has finished, or ctx ends. It
// reports whether a run was found.
func (e *Engine) Cancel(ctx context.Context, leadID string) (bool, error) {
	e.mu.Lock()
	sl, ok := e.slots[leadID]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}
	sl.cancel()
	select {
	case <-sl.done:
		slog.Info("Engine.Cancel: run canceled", "run_id", sl.runID, "lead_id", leadID)
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// DisableFlow stops new runs of the flow and cancels the ones in progress. It
// returns the number of runs canceled.
func (e *Engine) DisableFlow(flowID string) (int, error) {
	if _, ok := e.Settings().Flow(flowID); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)
	}
	e.mu.Lock()
	e.disabled[flowID] = true
	n := 0
	for _, sl := range e.slots {
		if sl.flowID == flowID {
			sl.cancel()
			n++
		}
	}
	e.mu.Unlock()
	slog.Info("Engine.DisableFlow: flow disabled", "flow_id", flowID, "canceled", n)
	return n, nil
}

// EnableFlow lifts a runtime disable. It reports whether the flow was disabled.
func (e *Engine) EnableFlow(flowID string) (bool, error) {
	if _, ok := e.Settings().Flow(flowID); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)
	}
	e.mu.Lock()
	was := e.disabled[flowID]
	delete(e.disabled, flowID)
	e.mu.Unlock()
	if was {
		slog.Info("Engine.EnableFlow: flow enabled", "flow_id", flowID)
	}
	return was, nil
}

// LookupRun returns the lead's run in progress and the wait it is blocked on, if any.
func (e *Engine) LookupRun(leadID string) (ActiveRun, bool) {
	e.mu.Lock()
	sl, ok := e.slots[leadID]
	if !ok {
		e.mu.Unlock()
		return ActiveRun{}, false
	}
	ar, waiting := sl.view(), sl.waiting
	e.mu.Unlock()

	if g, ok := e.opts.Waiter.(timerGetter); ok && waiting >= 0 {
		if ti, found := g.GetTimer(flow.TimerID(ar.LeadID, ar.FlowID, waiting)); found {
			ar.Pending = []models.TimerInfo{*ti}
		}
	}
	return ar, true
}

// ActiveRuns lists runs in progress with their pending waits.
func (e *Engine) ActiveRuns() []ActiveRun {
	var timers []models.TimerInfo
	if l, ok := e.opts.Waiter.(timerLister); ok {
		timers = l.ListActive()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ActiveRun, 0, len(e.slots))
	for _, sl := range e.slots {
		ar := sl.view()
		prefix := sl.leadID + "/" + sl.flowID + "/"
		for _, t := range timers {
			if strings.HasPrefix(t.ID, prefix) {
				ar.Pending = append(ar.Pending, t)
			}
		}
		out = append(out, ar)
	}
	return out
}

// History returns stored run records, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]store.RunRecord, error) {
	return e.store.ListRuns(ctx, limit)
}

// Messages returns the outbound message log, newest first. An empty leadID lists
// messages of every lead.
func (e *Engine) Messages(ctx context.Context, leadID string, limit int) ([]store.OutboundMessage, error) {
	return e.store.ListOutbound(ctx, leadID, limit)
}

// Sweep triggers every pending lead: non-archived, in one of the sweep statuses,
// with a phone, never contacted and without a run. It returns the number of runs
// started.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	s := e.Settings()
	if !s.Enabled {
		slog.Debug("Engine.Sweep: automation disabled, skipping")
		return 0, nil
	}
	leads, err := e.store.ListLeadsByStatus(ctx, s.SweepStatuses)
	if err != nil {
		return 0, fmt.Errorf("list pending leads: %w", err)
	}

	started := 0
	for _, lead := range leads {
		if err := ctx.Err(); err != nil {
			return started, err
		}
		if strings.TrimSpace(lead.Phone) == "" || !lead.LastContactAt.IsZero() {
			e.metrics.sweep("skipped")
			continue
		}
		if e.hasRun(lead.ID) {
			e.metrics.sweep("busy")
			continue
		}
		if active, err := e.store.ActiveRun(ctx, lead.ID); err != nil {
			slog.Warn("Engine.Sweep: failed to check active run", "lead_id", lead.ID, "error", err)
			continue
		} else if active != nil {
			e.metrics.sweep("busy")
			continue
		}

		res, err := e.trigger(ctx, lead)
		switch {
		case errors.Is(err, store.ErrRunActive):
			e.metrics.sweep("busy")
		case err != nil:
			e.metrics.sweep("error")
			slog.Warn("Engine.Sweep: trigger failed", "lead_id", lead.ID, "error", err)
			if errors.Is(err, ErrEngineStopped) {
				return started, err
			}
		case res.Started:
			e.metrics.sweep("started")
			started++
		default:
			e.metrics.sweep("unmatched")
		}
	}
	slog.Info("Engine.Sweep: sweep finished", "examined", len(leads), "started", started)
	return started, nil
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) hasRun(leadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.slots[leadID]
	return ok
}

// Purge removes run records and messages older than the retention period.
func (e *Engine) Purge(ctx context.Context) (int64, int64, error) {
	retention := e.Settings().Retention
	if retention <= 0 {
		return 0, 0, nil
	}
	runs, msgs, err := e.store.PurgeBefore(ctx, e.opts.Clock().Add(-retention))
	if err != nil {
		return runs, msgs, err
	}
	e.metrics.purge(runs, msgs)
	return runs, msgs, nil
}

// Match returns the flow a lead would start, honoring runtime disables.
func (e *Engine) Match(lead models.Lead) (models.Flow, bool) {
	return flow.Match(lead, e.selectable(e.Settings().Flows))
}

// Preview computes the dry-run timeline of a flow started at start.
func (e *Engine) Preview(flowID string, start time.Time) ([]scheduler.TimelineEntry, error) {
	s := e.Settings()
	f, ok := s.Flow(flowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)
	}
	return scheduler.Timeline(start, f.Steps, s.Policy), nil
}

// Shutdown stops the jobs, cancels every run and waits for them to finish or for
// ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	slog.Info("Engine.Shutdown: stopping automation engine")
	if e.cron != nil {
		e.cron.Stop()
	}
	e.cancelAll()
	if t, ok := e.opts.Waiter.(*flow.Timer); ok {
		t.Stop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Engine.Shutdown: all runs finished")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}
}

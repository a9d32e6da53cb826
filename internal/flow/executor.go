package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hexamarkco/kifersaude-sub001/internal/condition"
	"github.com/hexamarkco/kifersaude-sub001/internal/messaging"
	"github.com/hexamarkco/kifersaude-sub001/internal/models"
	"github.com/hexamarkco/kifersaude-sub001/internal/render"
	"github.com/hexamarkco/kifersaude-sub001/internal/scheduler"
)

// MaxLimitDays bounds how far send limits and blackout dates may push a step.
const MaxLimitDays = 366

// TimerID names the wait of one step of a lead's run.
func TimerID(leadID, flowID string, step int) string {
	return fmt.Sprintf("%s/%s/%d", leadID, flowID, step)
}

// errInterrupted is returned internally when a send fails because the run's
// context ended. The run is then recorded as canceled, not failed.
var errInterrupted = errors.New("run interrupted")

// LeadRepository is the executor's view of lead storage.
type LeadRepository interface {
	GetLead(ctx context.Context, id string) (models.Lead, error)
	UpdateStatus(ctx context.Context, id, status string) error
	SetArchived(ctx context.Context, id string, archived bool) error
	DeleteLead(ctx context.Context, id string) error
}

// Composer writes the text of an ai-sourced message.
type Composer interface {
	Compose(ctx context.Context, prompt string, lead models.Lead) (string, error)
}

// SendCounter counts messages already sent in [from, to), to every recipient when
// recipient is empty.
type SendCounter interface {
	CountSent(ctx context.Context, recipient string, from, to time.Time) (int, error)
}

// State is a position in a run's lifecycle.
type State string

// Run states.
const (
	StateScheduled     State = "scheduled"
	StateWaiting       State = "waiting"
	StateDispatching   State = "dispatching"
	StateStepCompleted State = "step_completed"
	StateStepFailed    State = "step_failed"
	StateExited        State = "exited"
	StateCompleted     State = "completed"
	StateCanceled      State = "canceled"
	StateDeleted       State = "deleted"
)

// Event is a state transition reported to the observer.
type Event struct {
	State       State
	FlowID      string
	LeadID      string
	StepIndex   int
	StepID      string
	ScheduledAt time.Time
	Err         error
}

// RunResult summarizes a finished run.
type RunResult struct {
	FlowID         string            `json:"flow_id"`
	LeadID         string            `json:"lead_id"`
	Outcome        models.RunOutcome `json:"outcome"`
	StepsCompleted int               `json:"steps_completed"`
	MessagesSent   int               `json:"messages_sent"`
	LastStepID     string            `json:"last_step_id,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// Opts holds executor collaborators beyond the repository and gateway.
type Opts struct {
	Templates   map[string]models.Template
	Composer    Composer
	Clock       func() time.Time
	Waiter      Waiter
	SendCounter SendCounter
	Observer    func(Event)
}

// Option configures an Executor.
type Option func(*Opts)

// WithTemplates sets the templates template-sourced steps read from.
func WithTemplates(templates []models.Template) Option {
	return func(o *Opts) {
		o.Templates = make(map[string]models.Template, len(templates))
		for _, t := range templates {
			o.Templates[t.ID] = t
		}
	}
}

// WithComposer sets the composer for ai-sourced steps.
func WithComposer(c Composer) Option {
	return func(o *Opts) { o.Composer = c }
}

// WithClock replaces time.Now as the run start clock.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// WithWaiter replaces the default Timer.
func WithWaiter(w Waiter) Option {
	return func(o *Opts) { o.Waiter = w }
}

// WithSendCounter enables the policy's daily send limit.
func WithSendCounter(c SendCounter) Option {
	return func(o *Opts) { o.SendCounter = c }
}

// WithObserver registers a hook receiving every state transition.
func WithObserver(fn func(Event)) Option {
	return func(o *Opts) { o.Observer = fn }
}

// Executor runs one flow for one lead at a time per Run call. It holds no per-run
// state, so concurrent Run calls are independent.
type Executor struct {
	repo    LeadRepository
	gateway messaging.Gateway
	opts    Opts
}

// NewExecutor builds an Executor.
func NewExecutor(repo LeadRepository, gateway messaging.Gateway, opts ...Option) *Executor {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Waiter == nil {
		cfg.Waiter = NewTimer()
	}
	return &Executor{repo: repo, gateway: gateway, opts: cfg}
}

// Waiter returns the executor's waiter, so callers can list pending waits.
func (e *Executor) Waiter() Waiter {
	return e.opts.Waiter
}

type run struct {
	*Executor
	ctx             context.Context
	flow            models.Flow
	lead            models.Lead
	policy          scheduler.Policy
	proceed         func() bool
	onFirstDispatch func(context.Context) error
	firstDone       bool
	result          *RunResult
}

// Run executes the steps of f for lead. Each step's target instant is the run start
// plus the cumulative delay up to that step, moved forward by the policy. proceed is
// consulted before and after every wait; returning false, or ctx ending, cancels the
// run without side effects. onFirstDispatch is called once, right after the first
// message is accepted by the gateway.
//
// A failing step stops the run: the result carries RunFailed and the returned error
// is a *StepError. Earlier steps are not rolled back.
func (e *Executor) Run(ctx context.Context, lead models.Lead, f models.Flow, policy scheduler.Policy, proceed func() bool, onFirstDispatch func(context.Context) error) (*RunResult, error) {
	if proceed == nil {
		proceed = func() bool { return true }
	}
	r := &run{
		Executor:        e,
		ctx:             ctx,
		flow:            f,
		lead:            lead,
		policy:          policy,
		proceed:         proceed,
		onFirstDispatch: onFirstDispatch,
		result: &RunResult{
			FlowID:    f.ID,
			LeadID:    lead.ID,
			StartedAt: e.opts.Clock(),
		},
	}
	err := r.execute()
	r.result.FinishedAt = e.opts.Clock()
	return r.result, err
}

func (r *run) execute() error {
	start := r.result.StartedAt
	var cumulative time.Duration

	for i, step := range r.flow.Steps {
		if r.stopped() {
			return r.finish(models.RunCanceled, StateCanceled, i)
		}
		if r.exitReached() {
			return r.finish(models.RunExited, StateExited, i)
		}

		cumulative += step.Delay()
		scheduledAt := scheduler.NextAllowedInstant(start.Add(cumulative), r.policy)
		if step.ActionType == models.ActionSendMessage {
			var err error
			scheduledAt, err = r.applySendLimits(scheduledAt)
			if err != nil {
				return r.fail(i, models.ErrRepository, err)
			}
		}
		r.emit(Event{State: StateScheduled, StepIndex: i, StepID: step.ID, ScheduledAt: scheduledAt})

		r.emit(Event{State: StateWaiting, StepIndex: i, StepID: step.ID, ScheduledAt: scheduledAt})
		timerID := TimerID(r.lead.ID, r.flow.ID, i)
		desc := fmt.Sprintf("lead %s flow %s step %d (%s)", r.lead.ID, r.flow.ID, i, step.ActionType)
		if err := r.opts.Waiter.WaitUntil(r.ctx, timerID, scheduledAt, desc); err != nil {
			return r.finish(models.RunCanceled, StateCanceled, i)
		}
		if r.stopped() {
			return r.finish(models.RunCanceled, StateCanceled, i)
		}

		fresh, err := r.repo.GetLead(r.ctx, r.lead.ID)
		if errors.Is(err, models.ErrLeadNotFound) {
			return r.finish(models.RunCanceled, StateCanceled, i)
		}
		if err != nil {
			return r.fail(i, models.ErrRepository, err)
		}
		r.lead = fresh
		if r.exitReached() {
			return r.finish(models.RunExited, StateExited, i)
		}

		r.emit(Event{State: StateDispatching, StepIndex: i, StepID: step.ID})
		deleted, err := r.dispatch(i, step)
		if errors.Is(err, errInterrupted) {
			return r.finish(models.RunCanceled, StateCanceled, i)
		}
		if err != nil {
			return err
		}
		r.result.StepsCompleted++
		r.result.LastStepID = step.ID
		if deleted {
			return r.finish(models.RunDeleted, StateDeleted, i)
		}
		r.emit(Event{State: StateStepCompleted, StepIndex: i, StepID: step.ID})
	}
	return r.finish(models.RunCompleted, StateCompleted, len(r.flow.Steps))
}

func (r *run) stopped() bool {
	return r.ctx.Err() != nil || !r.proceed()
}

// exitReached evaluates the exit conditions against the current snapshot. A flow
// without exit conditions never exits early.
func (r *run) exitReached() bool {
	if len(r.flow.ExitConditions) == 0 {
		return false
	}
	return condition.EvaluateAll(r.flow.ExitConditions, r.exitLogic(), r.lead)
}

func (r *run) exitLogic() models.Logic {
	if r.flow.ExitConditionLogic == "" {
		return models.LogicAll
	}
	return r.flow.ExitConditionLogic
}

// applySendLimits moves scheduledAt to the next allowed day start while the day it
// falls on is one of the lead's blackout dates, or has already reached the policy's
// send limit or the lead's own limit. The lead's limit counts messages sent to its
// canonical number.
func (r *run) applySendLimits(scheduledAt time.Time) (time.Time, error) {
	blackout := blackoutDays(r.lead.BlackoutDates)
	tenantLimit, leadLimit := r.policy.DailySendLimit, r.lead.DailySendLimit
	if r.opts.SendCounter == nil {
		tenantLimit, leadLimit = 0, 0
	}
	var recipient string
	if leadLimit > 0 {
		canonical, err := r.gateway.ValidateAndCanonicalizeRecipient(r.lead.Phone)
		if err != nil {
			// The send itself reports the bad number.
			leadLimit = 0
		}
		recipient = canonical
	}
	if len(blackout) == 0 && tenantLimit <= 0 && leadLimit <= 0 {
		return scheduledAt, nil
	}

	for i := 0; i < MaxLimitDays; i++ {
		from, to := r.policy.DayBounds(scheduledAt)
		full := blackout[scheduler.DateOf(from).String()]
		if !full && tenantLimit > 0 {
			sent, err := r.opts.SendCounter.CountSent(r.ctx, "", from, to)
			if err != nil {
				return scheduledAt, fmt.Errorf("count sent messages: %w", err)
			}
			full = sent >= tenantLimit
		}
		if !full && leadLimit > 0 {
			sent, err := r.opts.SendCounter.CountSent(r.ctx, recipient, from, to)
			if err != nil {
				return scheduledAt, fmt.Errorf("count messages sent to lead: %w", err)
			}
			full = sent >= leadLimit
		}
		if !full {
			return scheduledAt, nil
		}
		scheduledAt = scheduler.NextAllowedInstant(r.policy.NextDayStart(scheduledAt), r.policy)
	}
	return scheduledAt, nil
}

// blackoutDays keeps the entries that start with a YYYY-MM-DD date.
func blackoutDays(dates []string) map[string]bool {
	if len(dates) == 0 {
		return nil
	}
	out := make(map[string]bool, len(dates))
	for _, d := range dates {
		if len(d) < len(time.DateOnly) {
			continue
		}
		if day, err := scheduler.ParseISODate(d[:len(time.DateOnly)]); err == nil {
			out[day.String()] = true
		}
	}
	return out
}

// dispatch performs the step's action. It reports whether the lead was deleted.
func (r *run) dispatch(i int, step models.Step) (bool, error) {
	switch step.ActionType {
	case models.ActionSendMessage:
		return false, r.send(i, step)
	case models.ActionUpdateStatus:
		if err := r.repo.UpdateStatus(r.ctx, r.lead.ID, step.Status); err != nil {
			return false, r.fail(i, models.ErrRepository, err)
		}
		r.lead.Status = step.Status
	case models.ActionArchiveLead:
		if err := r.repo.SetArchived(r.ctx, r.lead.ID, true); err != nil {
			return false, r.fail(i, models.ErrRepository, err)
		}
		r.lead.Archived = true
	case models.ActionDeleteLead:
		if err := r.repo.DeleteLead(r.ctx, r.lead.ID); err != nil {
			return false, r.fail(i, models.ErrRepository, err)
		}
		return true, nil
	default:
		return false, r.fail(i, models.ErrInvalidConfiguration, fmt.Errorf("%w: %q", models.ErrInvalidActionType, step.ActionType))
	}
	return false, nil
}

func (r *run) send(i int, step models.Step) error {
	messages, err := r.messages(i, step)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	to, err := r.gateway.ValidateAndCanonicalizeRecipient(r.lead.Phone)
	if err != nil {
		return r.fail(i, models.ErrInvalidRecipient, err)
	}

	for _, m := range messages {
		if m.Type.IsMedia() {
			_, err = r.gateway.SendMedia(r.ctx, to, messaging.Media{Type: m.Type, URL: m.MediaURL, Caption: m.Caption, Filename: m.Filename})
		} else {
			_, err = r.gateway.SendText(r.ctx, to, m.Text)
		}
		if err != nil {
			return r.interrupted(i, models.ErrDispatchFailed, err)
		}
		r.result.MessagesSent++

		if !r.firstDone {
			r.firstDone = true
			if r.onFirstDispatch != nil {
				if err := r.onFirstDispatch(r.ctx); err != nil {
					return r.fail(i, models.ErrRepository, fmt.Errorf("first dispatch hook: %w", err))
				}
			}
		}
	}
	return nil
}

// messages renders the step's content for the current lead and drops messages that
// rendered empty.
func (r *run) messages(i int, step models.Step) ([]models.MessageContent, error) {
	var raw []models.MessageContent
	switch step.MessageSource {
	case models.MessageSourceTemplate:
		tpl, ok := r.opts.Templates[step.TemplateID]
		if !ok {
			return nil, r.fail(i, models.ErrInvalidConfiguration, fmt.Errorf("template %q not found", step.TemplateID))
		}
		raw = tpl.Messages
	case models.MessageSourceAI:
		if r.opts.Composer == nil {
			return nil, r.fail(i, models.ErrInvalidConfiguration, errors.New("no composer configured for ai messages"))
		}
		text, err := r.opts.Composer.Compose(r.ctx, render.Render(step.Prompt, r.lead), r.lead)
		if err != nil {
			return nil, r.interrupted(i, models.ErrDispatchFailed, fmt.Errorf("compose: %w", err))
		}
		return nonEmpty([]models.MessageContent{{Type: models.MessageTypeText, Text: text}}), nil
	default:
		raw = []models.MessageContent{step.Message}
	}

	rendered := make([]models.MessageContent, 0, len(raw))
	for _, m := range raw {
		if m.Type == "" {
			m.Type = models.MessageTypeText
		}
		rendered = append(rendered, render.RenderMessage(m, r.lead))
	}
	return nonEmpty(rendered), nil
}

func nonEmpty(in []models.MessageContent) []models.MessageContent {
	out := in[:0]
	for _, m := range in {
		if !render.IsEmpty(m) {
			out = append(out, m)
		}
	}
	return out
}

func (r *run) fail(i int, kind, err error) error {
	se := stepError(r.flow, i, kind, err)
	r.result.Outcome = models.RunFailed
	r.result.LastStepID = se.StepID
	r.emit(Event{State: StateStepFailed, StepIndex: i, StepID: se.StepID, Err: se})
	return se
}

// interrupted fails the step unless the run's context has ended, in which case the
// error is dropped in favor of errInterrupted.
func (r *run) interrupted(i int, kind, err error) error {
	if r.ctx.Err() != nil {
		return errInterrupted
	}
	return r.fail(i, kind, err)
}

func (r *run) finish(outcome models.RunOutcome, state State, i int) error {
	r.result.Outcome = outcome
	ev := Event{State: state, StepIndex: i}
	if i < len(r.flow.Steps) {
		ev.StepID = r.flow.Steps[i].ID
	}
	r.emit(ev)
	return nil
}

func (r *run) emit(ev Event) {
	if r.opts.Observer == nil {
		return
	}
	ev.FlowID = r.flow.ID
	ev.LeadID = r.lead.ID
	r.opts.Observer(ev)
}

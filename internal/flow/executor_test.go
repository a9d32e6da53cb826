package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexamarkco/kifersaude-sub001/internal/messaging"
	"github.com/hexamarkco/kifersaude-sub001/internal/models"
	"github.com/hexamarkco/kifersaude-sub001/internal/scheduler"
)

type fakeRepo struct {
	mu     sync.Mutex
	leads  map[string]models.Lead
	calls  []string
	failOn string
}

func newFakeRepo(leads ...models.Lead) *fakeRepo {
	r := &fakeRepo{leads: make(map[string]models.Lead)}
	for _, l := range leads {
		r.leads[l.ID] = l
	}
	return r
}

func (r *fakeRepo) call(name, id string) (models.Lead, error) {
	r.calls = append(r.calls, name)
	if r.failOn == name {
		return models.Lead{}, errors.New("database unavailable")
	}
	l, ok := r.leads[id]
	if !ok {
		return models.Lead{}, models.ErrLeadNotFound
	}
	return l, nil
}

func (r *fakeRepo) GetLead(ctx context.Context, id string) (models.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.call("GetLead", id)
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, err := r.call("UpdateStatus", id)
	if err != nil {
		return err
	}
	l.Status = status
	r.leads[id] = l
	return nil
}

func (r *fakeRepo) SetArchived(ctx context.Context, id string, archived bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, err := r.call("SetArchived", id)
	if err != nil {
		return err
	}
	l.Archived = archived
	r.leads[id] = l
	return nil
}

func (r *fakeRepo) DeleteLead(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.call("DeleteLead", id); err != nil {
		return err
	}
	delete(r.leads, id)
	return nil
}

func (r *fakeRepo) set(l models.Lead) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads[l.ID] = l
}

// fakeWaiter returns immediately, recording each target instant. onWait runs before
// returning, to simulate changes made while a step is pending.
type fakeWaiter struct {
	waits  []time.Time
	onWait func(step int)
}

func (w *fakeWaiter) WaitUntil(ctx context.Context, id string, when time.Time, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.waits = append(w.waits, when)
	if w.onWait != nil {
		w.onWait(len(w.waits) - 1)
	}
	return nil
}

type fakeCounter struct {
	perDay     map[string]int
	perLeadDay map[string]int
	recipients []string
	err        error
}

func (c *fakeCounter) CountSent(ctx context.Context, recipient string, from, to time.Time) (int, error) {
	if recipient != "" {
		c.recipients = append(c.recipients, recipient)
		return c.perLeadDay[from.Format("2006-01-02")], c.err
	}
	return c.perDay[from.Format("2006-01-02")], c.err
}

type fakeComposer struct {
	prompts []string
	err     error
}

func (c *fakeComposer) Compose(ctx context.Context, prompt string, lead models.Lead) (string, error) {
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	return "Mensagem gerada para " + lead.FullName, nil
}

var runStart = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC) // Monday

func anyTime(t *testing.T) scheduler.Policy {
	t.Helper()
	p, err := scheduler.PolicySpec{Timezone: "UTC", DailyStart: "00:00", DailyEnd: "23:59", AllowedWeekdays: []int{1, 2, 3, 4, 5, 6, 7}}.Build()
	require.NoError(t, err)
	return p
}

func businessHours(t *testing.T) scheduler.Policy {
	t.Helper()
	p, err := scheduler.PolicySpec{Timezone: "UTC", DailyStart: "08:00", DailyEnd: "19:00"}.Build()
	require.NoError(t, err)
	return p
}

func testLead() models.Lead {
	return models.Lead{ID: "lead-1", FullName: "Maria Souza", Phone: "(11) 99999-8888", Status: "Novo", City: "São Paulo"}
}

func text(id, body string, delayHours float64) models.Step {
	return models.Step{
		ID:            id,
		DelayValue:    delayHours,
		ActionType:    models.ActionSendMessage,
		MessageSource: models.MessageSourceCustom,
		Message:       models.MessageContent{Type: models.MessageTypeText, Text: body},
	}
}

type harness struct {
	repo    *fakeRepo
	gateway *messaging.MockGateway
	waiter  *fakeWaiter
	events  []Event
	exec    *Executor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		repo:    newFakeRepo(testLead()),
		gateway: messaging.NewMockGateway(),
		waiter:  &fakeWaiter{},
	}
	base := []Option{
		WithClock(func() time.Time { return runStart }),
		WithWaiter(h.waiter),
		WithObserver(func(ev Event) { h.events = append(h.events, ev) }),
	}
	h.exec = NewExecutor(h.repo, h.gateway, append(base, opts...)...)
	return h
}

func (h *harness) run(t *testing.T, f models.Flow, p scheduler.Policy) (*RunResult, error) {
	t.Helper()
	return h.exec.Run(context.Background(), testLead(), f, p, nil, nil)
}

func TestRun_CompletesAllSteps(t *testing.T) {
	h := newHarness(t)
	f := models.Flow{ID: "boas-vindas", Steps: []models.Step{
		text("s1", "Olá {{primeiro_nome}}!", 0),
		{ID: "s2", DelayValue: 1, ActionType: models.ActionUpdateStatus, Status: "Contatado"},
		{ID: "s3", DelayValue: 2, DelayUnit: models.DelayDays, ActionType: models.ActionArchiveLead},
	}}

	res, err := h.run(t, f, anyTime(t))
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, res.Outcome)
	assert.Equal(t, 3, res.StepsCompleted)
	assert.Equal(t, 1, res.MessagesSent)
	assert.Equal(t, "s3", res.LastStepID)

	sent := h.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "5511999998888", sent[0].To)
	assert.Equal(t, "Olá Maria!", sent[0].Text)

	stored := h.repo.leads["lead-1"]
	assert.Equal(t, "Contatado", stored.Status)
	assert.True(t, stored.Archived)

	// Delays accumulate from the run start.
	assert.Equal(t, []time.Time{runStart, runStart.Add(time.Hour), runStart.Add(49 * time.Hour)}, h.waiter.waits)
}

func TestRun_WaitsFollowBusinessCalendar(t *testing.T) {
	friday := time.Date(2024, 6, 14, 18, 0, 0, 0, time.UTC)
	h := newHarness(t, WithClock(func() time.Time { return friday }))
	f := models.Flow{ID: "f", Steps: []models.Step{text("s1", "um", 0), text("s2", "dois", 2)}}

	_, err := h.run(t, f, businessHours(t))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		friday,
		time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC),
	}, h.waiter.waits)
}

func TestRun_ExitAfterStatusChange(t *testing.T) {
	h := newHarness(t)
	f := models.Flow{
		ID: "f",
		Steps: []models.Step{
			{ID: "s1", ActionType: models.ActionUpdateStatus, Status: "Em atendimento"},
			text("s2", "não deve sair", 1),
		},
		ExitConditions:     []models.Condition{{Field: models.FieldStatus, Operator: models.OpEquals, Value: "Em atendimento"}},
		ExitConditionLogic: models.LogicAny,
	}

	res, err := h.run(t, f, anyTime(t))
	require.NoError(t, err)
	assert.Equal(t, models.RunExited, res.Outcome)
	assert.Equal(t, 1, res.StepsCompleted)
	assert.Empty(t, h.gateway.Sent())
	assert.Len(t, h.waiter.waits, 1, "the second step is never scheduled")
}

func TestRun_ExitRecheckedAfterWait(t *testing.T) {
	h := newHarness(t)
	h.waiter.onWait = func(int) {
		l := testLead()
		l.Status = "Fechado"
		h.repo.set(l)
	}
	f := models.Flow{
		ID:             "f",
		Steps:          []models.Step{text("s1", "oi", 24)},
		ExitConditions: []models.Condition{{Field: models.FieldStatus, Operator: models.OpEquals, Value: "fechado"}},
	}

	res, err := h.run(t, f, anyTime(t))
	require.NoError(t, err)
	assert.Equal(t, models.RunExited, res.Outcome)
	assert.Empty(t, h.gateway.Sent())
}

func TestRun_EmptyExitConditionsNeverExit(t *testing.T) {
	h := newHarness(t)
	f := models.Flow{ID: "f", Steps: []models.Step{text("s1", "oi", 0)}, ExitConditionLogic: models.LogicAll}

	res, err := h.run(t, f, anyTime(t))
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, res.Outcome)
}

func TestRun_EmptyExitLogicRequiresAllConditions(t *testing.T) {
	exits := []models.Condition{
		{Field: models.FieldStatus, Operator: models.OpEquals, Value: "Em atendimento"},
		{Field: models.FieldCity, Operator: models.OpEquals, Value: "Recife"},
	}
	f := models.Flow{
		ID: "f",
		Steps: []models.Step{
			{ID: "s1", ActionType: models.ActionUpdateStatus, Status: "Em atendimento"},
			text("s2", "continua", 1),
		},
		ExitConditions: exits,
	}

	// Only the status condition holds, so the run keeps going.
	h := newHarness(t)
	res, err := h.run(t, f, anyTime(t))
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, res.Outcome)
	assert.Len(t, h.gateway.Sent(), 1)

	// With both conditions true the run exits before the second step.
	h = newHarness(t)
	recife := testLead()
	recife.City = "Recife"
	h.repo.set(recife)
	res, err = h.exec.Run(context.Background(), recife, f, anyTime(t), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunExited, res.Outcome)
	assert.Empty(t, h.gateway.Sent())
}

func TestRun_DeleteTerminates(t *testing.T) {
	h := newHarness(t)
	f := models.Flow{ID: "f", Steps: []models.Step{
		{ID: "del", ActionType: models.ActionDeleteLead},
		text("s2", "nunca", 0),
	}}

	res, err := h.run(t, f, anyTime(t))
	require.NoError(t, err)
	assert.Equal(t, models.RunDeleted, res.Outcome)
	assert.Equal(t, 1, res.StepsCompleted)
	assert.Empty(t, h.gateway.Sent())
	assert.NotContains(t, h.repo.leads, "lead-1")
}

func TestRun_LeadRemovedWhileWaiting(t *testing.T) {
	h := newHarness(t)
	h.waiter.onWait = func(int) {
		h.repo.mu.Lock()
		delete(h.repo.leads, "lead-1")
		h.repo.mu.Unlock()
	}

	res, err := h.run(t, models.Flow{ID: "f", Steps: []models.Step{text("s1", "oi", 1)}}, anyTime(t))
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, res.Outcome)
	assert.Empty(t, h.gateway.Sent())
}

func TestRun_ProceedFalse(t *testing.T) {
	h := newHarness(t)
	calls := 0
	proceed := func() bool {
		calls++
		return calls < 2 // allowed before the wait, revoked after it
	}

	res, err := h.exec.Run(context.Background(), testLead(), models.Flow{ID: "f", Steps: []models.Step{
		{ID: "s1", ActionType: models.ActionArchiveLead},
	}}, anyTime(t), proceed, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, res.Outcome)
	assert.NotContains(t, h.repo.calls, "SetArchived")
}

func TestRun_ContextCanceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.exec.Run(ctx, testLead(), models.Flow{ID: "f", Steps: []models.Step{text("s1", "oi", 0)}}, anyTime(t), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, res.Outcome)
	assert.Empty(t, h.repo.calls)
	assert.Empty(t, h.gateway.Sent())
}

func TestRun_EmptyRenderIsNoOp(t *testing.T) {
	h := newHarness(t)
	firstCalls := 0
	f := models.Flow{ID: "f", Steps: []models.Step{
		text("s1", "{{ origem }}", 0),
		{ID: "s2", ActionType: models.ActionSendMessage, MessageSource: models.MessageSourceCustom,
			Message: models.MessageContent{Type: models.MessageTypeImage, MediaURL: "  ", Caption: "Tabela"}},
	}}

	res, err := h.exec.Run(context.Background(), testLead(), f, anyTime(t), nil, func(context.Context) error {
		firstCalls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, res.Outcome)
	assert.Equal(t, 2, res.StepsCompleted)
	assert.Zero(t, res.MessagesSent)
	assert.Zero(t, firstCalls)
}

func TestRun_InvalidRecipient(t *testing.T) {
	h := newHarness(t)
	lead := testLead()
	lead.Phone = "sem telefone"
	h.repo.set(lead)

	res, err := h.exec.Run(context.Background(), lead, models.Flow{ID: "f", Steps: []models.Step{text("s1", "oi", 0)}}, anyTime(t), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidRecipient)
	assert.Equal(t, models.RunFailed, res.Outcome)
}

func TestRun_DispatchFailureStopsRun(t *testing.T) {
	h := newHarness(t)
	h.gateway.Err = errors.New("63016 outside session window")
	f := models.Flow{ID: "f", Steps: []models.Step{
		{ID: "s0", ActionType: models.ActionUpdateStatus, Status: "Contatado"},
		text("s1", "oi", 0),
		{ID: "s2", ActionType: models.ActionArchiveLead},
	}}

	res, err := h.run(t, f, anyTime(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDispatchFailed)
	assert.ErrorIs(t, err, h.gateway.Err)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.StepIndex)
	assert.Equal(t, "s1", se.StepID)
	assert.Equal(t, models.RunFailed, res.Outcome)
	assert.Equal(t, 1, res.StepsCompleted)

	// No rollback of the earlier step and nothing after the failure.
	assert.Equal(t, "Contatado", h.repo.leads["lead-1"].Status)
	assert.NotContains(t, h.repo.calls, "SetArchived")
	assert.Equal(t, StateStepFailed, h.events[len(h.events)-1].State)
}

func TestRun_RepositoryFailure(t *testing.T) {
	h := newHarness(t)
	h.repo.failOn = "UpdateStatus"

	_, err := h.run(t, models.Flow{ID: "f", Steps: []models.Step{{ID: "s1", ActionType: models.ActionUpdateStatus, Status: "X"}}}, anyTime(t))
	assert.ErrorIs(t, err, models.ErrRepository)
	assert.NotErrorIs(t, err, models.ErrDispatchFailed)
}

func TestRun_DailySendLimit(t *testing.T) {
	counter := &fakeCounter{perDay: map[string]int{"2024-06-10": 5, "2024-06-11": 5}}
	h := newHarness(t, WithSendCounter(counter))
	p := businessHours(t)
	p.DailySendLimit = 5

	_, err := h.run(t, models.Flow{ID: "f", Steps: []models.Step{
		text("s1", "oi", 0),
		{ID: "s2", DelayValue: 1, ActionType: models.ActionArchiveLead},
	}}, p)
	require.NoError(t, err)
	require.Len(t, h.waiter.waits, 2)
	assert.Equal(t, time.Date(2024, 6, 12, 8, 0, 0, 0, time.UTC), h.waiter.waits[0])
	// Non-send steps ignore the limit.
	assert.Equal(t, runStart.Add(time.Hour), h.waiter.waits[1])
}

func TestRun_LeadDailySendLimit(t *testing.T) {
	counter := &fakeCounter{perLeadDay: map[string]int{"2024-06-10": 2}}
	h := newHarness(t, WithSendCounter(counter))
	lead := testLead()
	lead.DailySendLimit = 2

	_, err := h.exec.Run(context.Background(), lead, models.Flow{ID: "f", Steps: []models.Step{text("s1", "oi", 0)}}, businessHours(t), nil, nil)
	require.NoError(t, err)
	require.Len(t, h.waiter.waits, 1)
	assert.Equal(t, time.Date(2024, 6, 11, 8, 0, 0, 0, time.UTC), h.waiter.waits[0])
	require.NotEmpty(t, counter.recipients)
	assert.Equal(t, "5511999998888", counter.recipients[0], "counted by canonical number")

	// Without a per-lead limit the recipient count is never consulted.
	counter = &fakeCounter{perLeadDay: map[string]int{"2024-06-10": 99}}
	h = newHarness(t, WithSendCounter(counter))
	_, err = h.run(t, models.Flow{ID: "f", Steps: []models.Step{text("s1", "oi", 0)}}, businessHours(t))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{runStart}, h.waiter.waits)
	assert.Empty(t, counter.recipients)
}

func TestRun_BlackoutDates(t *testing.T) {
	h := newHarness(t)
	lead := testLead()
	// Malformed entries are ignored; a timestamp counts by its date.
	lead.BlackoutDates = []string{"2024-06-10", "2024-06-11T00:00:00Z", "amanhã", ""}

	_, err := h.exec.Run(context.Background(), lead, models.Flow{ID: "f", Steps: []models.Step{
		text("s1", "oi", 0),
		{ID: "s2", DelayValue: 1, ActionType: models.ActionUpdateStatus, Status: "Contatado"},
	}}, businessHours(t), nil, nil)
	require.NoError(t, err)
	require.Len(t, h.waiter.waits, 2)
	assert.Equal(t, time.Date(2024, 6, 12, 8, 0, 0, 0, time.UTC), h.waiter.waits[0])
	// Only sends avoid blackout days.
	assert.Equal(t, runStart.Add(time.Hour), h.waiter.waits[1])
}

func TestRun_CanceledWhileThrottled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mock := messaging.NewMockGateway()
	gw := messaging.NewRateLimitedGateway(mock, 0.001, 1)
	var events []Event
	exec := NewExecutor(newFakeRepo(testLead()), gw,
		WithClock(func() time.Time { return runStart }),
		WithWaiter(&fakeWaiter{}),
		WithObserver(func(ev Event) { events = append(events, ev) }),
	)
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := exec.Run(ctx, testLead(), models.Flow{ID: "f", Steps: []models.Step{
		text("s1", "primeira", 0),
		text("s2", "segunda", 0),
	}}, anyTime(t), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, res.Outcome)
	assert.Equal(t, 1, res.StepsCompleted)
	assert.Len(t, mock.Sent(), 1)
	for _, ev := range events {
		assert.NotEqual(t, StateStepFailed, ev.State)
	}
	assert.Equal(t, StateCanceled, events[len(events)-1].State)
}

func TestRun_DailySendLimitCounterError(t *testing.T) {
	h := newHarness(t, WithSendCounter(&fakeCounter{err: errors.New("db down")}))
	p := anyTime(t)
	p.DailySendLimit = 1

	_, err := h.run(t, models.Flow{ID: "f", Steps: []models.Step{text("s1", "oi", 0)}}, p)
	assert.ErrorIs(t, err, models.ErrRepository)
}

func TestRun_TemplatesAndFirstDispatch(t *testing.T) {
	tpl := models.Template{ID: "apresentacao", Name: "Apresentação", Messages: []models.MessageContent{
		{Type: models.MessageTypeText, Text: "Oi {{nome}}, aqui é {{ default(responsavel, \"a equipe\") }}."},
		{Type: models.MessageTypeDocument, MediaURL: "https://cdn.example.com/planos.pdf", Caption: "Planos em {{cidade}}", Filename: "planos.pdf"},
	}}
	h := newHarness(t, WithTemplates([]models.Template{tpl}))
	f := models.Flow{ID: "f", Steps: []models.Step{
		{ID: "s1", ActionType: models.ActionSendMessage, MessageSource: models.MessageSourceTemplate, TemplateID: "apresentacao"},
		text("s2", "Alguma dúvida?", 24),
	}}

	firstCalls := 0
	res, err := h.exec.Run(context.Background(), testLead(), f, anyTime(t), nil, func(context.Context) error {
		firstCalls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 3, res.MessagesSent)

	sent := h.gateway.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "Oi Maria Souza, aqui é a equipe.", sent[0].Text)
	require.NotNil(t, sent[1].Media)
	assert.Equal(t, models.MessageTypeDocument, sent[1].Media.Type)
	assert.Equal(t, "Planos em São Paulo", sent[1].Media.Caption)
	assert.Equal(t, "Alguma dúvida?", sent[2].Text)
}

func TestRun_FirstDispatchFailure(t *testing.T) {
	h := newHarness(t)
	res, err := h.exec.Run(context.Background(), testLead(), models.Flow{ID: "f", Steps: []models.Step{
		text("s1", "oi", 0),
		text("s2", "de novo", 0),
	}}, anyTime(t), nil, func(context.Context) error { return errors.New("status update failed") })

	assert.ErrorIs(t, err, models.ErrRepository)
	assert.Equal(t, models.RunFailed, res.Outcome)
	assert.Len(t, h.gateway.Sent(), 1)
}

func TestRun_MissingTemplate(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, models.Flow{ID: "f", Steps: []models.Step{
		{ID: "s1", ActionType: models.ActionSendMessage, MessageSource: models.MessageSourceTemplate, TemplateID: "nao-existe"},
	}}, anyTime(t))
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestRun_AIMessages(t *testing.T) {
	composer := &fakeComposer{}
	h := newHarness(t, WithComposer(composer))
	f := models.Flow{ID: "f", Steps: []models.Step{
		{ID: "s1", ActionType: models.ActionSendMessage, MessageSource: models.MessageSourceAI, Prompt: "Convide {{primeiro_nome}} para uma cotação"},
	}}

	_, err := h.run(t, f, anyTime(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"Convide Maria para uma cotação"}, composer.prompts)
	require.Len(t, h.gateway.Sent(), 1)
	assert.True(t, strings.HasPrefix(h.gateway.Sent()[0].Text, "Mensagem gerada"))

	composer.err = errors.New("quota")
	_, err = h.run(t, f, anyTime(t))
	assert.ErrorIs(t, err, models.ErrDispatchFailed)

	noComposer := newHarness(t)
	_, err = noComposer.run(t, f, anyTime(t))
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestRun_ObserverStates(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, models.Flow{ID: "f", Steps: []models.Step{text("s1", "oi", 0)}}, anyTime(t))
	require.NoError(t, err)

	var states []State
	for _, ev := range h.events {
		assert.Equal(t, "f", ev.FlowID)
		assert.Equal(t, "lead-1", ev.LeadID)
		states = append(states, ev.State)
	}
	assert.Equal(t, []State{StateScheduled, StateWaiting, StateDispatching, StateStepCompleted, StateCompleted}, states)
}

func TestStepError(t *testing.T) {
	cause := fmt.Errorf("wrapped: %w", context.DeadlineExceeded)
	err := error(&StepError{FlowID: "f", StepID: "s", StepIndex: 2, Kind: models.ErrDispatchFailed, Err: cause})

	assert.ErrorIs(t, err, models.ErrDispatchFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, models.ErrRepository)
	assert.Contains(t, err.Error(), "step 2 (s)")
}

package models

import (
	"fmt"
	"time"
)

// ActionType is the closed set of things a step can do.
type ActionType string

// Step action kinds.
const (
	ActionSendMessage  ActionType = "send_message"
	ActionUpdateStatus ActionType = "update_status"
	ActionArchiveLead  ActionType = "archive_lead"
	ActionDeleteLead   ActionType = "delete_lead"
)

// IsValidActionType checks if the given action type is supported.
func IsValidActionType(a ActionType) bool {
	switch a {
	case ActionSendMessage, ActionUpdateStatus, ActionArchiveLead, ActionDeleteLead:
		return true
	default:
		return false
	}
}

// MessageSource selects where a send_message step gets its content.
type MessageSource string

const (
	// MessageSourceTemplate sends the messages of a configured template.
	MessageSourceTemplate MessageSource = "template"
	// MessageSourceCustom sends the step's inline message.
	MessageSourceCustom MessageSource = "custom"
	// MessageSourceAI sends text composed by the GenAI client from the step prompt.
	MessageSourceAI MessageSource = "ai"
)

// MessageType is the kind of content in a single outbound message.
type MessageType string

// Message kinds.
const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
)

// IsMedia reports whether the message carries a media URL instead of text.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeDocument:
		return true
	default:
		return false
	}
}

// MessageContent is one outbound message: text, or a single media item with caption.
type MessageContent struct {
	Type     MessageType `json:"type" yaml:"type"`
	Text     string      `json:"text,omitempty" yaml:"text,omitempty"`
	MediaURL string      `json:"media_url,omitempty" yaml:"media_url,omitempty"`
	Caption  string      `json:"caption,omitempty" yaml:"caption,omitempty"`
	Filename string      `json:"filename,omitempty" yaml:"filename,omitempty"`
}

// Template is a named, ordered list of messages sent together.
type Template struct {
	ID       string           `json:"id" yaml:"id"`
	Name     string           `json:"name" yaml:"name"`
	Messages []MessageContent `json:"messages" yaml:"messages"`
}

// DelayUnit is the unit of a step delay as authored.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// Step is one scheduled action within a flow.
type Step struct {
	ID            string         `json:"id" yaml:"id"`
	DelayValue    float64        `json:"delay_value" yaml:"delay_value"`
	DelayUnit     DelayUnit      `json:"delay_unit,omitempty" yaml:"delay_unit,omitempty"`
	ActionType    ActionType     `json:"action_type" yaml:"action_type"`
	MessageSource MessageSource  `json:"message_source,omitempty" yaml:"message_source,omitempty"`
	TemplateID    string         `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	Message       MessageContent `json:"message,omitempty" yaml:"message,omitempty"`
	Prompt        string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Status        string         `json:"status,omitempty" yaml:"status,omitempty"`
}

// Delay returns the step delay as a duration. Unknown units are read as hours,
// matching the authoring default.
func (s Step) Delay() time.Duration {
	var unit time.Duration
	switch s.DelayUnit {
	case DelayMinutes:
		unit = time.Minute
	case DelayDays:
		unit = 24 * time.Hour
	default:
		unit = time.Hour
	}
	return time.Duration(s.DelayValue * float64(unit))
}

// Validate checks the step definition.
func (s Step) Validate() error {
	if !IsValidActionType(s.ActionType) {
		return fmt.Errorf("step %q: %w", s.ID, ErrInvalidActionType)
	}
	if s.DelayValue < 0 {
		return fmt.Errorf("step %q: %w", s.ID, ErrNegativeDelay)
	}
	switch s.ActionType {
	case ActionUpdateStatus:
		if s.Status == "" {
			return fmt.Errorf("step %q: %w", s.ID, ErrMissingTargetStatus)
		}
	case ActionSendMessage:
		switch s.MessageSource {
		case MessageSourceTemplate:
			if s.TemplateID == "" {
				return fmt.Errorf("step %q: %w", s.ID, ErrMissingTemplate)
			}
		case MessageSourceAI:
			if s.Prompt == "" {
				return fmt.Errorf("step %q: %w", s.ID, ErrMissingPrompt)
			}
		}
		if len(s.Message.Text) > MaxMessageTextLength {
			return fmt.Errorf("step %q: %w", s.ID, ErrMessageTooLong)
		}
	}
	return nil
}

// Flow is a named, conditionally-triggered sequence of delayed steps.
type Flow struct {
	ID                 string      `json:"id" yaml:"id"`
	Name               string      `json:"name" yaml:"name"`
	TriggerStatus      string      `json:"trigger_status,omitempty" yaml:"trigger_status,omitempty"`
	Conditions         []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	ConditionLogic     Logic       `json:"condition_logic,omitempty" yaml:"condition_logic,omitempty"`
	ExitConditions     []Condition `json:"exit_conditions,omitempty" yaml:"exit_conditions,omitempty"`
	ExitConditionLogic Logic       `json:"exit_condition_logic,omitempty" yaml:"exit_condition_logic,omitempty"`
	Steps              []Step      `json:"steps" yaml:"steps"`
	Disabled           bool        `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Tags               []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Validate performs validation on a Flow structure.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return ErrEmptyFlowID
	}
	if len(f.Steps) > MaxStepsPerFlow {
		return fmt.Errorf("flow %q: %w", f.ID, ErrTooManySteps)
	}
	if !IsValidLogic(f.ConditionLogic) || !IsValidLogic(f.ExitConditionLogic) {
		return fmt.Errorf("flow %q: %w", f.ID, ErrInvalidLogic)
	}
	for _, c := range append(append([]Condition{}, f.Conditions...), f.ExitConditions...) {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("flow %q condition %q: %w", f.ID, c.ID, err)
		}
	}
	for _, s := range f.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("flow %q: %w", f.ID, err)
		}
	}
	return nil
}

// RunOutcome is the terminal state of a flow run.
type RunOutcome string

// Run outcomes.
const (
	RunCompleted RunOutcome = "completed"
	RunExited    RunOutcome = "exited"
	RunCanceled  RunOutcome = "canceled"
	RunDeleted   RunOutcome = "deleted"
	RunFailed    RunOutcome = "failed"
)

// TimerInfo describes a pending step wait of a running flow.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description"`
}

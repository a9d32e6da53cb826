// Package models defines the core data structures for the lead outreach engine.
//
// It includes leads, conditions, flows, steps, templates and the authoring graph,
// which are shared across the engine, storage, transport and API packages.
package models

import (
	"errors"
)

// Validation constants for flow definitions
const (
	// MaxMessageTextLength defines the maximum allowed length for a text message
	MaxMessageTextLength = 4096
	// MaxStepsPerFlow defines the maximum number of steps a single flow may declare
	MaxStepsPerFlow = 50
)

// Error taxonomy shared by the executor, transports and repositories.
var (
	// ErrInvalidConfiguration marks problems detected before dispatch (missing credentials, bad step config).
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInvalidRecipient marks a lead whose phone cannot be turned into a recipient.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrDispatchFailed marks a gateway rejection.
	ErrDispatchFailed = errors.New("dispatch failed")
	// ErrRepository marks a failed lead mutation or lookup.
	ErrRepository = errors.New("lead repository failure")
	// ErrLeadNotFound is returned by repositories when the lead does not exist.
	ErrLeadNotFound = errors.New("lead not found")
)

// Flow validation errors
var (
	ErrEmptyFlowID         = errors.New("flow id cannot be empty")
	ErrTooManySteps        = errors.New("flow declares too many steps")
	ErrInvalidLogic        = errors.New("condition logic must be 'all' or 'any'")
	ErrInvalidField        = errors.New("invalid condition field")
	ErrInvalidOperator     = errors.New("invalid condition operator")
	ErrInvalidActionType   = errors.New("invalid step action type")
	ErrNegativeDelay       = errors.New("step delay cannot be negative")
	ErrMissingTargetStatus = errors.New("update_status step requires a target status")
	ErrMissingTemplate     = errors.New("template message source requires a template id")
	ErrMissingPrompt       = errors.New("ai message source requires a prompt")
	ErrMessageTooLong      = errors.New("message text exceeds maximum length")
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was accepted by the gateway.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusScheduled indicates an API request resulted in a started flow run.
	APIStatusScheduled APIStatus = "scheduled"
)

// APIResponse is the JSON envelope of every API reply.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

func newResponse(status APIStatus, message string, result interface{}) APIResponse {
	return APIResponse{Status: string(status), Message: message, Result: result}
}

// Success wraps result in an ok envelope.
func Success(result interface{}) APIResponse {
	return newResponse(APIStatusOK, "", result)
}

// SuccessWithMessage is Success with a human-readable message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return newResponse(APIStatusOK, message, result)
}

// Scheduled reports a request that started a flow run.
func Scheduled(message string, result interface{}) APIResponse {
	return newResponse(APIStatusScheduled, message, result)
}

// Error reports a failed request.
func Error(message string) APIResponse {
	return newResponse(APIStatusError, message, nil)
}

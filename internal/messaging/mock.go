package messaging

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SentMessage is one message captured by MockGateway.
type SentMessage struct {
	ID    string
	To    string
	Text  string
	Media *Media
}

// MockGateway records sends in memory. Set Err to make every send fail, or FailOn to
// fail only sends to one recipient.
type MockGateway struct {
	mu     sync.Mutex
	sent   []SentMessage
	Err    error
	FailOn string
}

// NewMockGateway returns an empty MockGateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

func (m *MockGateway) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (m *MockGateway) SendText(ctx context.Context, to string, text string) (string, error) {
	return m.record(ctx, SentMessage{To: to, Text: text})
}

func (m *MockGateway) SendMedia(ctx context.Context, to string, media Media) (string, error) {
	return m.record(ctx, SentMessage{To: to, Media: &media})
}

func (m *MockGateway) record(ctx context.Context, msg SentMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil && (m.FailOn == "" || m.FailOn == msg.To) {
		return "", dispatchError(m.Err)
	}
	msg.ID = uuid.NewString()
	m.sent = append(m.sent, msg)
	return msg.ID, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockGateway) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

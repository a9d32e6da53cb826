package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hexamarkco/kifersaude-sub001/internal/twiliowhatsapp"
)

// TwilioGateway implements Gateway using the Twilio API. Twilio fetches media from
// its URL, so every media type goes out as a MediaUrl message.
type TwilioGateway struct {
	client  twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioGateway creates a TwilioGateway around the given sender.
func NewTwilioGateway(client twiliowhatsapp.Sender) *TwilioGateway {
	return &TwilioGateway{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (g *TwilioGateway) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioGateway canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Stop makes further sends fail with ErrGatewayStopped.
func (g *TwilioGateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
}

func (g *TwilioGateway) isStopped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stopped
}

// SendText sends a text message via Twilio.
func (g *TwilioGateway) SendText(ctx context.Context, to string, text string) (string, error) {
	if g.isStopped() {
		return "", ErrGatewayStopped
	}
	id, err := g.client.SendText(ctx, to, text)
	if err != nil {
		slog.Error("TwilioGateway.SendText: send failed", "to", to, "error", err)
		return "", dispatchError(err)
	}
	slog.Debug("TwilioGateway.SendText: sent", "to", to, "id", id)
	return id, nil
}

// SendMedia sends one media item via Twilio.
func (g *TwilioGateway) SendMedia(ctx context.Context, to string, media Media) (string, error) {
	if g.isStopped() {
		return "", ErrGatewayStopped
	}
	id, err := g.client.SendMedia(ctx, to, media.URL, media.Caption)
	if err != nil {
		slog.Error("TwilioGateway.SendMedia: send failed", "to", to, "type", media.Type, "error", err)
		return "", dispatchError(err)
	}
	slog.Debug("TwilioGateway.SendMedia: sent", "to", to, "type", media.Type, "id", id)
	return id, nil
}

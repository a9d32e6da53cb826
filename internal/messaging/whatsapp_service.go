package messaging

import (
	"context"
	"log/slog"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
	"github.com/hexamarkco/kifersaude-sub001/internal/whatsapp"
)

// WhatsAppGateway implements Gateway using the Whatsmeow-based whatsapp client.
type WhatsAppGateway struct {
	client whatsapp.Sender
}

// NewWhatsAppGateway creates a new WhatsAppGateway wrapping the given sender.
func NewWhatsAppGateway(client whatsapp.Sender) *WhatsAppGateway {
	if _, ok := client.(*whatsapp.Client); ok {
		slog.Debug("WhatsAppGateway created with full client")
	} else {
		slog.Debug("WhatsAppGateway created with interface client (likely mock)")
	}
	return &WhatsAppGateway{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// The result is the user part of the recipient JID.
func (g *WhatsAppGateway) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("WhatsAppGateway canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// SendText sends a text message.
func (g *WhatsAppGateway) SendText(ctx context.Context, to string, text string) (string, error) {
	id, err := g.client.SendText(ctx, to, text)
	if err != nil {
		slog.Error("WhatsAppGateway.SendText: send failed", "to", to, "error", err)
		return "", dispatchError(err)
	}
	return id, nil
}

// SendMedia sends one media item.
func (g *WhatsAppGateway) SendMedia(ctx context.Context, to string, media Media) (string, error) {
	id, err := g.client.SendMedia(ctx, to, mediaKind(media.Type), media.URL, media.Caption, media.Filename)
	if err != nil {
		slog.Error("WhatsAppGateway.SendMedia: send failed", "to", to, "type", media.Type, "error", err)
		return "", dispatchError(err)
	}
	return id, nil
}

func mediaKind(t models.MessageType) whatsapp.MediaKind {
	switch t {
	case models.MessageTypeImage:
		return whatsapp.MediaImage
	case models.MessageTypeVideo:
		return whatsapp.MediaVideo
	case models.MessageTypeAudio:
		return whatsapp.MediaAudio
	default:
		return whatsapp.MediaDocument
	}
}

package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/hexamarkco/kifersaude-sub001/internal/messaging"
	"github.com/hexamarkco/kifersaude-sub001/internal/models"
	"github.com/hexamarkco/kifersaude-sub001/internal/store"
)

// recordingGateway writes every send attempt of one run to the outbound message log.
// Logging failures are reported but never fail the send.
type recordingGateway struct {
	messaging.Gateway
	log     store.MessageLog
	metrics *Metrics
	now     func() time.Time
	runID   string
	leadID  string
	flowID  string
}

func (g *recordingGateway) SendText(ctx context.Context, to string, text string) (string, error) {
	id, err := g.Gateway.SendText(ctx, to, text)
	g.record(ctx, to, models.MessageTypeText, id, err)
	return id, err
}

func (g *recordingGateway) SendMedia(ctx context.Context, to string, media messaging.Media) (string, error) {
	id, err := g.Gateway.SendMedia(ctx, to, media)
	g.record(ctx, to, media.Type, id, err)
	return id, err
}

func (g *recordingGateway) record(ctx context.Context, to string, msgType models.MessageType, providerID string, sendErr error) {
	m := store.OutboundMessage{
		RunID:      g.runID,
		LeadID:     g.leadID,
		FlowID:     g.flowID,
		Recipient:  to,
		Type:       msgType,
		ProviderID: providerID,
		Status:     models.MessageStatusSent,
		SentAt:     g.now(),
	}
	if sendErr != nil {
		m.Status = models.MessageStatusFailed
		m.Error = sendErr.Error()
	}
	g.metrics.message(string(msgType), string(m.Status))

	// The run context may already be canceled; the log entry must still be written.
	if err := g.log.RecordOutbound(context.WithoutCancel(ctx), m); err != nil {
		slog.Warn("recordingGateway.record: failed to log outbound message", "run_id", g.runID, "lead_id", g.leadID, "error", err)
	}
}

// sendCounter adapts the message log to the executor's daily limit counter.
type sendCounter struct {
	log store.MessageLog
}

func (c sendCounter) CountSent(ctx context.Context, recipient string, from, to time.Time) (int, error) {
	return c.log.CountOutbound(ctx, recipient, from, to)
}

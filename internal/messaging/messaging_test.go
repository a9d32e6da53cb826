package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
	"github.com/hexamarkco/kifersaude-sub001/internal/twiliowhatsapp"
	"github.com/hexamarkco/kifersaude-sub001/internal/whatsapp"
)

// Ensure every gateway implements Gateway.
var (
	_ Gateway = (*TwilioGateway)(nil)
	_ Gateway = (*WhatsAppGateway)(nil)
	_ Gateway = (*RateLimitedGateway)(nil)
	_ Gateway = (*MockGateway)(nil)
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "(11) 99999-8888", want: "5511999998888"},
		{in: "+55 11 99999-8888", want: "5511999998888"},
		{in: "1133334444", want: "551133334444"},
		{in: "+1 415 523 8886", want: "14155238886"},
		{in: "123456", want: "123456"},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "12345", wantErr: true},
		{in: "1234567890123456", wantErr: true},
	}
	for _, tt := range tests {
		got, err := CanonicalizePhone(tt.in)
		if tt.wantErr {
			if !errors.Is(err, models.ErrInvalidRecipient) {
				t.Errorf("CanonicalizePhone(%q) error = %v, want ErrInvalidRecipient", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("CanonicalizePhone(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTwilioGateway_Send(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	gw := NewTwilioGateway(mock)
	ctx := context.Background()

	to, err := gw.ValidateAndCanonicalizeRecipient("(81) 98888-7777")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := gw.SendText(ctx, to, "Olá"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if _, err := gw.SendMedia(ctx, to, Media{Type: models.MessageTypeImage, URL: "https://cdn.example.com/x.png", Caption: "Planos"}); err != nil {
		t.Fatalf("SendMedia returned error: %v", err)
	}

	msgs := mock.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].To != "5581988887777" || msgs[1].MediaURL != "https://cdn.example.com/x.png" {
		t.Errorf("unexpected messages: %+v", msgs)
	}

	gw.Stop()
	if _, err := gw.SendText(ctx, to, "x"); !errors.Is(err, ErrGatewayStopped) {
		t.Errorf("expected ErrGatewayStopped, got %v", err)
	}
}

func TestTwilioGateway_DispatchError(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("21211 invalid number")
	gw := NewTwilioGateway(mock)

	_, err := gw.SendText(context.Background(), "5511999998888", "Olá")
	if !errors.Is(err, models.ErrDispatchFailed) {
		t.Errorf("expected ErrDispatchFailed, got %v", err)
	}
	if !errors.Is(err, mock.Err) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
}

func TestWhatsAppGateway_MediaKinds(t *testing.T) {
	mock := whatsapp.NewMockClient()
	gw := NewWhatsAppGateway(mock)
	ctx := context.Background()

	for _, typ := range []models.MessageType{models.MessageTypeImage, models.MessageTypeVideo, models.MessageTypeAudio, models.MessageTypeDocument} {
		if _, err := gw.SendMedia(ctx, "5511999998888", Media{Type: typ, URL: "https://cdn.example.com/f", Filename: "f"}); err != nil {
			t.Fatalf("SendMedia(%s) returned error: %v", typ, err)
		}
	}
	want := []whatsapp.MediaKind{whatsapp.MediaImage, whatsapp.MediaVideo, whatsapp.MediaAudio, whatsapp.MediaDocument}
	msgs := mock.Messages()
	for i, kind := range want {
		if msgs[i].Kind != kind {
			t.Errorf("message %d: expected kind %s, got %s", i, kind, msgs[i].Kind)
		}
	}
}

func TestRateLimitedGateway_RespectsContext(t *testing.T) {
	inner := NewMockGateway()
	gw := NewRateLimitedGateway(inner, 0.001, 1)

	if _, err := gw.SendText(context.Background(), "5511999998888", "primeira"); err != nil {
		t.Fatalf("first send should use the burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := gw.SendText(ctx, "5511999998888", "segunda"); err == nil {
		t.Fatal("expected limiter wait to fail once the context expires")
	}
	if len(inner.Sent()) != 1 {
		t.Errorf("expected 1 delivered message, got %d", len(inner.Sent()))
	}
}

func TestRateLimitedGateway_Unlimited(t *testing.T) {
	inner := NewMockGateway()
	gw := NewRateLimitedGateway(inner, 0, 0)
	for i := 0; i < 50; i++ {
		if _, err := gw.SendMedia(context.Background(), "5511999998888", Media{Type: models.MessageTypeDocument, URL: "u"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
}

func TestMockGateway_FailOn(t *testing.T) {
	gw := NewMockGateway()
	gw.Err = errors.New("boom")
	gw.FailOn = "5511000000000"

	if _, err := gw.SendText(context.Background(), "5511999998888", "ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := gw.SendText(context.Background(), "5511000000000", "x"); !errors.Is(err, models.ErrDispatchFailed) {
		t.Errorf("expected ErrDispatchFailed, got %v", err)
	}
}

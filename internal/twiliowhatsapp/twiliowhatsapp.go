// Package twiliowhatsapp wraps the Twilio REST API for WhatsApp outreach messages.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrMissingCredentials is returned when the account SID, auth token or sender number is absent.
var ErrMissingCredentials = errors.New("twilio credentials not configured")

// Sender sends WhatsApp messages through Twilio. Both methods return the provider message id.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	SendMedia(ctx context.Context, to string, mediaURL string, caption string) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client    *twilio.RestClient
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// NewClient builds a Client. Options not provided fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("%w: account SID and auth token must be provided", ErrMissingCredentials)
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("%w: sender number must be provided", ErrMissingCredentials)
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:    client,
		fromWhats: WhatsAppAddress(cfg.FromWhats),
	}, nil
}

// WhatsAppAddress formats a phone number as a Twilio WhatsApp address.
func WhatsAppAddress(number string) string {
	number = strings.TrimPrefix(strings.TrimSpace(number), "whatsapp:")
	return "whatsapp:+" + strings.TrimPrefix(number, "+")
}

// SendText sends a WhatsApp text message using the Twilio API.
func (c *Client) SendText(ctx context.Context, to string, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	return c.create(ctx, to, params)
}

// SendMedia sends a single media item with an optional caption. Twilio fetches the
// media from the URL itself.
func (c *Client) SendMedia(ctx context.Context, to string, mediaURL string, caption string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetMediaUrl([]string{mediaURL})
	if caption != "" {
		params.SetBody(caption)
	}
	return c.create(ctx, to, params)
}

func (c *Client) create(ctx context.Context, to string, params *twilioApi.CreateMessageParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// MockClient records messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	// Err, when set, is returned by every send.
	Err error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	ID       string
	To       string
	Body     string
	MediaURL string
}

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) (string, error) {
	return m.record(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendMedia(ctx context.Context, to string, mediaURL string, caption string) (string, error) {
	return m.record(SentMessage{To: to, Body: caption, MediaURL: mediaURL})
}

func (m *MockClient) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	msg.ID = "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
	m.SentMessages = append(m.SentMessages, msg)
	return msg.ID, nil
}

// Messages returns a copy of the captured messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

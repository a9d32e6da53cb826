// Package whatsapp wraps the Whatsmeow client for sending outreach messages from a
// linked WhatsApp account.
//
// Text goes out as a plain conversation message. Media is downloaded from its URL,
// uploaded to WhatsApp's media servers and sent as an image, video, audio or
// document message.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/hexamarkco/kifersaude-sub001/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/kifersaude/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// MaxMediaBytes caps the size of a media download.
	MaxMediaBytes = 64 << 20
	// DefaultMediaTimeout bounds a media download.
	DefaultMediaTimeout = 60 * time.Second
)

// MediaKind is the WhatsApp message type used for a media item.
type MediaKind string

// Media kinds.
const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Sender is an interface for sending WhatsApp messages (for production and testing).
// Both methods return the WhatsApp message id.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	SendMedia(ctx context.Context, to string, kind MediaKind, mediaURL, caption, filename string) (string, error)
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string       // WhatsApp/whatsmeow database connection string
	QRPath      string       // path to write login QR code
	NumericCode bool         // use numeric login code instead of QR code
	HTTPClient  *http.Client // client used to download media
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithHTTPClient sets the client used to download media before upload.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
	http     *http.Client
}

// driverFor picks the database/sql driver for a whatsmeow DSN.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// hasForeignKeys reports whether a SQLite DSN enables foreign keys, which whatsmeow expects.
func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// On first use it runs the QR (or numeric code) login flow.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := driverFor(dbDSN)
	if dbDriver == "sqlite3" && !hasForeignKeys(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultMediaTimeout}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient, http: httpClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("WhatsApp login event", "event", evt.Event)
	}
	return nil
}

func (c *Client) ready(to string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	return nil
}

// SendText sends a WhatsApp text message to the specified recipient.
func (c *Client) SendText(ctx context.Context, to string, body string) (string, error) {
	if err := c.ready(to); err != nil {
		return "", err
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	msg := &waE2E.Message{Conversation: proto.String(body)}
	resp, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to, "id", resp.ID)
	return resp.ID, nil
}

// SendMedia downloads mediaURL, uploads it to WhatsApp and sends it to the recipient.
func (c *Client) SendMedia(ctx context.Context, to string, kind MediaKind, mediaURL, caption, filename string) (string, error) {
	if err := c.ready(to); err != nil {
		return "", err
	}

	data, mimeType, err := c.download(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	upload, err := c.waClient.Upload(ctx, data, whatsmeowMediaType(kind))
	if err != nil {
		return "", fmt.Errorf("failed to upload media for %s: %w", to, err)
	}

	msg := buildMediaMessage(kind, upload, mimeType, caption, filename)
	resp, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp media", "error", err, "to", to, "kind", kind)
		return "", fmt.Errorf("failed to send media to %s: %w", to, err)
	}
	slog.Debug("WhatsApp media sent successfully", "to", to, "kind", kind, "bytes", len(data), "id", resp.ID)
	return resp.ID, nil
}

func (c *Client) download(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid media url %q: %w", mediaURL, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media %q: %w", mediaURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download media %q: status %d", mediaURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media %q: %w", mediaURL, err)
	}
	if len(data) > MaxMediaBytes {
		return nil, "", fmt.Errorf("media %q exceeds %d bytes", mediaURL, MaxMediaBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func whatsmeowMediaType(kind MediaKind) whatsmeow.MediaType {
	switch kind {
	case MediaImage:
		return whatsmeow.MediaImage
	case MediaVideo:
		return whatsmeow.MediaVideo
	case MediaAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// buildMediaMessage wraps an uploaded file in the message type matching kind.
// Audio messages carry no caption.
func buildMediaMessage(kind MediaKind, up whatsmeow.UploadResponse, mimeType, caption, filename string) *waE2E.Message {
	var captionPtr *string
	if caption != "" {
		captionPtr = proto.String(caption)
	}

	switch kind {
	case MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       captionPtr,
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       captionPtr,
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		if filename == "" {
			filename = "documento"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       captionPtr,
			FileName:      proto.String(filename),
			Title:         proto.String(filename),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records messages instead of sending them. In tests use NewMockClient
// instead of NewClient to avoid real WhatsApp connections.
type MockClient struct {
	mu   sync.Mutex
	Sent []MockMessage
	// Err, when set, is returned by every send.
	Err error
}

// MockMessage is one message captured by MockClient.
type MockMessage struct {
	ID       string
	To       string
	Body     string
	Kind     MediaKind
	MediaURL string
	Filename string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) (string, error) {
	return m.record(MockMessage{To: to, Body: body})
}

func (m *MockClient) SendMedia(ctx context.Context, to string, kind MediaKind, mediaURL, caption, filename string) (string, error) {
	return m.record(MockMessage{To: to, Body: caption, Kind: kind, MediaURL: mediaURL, Filename: filename})
}

func (m *MockClient) record(msg MockMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	msg.ID = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:20])
	m.Sent = append(m.Sent, msg)
	return msg.ID, nil
}

// Messages returns a copy of the captured messages.
func (m *MockClient) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Sent...)
}
